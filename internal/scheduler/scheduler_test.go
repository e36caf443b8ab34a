package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubmitter struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (r *recordingSubmitter) SubmitAll(_ context.Context, vaults []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]string(nil), vaults...))
	if r.err != nil {
		return 0, r.err
	}
	return len(vaults), nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

type staticSource struct {
	agents []string
	err    error
}

func (s staticSource) Agents(context.Context) ([]string, error) { return s.agents, s.err }

func TestTickMergesSources(t *testing.T) {
	sub := &recordingSubmitter{}
	s, err := New(Config{Agents: []string{"0x1"}}, sub,
		staticSource{agents: []string{"0x2", "0x3"}},
		staticSource{err: errors.New("sqlite locked")},
		nil,
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Spec() != DefaultSpec {
		t.Fatalf("unexpected default spec %s", s.Spec())
	}

	n, err := s.Tick(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("unexpected tick result %d %v", n, err)
	}
	got := sub.batches[0]
	if len(got) != 3 || got[0] != "0x1" || got[1] != "0x2" || got[2] != "0x3" {
		t.Fatalf("unexpected batch %v", got)
	}
}

func TestTickWithoutAgentsSkipsSubmit(t *testing.T) {
	sub := &recordingSubmitter{}
	s, err := New(Config{}, sub)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if n, err := s.Tick(context.Background()); n != 0 || err != nil {
		t.Fatalf("unexpected tick %d %v", n, err)
	}
	if sub.count() != 0 {
		t.Fatalf("submitter should not be called")
	}
}

func TestTickPropagatesSubmitError(t *testing.T) {
	sub := &recordingSubmitter{err: errors.New("queue closed")}
	s, _ := New(Config{Agents: []string{"0x1"}}, sub)
	if _, err := s.Tick(context.Background()); err == nil {
		t.Fatalf("expected submit error")
	}
}

func TestNewValidatesInput(t *testing.T) {
	if _, err := New(Config{Spec: "not a cron"}, &recordingSubmitter{}); err == nil {
		t.Fatalf("expected spec error")
	}
	if _, err := New(Config{}, nil); err == nil {
		t.Fatalf("expected submitter error")
	}
}

func TestStartRunsTicks(t *testing.T) {
	sub := &recordingSubmitter{}
	s, err := New(Config{Spec: "@every 1s", Agents: []string{"0x1"}}, sub)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for sub.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("no tick within deadline")
		case <-time.After(50 * time.Millisecond):
		}
	}
	<-s.Stop().Done()
	<-s.Stop().Done()
}
