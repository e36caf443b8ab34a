package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	xerrors "fasset-qa/internal/errors"
)

func TestMemoryQueueDrainsAfterClose(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	for _, v := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, v); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("unexpected length %d", q.Len())
	}
	_ = q.Close()
	if err := q.Publish(ctx, "d"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure after close, got %v", err)
	}

	var mu sync.Mutex
	var got []string
	err := q.Consume(ctx, 2, func(_ context.Context, v string) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return errors.New("ignored")
	})
	if err != nil {
		t.Fatalf("consume returned %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %v", got)
	}
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Publish(context.Background(), "a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

type fakeListClient struct {
	mu      sync.Mutex
	items   []string
	pushed  []string
	pushErr error
	closed  bool
}

func (f *fakeListClient) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		f.pushed = append(f.pushed, v.(string))
	}
	return redis.NewIntResult(int64(len(f.pushed)), nil)
}

func (f *fakeListClient) BRPop(ctx context.Context, _ time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		if err := ctx.Err(); err != nil {
			return redis.NewStringSliceResult(nil, err)
		}
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
	item := f.items[len(f.items)-1]
	f.items = f.items[:len(f.items)-1]
	return redis.NewStringSliceResult([]string{keys[0], item}, nil)
}

func (f *fakeListClient) Close() error {
	f.closed = true
	return nil
}

func TestRedisQueuePublish(t *testing.T) {
	client := &fakeListClient{}
	q := newRedisQueue(client, "", 0)
	if q.queue != "fassetqa:evaluations" || q.wait != 5*time.Second {
		t.Fatalf("defaults not applied: %s %s", q.queue, q.wait)
	}
	if err := q.Publish(context.Background(), "0xabc"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(client.pushed) != 1 || client.pushed[0] != "0xabc" {
		t.Fatalf("unexpected pushes %v", client.pushed)
	}

	client.pushErr = errors.New("connection refused")
	if err := q.Publish(context.Background(), "0xdef"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure, got %v", err)
	}
	_ = q.Close()
	if !client.closed {
		t.Fatalf("client not closed")
	}
}

func TestRedisQueueConsumeDoesNotRequeueFailures(t *testing.T) {
	client := &fakeListClient{items: []string{"0x2", "0x1"}}
	q := newRedisQueue(client, "evals", 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]int{}
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(_ context.Context, v string) error {
			mu.Lock()
			seen[v]++
			total := len(seen)
			mu.Unlock()
			if total == 2 {
				cancel()
			}
			return errors.New("evaluation failed")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected consume error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consume did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if seen["0x1"] != 1 || seen["0x2"] != 1 {
		t.Fatalf("unexpected deliveries %v", seen)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.pushed) != 0 {
		t.Fatalf("failed items were requeued: %v", client.pushed)
	}
}

func TestQueueConstructorsValidateConfig(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRabbitMQConsumeFailsWhenDeliveriesClose(t *testing.T) {
	msgs := make(chan amqp.Delivery, 2)
	msgs <- amqp.Delivery{Body: []byte("0xabc")}
	close(msgs)

	var mu sync.Mutex
	var handled []string
	err := consumeDeliveries(context.Background(), msgs, 2, func(_ context.Context, vault string) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, vault)
		return nil
	})
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure when deliveries close, got %v", err)
	}
	if len(handled) != 1 || handled[0] != "0xabc" {
		t.Fatalf("pending delivery not handled: %v", handled)
	}
}

func TestRabbitMQConsumeStopsOnCancel(t *testing.T) {
	msgs := make(chan amqp.Delivery)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumeDeliveries(ctx, msgs, 1, func(context.Context, string) error { return nil })
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consume did not stop after cancel")
	}
}
