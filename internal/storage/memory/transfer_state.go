// Package memory keeps core vault execution marks in process memory.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"fasset-qa/internal/corevault"
)

// TransferStateStore records which agents have a core vault transfer or
// return in flight. Marks expire after the configured TTL.
type TransferStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[key]time.Time
}

type key struct {
	vault     string
	direction corevault.Direction
}

// Option customises the store.
type Option func(*TransferStateStore)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *TransferStateStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTransferStateStore creates an empty store. A non-positive ttl keeps
// marks until they are finished explicitly.
func NewTransferStateStore(ttl time.Duration, opts ...Option) *TransferStateStore {
	s := &TransferStateStore{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[key]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// IsTransferToCoreVaultPending implements corevault.TransferStateStore.
func (s *TransferStateStore) IsTransferToCoreVaultPending(_ context.Context, agentVault string) (bool, error) {
	return s.isPending(agentVault, corevault.DirectionToCoreVault), nil
}

// IsReturnFromCoreVaultPending implements corevault.ReturnStateStore.
func (s *TransferStateStore) IsReturnFromCoreVaultPending(_ context.Context, agentVault string) (bool, error) {
	return s.isPending(agentVault, corevault.DirectionFromCoreVault), nil
}

// BeginTransfer marks a transfer as in flight. It reports false when one
// already is.
func (s *TransferStateStore) BeginTransfer(_ context.Context, agentVault string) (bool, error) {
	return s.begin(agentVault, corevault.DirectionToCoreVault), nil
}

// FinishTransfer clears the transfer mark.
func (s *TransferStateStore) FinishTransfer(_ context.Context, agentVault string) error {
	s.finish(agentVault, corevault.DirectionToCoreVault)
	return nil
}

// BeginReturn marks a return as in flight.
func (s *TransferStateStore) BeginReturn(_ context.Context, agentVault string) (bool, error) {
	return s.begin(agentVault, corevault.DirectionFromCoreVault), nil
}

// FinishReturn clears the return mark.
func (s *TransferStateStore) FinishReturn(_ context.Context, agentVault string) error {
	s.finish(agentVault, corevault.DirectionFromCoreVault)
	return nil
}

// Close is a no-op.
func (s *TransferStateStore) Close() error { return nil }

func (s *TransferStateStore) isPending(agentVault string, dir corevault.Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(key{vault: normalize(agentVault), direction: dir})
}

func (s *TransferStateStore) begin(agentVault string, dir corevault.Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{vault: normalize(agentVault), direction: dir}
	if s.liveLocked(k) {
		return false
	}
	s.pending[k] = s.now()
	return true
}

func (s *TransferStateStore) finish(agentVault string, dir corevault.Direction) {
	s.mu.Lock()
	delete(s.pending, key{vault: normalize(agentVault), direction: dir})
	s.mu.Unlock()
}

func (s *TransferStateStore) liveLocked(k key) bool {
	started, ok := s.pending[k]
	if !ok {
		return false
	}
	if s.ttl > 0 && s.now().Sub(started) >= s.ttl {
		delete(s.pending, k)
		return false
	}
	return true
}

// addresses are case-insensitive hex
func normalize(agentVault string) string {
	return strings.ToLower(strings.TrimSpace(agentVault))
}

var (
	_ corevault.TransferStateStore = (*TransferStateStore)(nil)
	_ corevault.ReturnStateStore   = (*TransferStateStore)(nil)
)
