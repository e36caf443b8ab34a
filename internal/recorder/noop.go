package recorder

import (
	"context"

	"fasset-qa/internal/corevault"
)

// NoopRecorder is a no-op implementation used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordDecision(context.Context, corevault.Decision) error { return nil }
func (n *NoopRecorder) ListDecisions(context.Context, int) ([]DecisionRecord, error) {
	return nil, nil
}
func (n *NoopRecorder) RecordAgent(context.Context, string, string) error { return nil }
func (n *NoopRecorder) Agents(context.Context) ([]string, error) { return nil, nil }
func (n *NoopRecorder) Close() error { return nil }
