package recorder

import (
	"context"
	"time"

	"fasset-qa/internal/corevault"
)

// DecisionRecord is one persisted policy decision. Amounts are kept as
// decimal strings so arbitrarily large UBA values survive the round trip.
type DecisionRecord struct {
	ID          int64     `json:"id"`
	AgentVault  string    `json:"agent_vault"`
	Direction   string    `json:"direction"`
	Outcome     string    `json:"outcome"`
	MintedRatio string    `json:"minted_ratio,omitempty"`
	AmountUBA   string    `json:"amount_uba,omitempty"`
	Lots        string    `json:"lots,omitempty"`
	Error       string    `json:"error,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// AgentRecord is an agent vault created through the create-agent workflow.
type AgentRecord struct {
	AgentVault   string    `json:"agent_vault"`
	SettingsPath string    `json:"settings_path"`
	CreatedAt    time.Time `json:"created_at"`
}

// Recorder persists decision and agent history.
type Recorder interface {
	corevault.DecisionRecorder
	ListDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	RecordAgent(ctx context.Context, agentVault, settingsPath string) error
	Agents(ctx context.Context) ([]string, error)
	Close() error
}

// DefaultListLimit bounds ListDecisions when the caller passes a non-positive limit.
const DefaultListLimit = 100

// NewDecisionRecord flattens a policy decision into its persisted form.
func NewDecisionRecord(d corevault.Decision) DecisionRecord {
	rec := DecisionRecord{
		AgentVault:  d.AgentVault,
		Direction:   string(d.Direction),
		Outcome:     string(d.Outcome),
		MintedRatio: corevault.RatioString(d.MintedRatio),
		DecidedAt:   d.DecidedAt.UTC(),
	}
	if d.AmountUBA != nil {
		rec.AmountUBA = d.AmountUBA.String()
	}
	if d.Lots != nil {
		rec.Lots = d.Lots.String()
	}
	if d.Err != nil {
		rec.Error = d.Err.Error()
	}
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now().UTC()
	}
	return rec
}
