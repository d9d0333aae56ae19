package telemetry

import "log/slog"

const (
	SubjectAttempt  = "tally.telemetry.attempt"
	SubjectDecision = "tally.telemetry.decision"
)

// Publisher is satisfied by hermes.Client.
type Publisher interface {
	Publish(subject string, data any) error
}

// NATS publishes every event as JSON on the telemetry subjects.
type NATS struct {
	pub    Publisher
	logger *slog.Logger
}

func NewNATS(pub Publisher, logger *slog.Logger) *NATS {
	return &NATS{pub: pub, logger: logger}
}

func (n *NATS) RecordAttempt(a Attempt) {
	if err := n.pub.Publish(SubjectAttempt, a); err != nil {
		n.logger.Debug("publish attempt telemetry failed", "provider", a.Provider, "error", err)
	}
}

func (n *NATS) RecordDecision(d Decision) {
	if err := n.pub.Publish(SubjectDecision, d); err != nil {
		n.logger.Debug("publish decision telemetry failed", "document_id", d.DocumentID, "error", err)
	}
}
