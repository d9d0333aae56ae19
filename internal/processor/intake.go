package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/tally/internal/hermes"
	"github.com/MikeSquared-Agency/tally/internal/session"
)

const (
	failTimeout = 5 * time.Second
	gateTimeout = 5 * time.Second
)

// Publisher is the publish half of the hermes client.
type Publisher interface {
	Publish(subject string, data any) error
}

// Intake connects the chat transport to the session gate and the pipeline:
// inbound events drive the session machine, admitted uploads run on the pool,
// and every reply goes back on the caller's outbound subject.
type Intake struct {
	proc    *Processor
	pool    *Pool
	machine *session.Machine
	bus     Publisher
	logger  *slog.Logger

	gatesMu sync.Mutex
	gates   map[string]chan struct{} // caller ID -> closed once the admitting reply is out
}

func NewIntake(proc *Processor, bus Publisher, workers int, logger *slog.Logger) *Intake {
	i := &Intake{proc: proc, bus: bus, logger: logger, gates: make(map[string]chan struct{})}
	i.pool = NewPool(workers, i.run, logger)
	return i
}

// Bind attaches the session machine. It must be called before events arrive.
func (i *Intake) Bind(m *session.Machine) {
	i.machine = m
}

// Submit implements session.Submitter. The job waits until Handle has
// published the "received" reply so the caller never sees the result first.
func (i *Intake) Submit(ctx context.Context, job session.Job) error {
	i.gatesMu.Lock()
	i.gates[job.CallerID] = make(chan struct{})
	i.gatesMu.Unlock()

	if err := i.pool.Submit(ctx, job); err != nil {
		i.openGate(job.CallerID)
		return err
	}
	return nil
}

func (i *Intake) openGate(callerID string) {
	i.gatesMu.Lock()
	defer i.gatesMu.Unlock()
	if ch, ok := i.gates[callerID]; ok {
		close(ch)
		delete(i.gates, callerID)
	}
}

func (i *Intake) awaitGate(ctx context.Context, callerID string) {
	i.gatesMu.Lock()
	ch, ok := i.gates[callerID]
	i.gatesMu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	case <-ctx.Done():
	case <-time.After(gateTimeout):
	}
}

func (i *Intake) Shutdown(ctx context.Context) error {
	return i.pool.Shutdown(ctx)
}

// HandleInbound is the NATS handler for tally.inbound.
func (i *Intake) HandleInbound(subject string, data []byte) {
	var ev session.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		i.logger.Error("failed to parse inbound event", "subject", subject, "error", err)
		return
	}
	i.Handle(context.Background(), ev)
}

// Handle applies one event and publishes the reply.
func (i *Intake) Handle(ctx context.Context, ev session.Event) {
	defer i.openGate(ev.CallerID)
	reply, err := i.machine.Handle(ctx, ev)
	if err != nil {
		i.logger.Error("session event failed",
			"caller_id", ev.CallerID,
			"type", ev.Type,
			"error", err,
		)
		if ev.CallerID == "" {
			return
		}
		reply = session.Reply{
			CallerID: ev.CallerID,
			Code:     session.ReplyFailed,
			Text:     "Something went wrong on our side. Please try again in a moment.",
		}
	}
	i.reply(reply)
}

func (i *Intake) run(ctx context.Context, job session.Job) {
	i.awaitGate(ctx, job.CallerID)
	rec, err := i.proc.Process(ctx, job)
	if err != nil {
		i.logger.Error("pipeline failed",
			"document_id", job.DocumentID,
			"caller_id", job.CallerID,
			"error", err,
		)
		i.fail(ctx, job)
		return
	}

	reply, ok, err := i.machine.Complete(ctx, job.CallerID, job.DocumentID, Summary(rec))
	if err != nil {
		i.logger.Error("complete session failed", "caller_id", job.CallerID, "error", err)
		return
	}
	if ok {
		i.reply(reply)
	}
}

// fail releases a caller whose run errored so they are not left waiting on
// a document that will never complete. It runs even when ctx was cancelled.
func (i *Intake) fail(ctx context.Context, job session.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()
	reply, ok, err := i.machine.Fail(ctx, job)
	if err != nil {
		i.logger.Error("fail session failed", "caller_id", job.CallerID, "error", err)
		return
	}
	if ok {
		i.reply(reply)
	}
}

func (i *Intake) reply(r session.Reply) {
	if err := i.bus.Publish(hermes.OutboundSubject(r.CallerID), r); err != nil {
		i.logger.Error("publish reply failed", "caller_id", r.CallerID, "error", err)
	}
}
