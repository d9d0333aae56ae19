package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/tally/internal/dedup"
)

const DefaultTimeout = 30 * time.Minute

// Job is an admitted upload handed to the pipeline.
type Job struct {
	CallerID    string `json:"caller_id"`
	DocumentID  string `json:"document_id"`
	BlobKey     string `json:"blob_key"`
	MediaType   string `json:"media_type"`
	Kind        string `json:"kind,omitempty"`
	Fingerprint string `json:"fingerprint"`
}

type Uploader interface {
	Upload(ctx context.Context, key string, reader io.Reader, contentType string) error
	Delete(ctx context.Context, key string) error
}

type Submitter interface {
	Submit(ctx context.Context, job Job) error
}

// Confirmer carries out the caller's answer to a confirmation prompt and
// returns the text to send back.
type Confirmer interface {
	Confirm(ctx context.Context, s Session, action Action, text string) (string, error)
}

type Config struct {
	Timeout time.Duration
	// KeyPrefix is prepended to blob keys of uploaded documents.
	KeyPrefix string
}

type Machine struct {
	store     Store
	dedup     dedup.Index
	limiter   *Limiter
	blobs     Uploader
	submitter Submitter
	confirmer Confirmer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*callerLock
}

// callerLock is dropped from Machine.locks once nobody holds or waits on it.
type callerLock struct {
	mu   sync.Mutex
	refs int
}

func NewMachine(store Store, idx dedup.Index, limiter *Limiter, blobs Uploader, submitter Submitter, confirmer Confirmer, cfg Config, logger *slog.Logger) *Machine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "uploads/"
	}
	return &Machine{
		store:     store,
		dedup:     idx,
		limiter:   limiter,
		blobs:     blobs,
		submitter: submitter,
		confirmer: confirmer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		locks:     make(map[string]*callerLock),
	}
}

func (m *Machine) lock(callerID string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[callerID]
	if !ok {
		l = &callerLock{}
		m.locks[callerID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, callerID)
		}
		m.locksMu.Unlock()
	}
}

// Handle applies one caller event and returns the reply to send.
func (m *Machine) Handle(ctx context.Context, ev Event) (Reply, error) {
	if ev.CallerID == "" {
		return Reply{}, fmt.Errorf("event has no caller id")
	}
	unlock := m.lock(ev.CallerID)
	defer unlock()

	s, rev, err := m.store.Get(ctx, ev.CallerID)
	if err != nil {
		return Reply{}, err
	}

	now := m.now()
	expired := false
	if s.expired(now, m.cfg.Timeout) {
		m.logger.Info("session expired",
			"caller_id", s.CallerID,
			"state", s.State,
			"pending_ref", s.PendingRef,
		)
		s = Session{CallerID: ev.CallerID, State: StateIdle}
		expired = true
	}

	reply, next, err := m.step(ctx, s, ev)
	if err != nil {
		return Reply{}, err
	}
	reply.CallerID = ev.CallerID
	if expired {
		reply.Expired = true
		reply.Text = textExpired + " " + reply.Text
		if next == nil {
			next = &Session{State: StateIdle}
		}
	}

	if next != nil {
		next.CallerID = ev.CallerID
		next.LastActivity = now
		admitted := next.State == StateProcessing && s.State != StateProcessing
		if _, err := m.store.Put(ctx, *next, rev); err != nil {
			if admitted {
				m.undoAdmit(ctx, ev, *next)
			}
			return Reply{}, fmt.Errorf("save session: %w", err)
		}
		if admitted {
			m.submit(ctx, *next, ev, &reply)
		}
	}
	return reply, nil
}

// step returns the reply and, when the session changes, its next value.
func (m *Machine) step(ctx context.Context, s Session, ev Event) (Reply, *Session, error) {
	switch s.State {
	case StateIdle:
		switch ev.Type {
		case EventText:
			return Reply{Code: ReplyUploadPrompt, Text: textUploadPrompt}, &Session{State: StateAwaitingDocument}, nil
		case EventMedia:
			return m.admit(ctx, s, ev)
		default:
			return Reply{Code: ReplyHelp, Text: textIdleHelp}, nil, nil
		}

	case StateAwaitingDocument:
		if ev.Type == EventMedia {
			return m.admit(ctx, s, ev)
		}
		next := s
		return Reply{Code: ReplyUploadPrompt, Text: textUploadPrompt}, &next, nil

	case StateProcessing:
		return Reply{Code: ReplyStillWorking, Text: textStillWorking}, nil, nil

	case StateAwaitingConfirmation:
		if ev.Type != EventAction || !ev.Action.Valid() {
			return Reply{Code: ReplyHelp, Text: textHelp}, nil, nil
		}
		text, err := m.confirmer.Confirm(ctx, s, ev.Action, ev.Text)
		if err != nil {
			return Reply{}, nil, fmt.Errorf("confirm %s: %w", ev.Action, err)
		}
		m.logger.Info("session confirmed",
			"caller_id", s.CallerID,
			"document_id", s.DocumentID,
			"action", ev.Action,
		)
		return Reply{Code: ReplyDone, Text: text}, &Session{State: StateIdle}, nil
	}
	return Reply{}, nil, fmt.Errorf("unknown session state %q", s.State)
}

// admit runs an upload through dedup, the rate limiter and the blob store.
func (m *Machine) admit(ctx context.Context, s Session, ev Event) (Reply, *Session, error) {
	if len(ev.Media) == 0 {
		return Reply{Code: ReplyUploadPrompt, Text: textUploadPrompt}, nil, nil
	}

	fp := dedup.Fingerprint(ev.Media)
	dup, err := m.dedup.Claim(ctx, ev.CallerID, fp)
	if err != nil {
		return Reply{}, nil, err
	}
	if dup {
		m.logger.Info("duplicate upload ignored", "caller_id", ev.CallerID, "fingerprint", fp)
		return Reply{Code: ReplyDuplicate, Text: textDuplicate}, nil, nil
	}

	if ok, retryAfter := m.limiter.Allow(ev.CallerID); !ok {
		m.release(ctx, ev.CallerID, fp)
		m.logger.Warn("upload rate limited",
			"caller_id", ev.CallerID,
			"retry_after", retryAfter,
			"error", ErrRateLimited,
		)
		return Reply{Code: ReplyRateLimited, Text: textRateLimited}, nil, nil
	}

	docID := uuid.New().String()
	key := m.cfg.KeyPrefix + docID
	mediaType := ev.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	if err := m.blobs.Upload(ctx, key, bytes.NewReader(ev.Media), mediaType); err != nil {
		m.release(ctx, ev.CallerID, fp)
		return Reply{}, nil, fmt.Errorf("store upload: %w", err)
	}

	m.logger.Info("upload admitted",
		"caller_id", ev.CallerID,
		"document_id", docID,
		"bytes", len(ev.Media),
		"from_state", s.State,
	)
	return Reply{Code: ReplyReceived, Text: textReceived}, &Session{
		State:      StateProcessing,
		PendingRef: key,
		DocumentID: docID,
	}, nil
}

// submit hands the admitted upload to the pipeline. A failed submission
// returns the caller to awaiting_document so they can resend.
func (m *Machine) submit(ctx context.Context, s Session, ev Event, reply *Reply) {
	job := Job{
		CallerID:    s.CallerID,
		DocumentID:  s.DocumentID,
		BlobKey:     s.PendingRef,
		MediaType:   ev.MediaType,
		Kind:        ev.Kind,
		Fingerprint: dedup.Fingerprint(ev.Media),
	}
	err := m.submitter.Submit(ctx, job)
	if err == nil {
		return
	}

	m.logger.Error("submit job failed", "caller_id", s.CallerID, "document_id", s.DocumentID, "error", err)
	m.release(ctx, s.CallerID, job.Fingerprint)

	cur, rev, gerr := m.store.Get(ctx, s.CallerID)
	if gerr == nil && cur.DocumentID == s.DocumentID {
		cur.State = StateAwaitingDocument
		cur.PendingRef = ""
		cur.DocumentID = ""
		cur.LastActivity = m.now()
		if _, perr := m.store.Put(ctx, cur, rev); perr != nil {
			m.logger.Error("revert session failed", "caller_id", s.CallerID, "error", perr)
		}
	}
	reply.Code = ReplyFailed
	reply.Text = textFailed
}

// undoAdmit reverses an admission whose session write lost, so the caller
// can resend the same bytes.
func (m *Machine) undoAdmit(ctx context.Context, ev Event, next Session) {
	m.release(ctx, ev.CallerID, dedup.Fingerprint(ev.Media))
	m.limiter.Refund(ev.CallerID)
	if err := m.blobs.Delete(ctx, next.PendingRef); err != nil {
		m.logger.Warn("delete orphaned upload failed", "key", next.PendingRef, "error", err)
	}
}

// Fail takes a processing session whose pipeline run errored back to
// awaiting_document and forgets the upload's fingerprint so the caller can
// resend it. It reports false when the session has already moved on.
func (m *Machine) Fail(ctx context.Context, job Job) (Reply, bool, error) {
	unlock := m.lock(job.CallerID)
	defer unlock()

	m.release(ctx, job.CallerID, job.Fingerprint)

	s, rev, err := m.store.Get(ctx, job.CallerID)
	if err != nil {
		return Reply{}, false, err
	}
	if s.State != StateProcessing || s.DocumentID != job.DocumentID {
		return Reply{}, false, nil
	}
	s.State = StateAwaitingDocument
	s.PendingRef = ""
	s.DocumentID = ""
	s.LastActivity = m.now()
	if _, err := m.store.Put(ctx, s, rev); err != nil {
		return Reply{}, false, fmt.Errorf("save session: %w", err)
	}
	m.logger.Warn("pipeline run failed, caller asked to resend",
		"caller_id", job.CallerID,
		"document_id", job.DocumentID,
	)
	return Reply{CallerID: job.CallerID, Code: ReplyFailed, Text: textFailed}, true, nil
}

// Complete moves a processing session to awaiting_confirmation once the
// pipeline has a result for documentID. It reports false when the session
// has moved on or expired.
func (m *Machine) Complete(ctx context.Context, callerID, documentID, summary string) (Reply, bool, error) {
	unlock := m.lock(callerID)
	defer unlock()

	s, rev, err := m.store.Get(ctx, callerID)
	if err != nil {
		return Reply{}, false, err
	}
	now := m.now()
	if s.State != StateProcessing || s.DocumentID != documentID || s.expired(now, m.cfg.Timeout) {
		m.logger.Info("pipeline result ignored",
			"caller_id", callerID,
			"document_id", documentID,
			"state", s.State,
		)
		return Reply{}, false, nil
	}

	s.State = StateAwaitingConfirmation
	s.LastActivity = now
	if _, err := m.store.Put(ctx, s, rev); err != nil {
		return Reply{}, false, fmt.Errorf("save session: %w", err)
	}

	text := strings.TrimSpace(summary + "\n\n" + textHelp)
	return Reply{CallerID: callerID, Code: ReplyConfirm, Text: text}, true, nil
}

// Session returns the caller's current session.
func (m *Machine) Session(ctx context.Context, callerID string) (Session, error) {
	s, _, err := m.store.Get(ctx, callerID)
	return s, err
}

func (m *Machine) release(ctx context.Context, callerID, fp string) {
	if err := m.dedup.Release(ctx, callerID, fp); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("release upload claim failed", "caller_id", callerID, "error", err)
	}
}
