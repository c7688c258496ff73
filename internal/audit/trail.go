// Package audit records every privileged attempt, successful or not, as an
// immutable entry.
package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"parley.chat/internal/action"
	"parley.chat/internal/ids"
	"parley.chat/internal/obs"
)

const defaultStoreTimeout = 2 * time.Second

// Target types.
const (
	TargetSubject = "subject"
	TargetRoom    = "room"
	TargetSelf    = "self"
)

// Entry is one audit record. Successes and failures share the same shape;
// ErrorMessage is only set when Success is false.
type Entry struct {
	ID            string
	RequestID     string
	ActorID       string
	ActorRole     string
	Action        action.Type
	Category      action.Category
	TargetType    string
	TargetID      string
	Details       map[string]any
	SourceAddress string
	UserAgent     string
	Success       bool
	ErrorMessage  string
	ExecutionTime time.Duration
	CreatedAt     time.Time
}

// Store appends entries. Appending an ID twice must be a no-op.
type Store interface {
	AppendAudit(ctx context.Context, e Entry) error
}

// Trail writes entries to the store and to the structured log. Store failures
// are logged and counted but never surface to the caller.
type Trail struct {
	store   Store
	now     func() time.Time
	timeout time.Duration
	log     *logrus.Logger
}

type Option func(*Trail)

func WithClock(now func() time.Time) Option {
	return func(t *Trail) {
		if now != nil {
			t.now = now
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(t *Trail) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithLogger(l *logrus.Logger) Option {
	return func(t *Trail) {
		if l != nil {
			t.log = l
		}
	}
}

func NewTrail(store Store, opts ...Option) (*Trail, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	t := &Trail{store: store, now: time.Now, timeout: defaultStoreTimeout, log: obs.Logger()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Record completes e from ctx and appends it once. The returned entry is what was written.
func (t *Trail) Record(ctx context.Context, e Entry) Entry {
	now := t.now().UTC()
	if e.ID == "" {
		e.ID = ids.NewAt(now)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	client := ClientFromContext(ctx)
	if e.SourceAddress == "" {
		e.SourceAddress = client.SourceAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = client.UserAgent
	}
	e.Category = action.CategoryOf(e.Action)
	if e.Success {
		e.ErrorMessage = ""
	} else if e.ErrorMessage == "" {
		e.ErrorMessage = "unspecified failure"
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}

	t.logLine(e)

	// The effect may already have happened; a departing client must not lose its record.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	if err := t.store.AppendAudit(wctx, e); err != nil {
		obs.AuditWriteFailed()
		t.log.WithError(err).WithFields(logrus.Fields{
			"audit_id":   e.ID,
			"action":     string(e.Action),
			"request_id": e.RequestID,
		}).Error("audit: append failed")
	}
	return e
}

func (t *Trail) logLine(e Entry) {
	fields := logrus.Fields{
		"type":           "audit",
		"audit_id":       e.ID,
		"actor_id":       e.ActorID,
		"actor_role":     e.ActorRole,
		"action":         string(e.Action),
		"category":       string(e.Category),
		"target_type":    e.TargetType,
		"success":        e.Success,
		"execution_ms":   e.ExecutionTime.Milliseconds(),
		"source_address": e.SourceAddress,
	}
	if e.RequestID != "" {
		fields["request_id"] = e.RequestID
	}
	if e.TargetID != "" {
		fields["target_id"] = e.TargetID
	}
	if !e.Success {
		fields["error"] = e.ErrorMessage
	}
	if len(e.Details) > 0 {
		fields["details"] = e.Details
	}
	t.log.WithFields(fields).Info("audit")
}

// Attempt measures one privileged operation and finishes it exactly once.
type Attempt struct {
	trail   *Trail
	entry   Entry
	started time.Time
	done    atomic.Bool
}

// Begin starts timing an attempt described by e. Outcome fields are ignored.
func (t *Trail) Begin(e Entry) *Attempt {
	return &Attempt{trail: t, entry: e, started: t.now()}
}

// Target sets the target once it is known.
func (a *Attempt) Target(targetType, targetID string) {
	a.entry.TargetType = targetType
	a.entry.TargetID = targetID
}

// Actor records the authoritative role once it has been resolved.
func (a *Attempt) Actor(id, role string) {
	a.entry.ActorID = id
	a.entry.ActorRole = role
}

// Detail adds one key to the entry details, visible for both outcomes.
func (a *Attempt) Detail(key string, value any) {
	if a.entry.Details == nil {
		a.entry.Details = make(map[string]any)
	}
	a.entry.Details[key] = value
}

// Succeed records a successful attempt. Later calls to Succeed or Fail do nothing.
func (a *Attempt) Succeed(ctx context.Context, details map[string]any) (Entry, bool) {
	if !a.done.CompareAndSwap(false, true) {
		return Entry{}, false
	}
	for k, v := range details {
		a.Detail(k, v)
	}
	a.entry.Success = true
	a.entry.ExecutionTime = a.trail.now().Sub(a.started)
	return a.trail.Record(ctx, a.entry), true
}

// Fail records a failed attempt with err as its message.
func (a *Attempt) Fail(ctx context.Context, err error) (Entry, bool) {
	if !a.done.CompareAndSwap(false, true) {
		return Entry{}, false
	}
	a.entry.Success = false
	if err != nil {
		a.entry.ErrorMessage = err.Error()
	}
	a.entry.ExecutionTime = a.trail.now().Sub(a.started)
	return a.trail.Record(ctx, a.entry), true
}

// Finished reports whether Succeed or Fail has been called.
func (a *Attempt) Finished() bool { return a.done.Load() }
