// Package events announces ledger changes to external collaborators.
// Delivery is at-most-once; the engine never waits on or fails because of it.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"vanityhub/ledger/internal/logger"
	"vanityhub/ledger/internal/metrics"
)

type Type string

const (
	SaleCreated          Type = "sale.created"
	SaleUpdated          Type = "sale.updated"
	SaleDeleted          Type = "sale.deleted"
	SaleDuplicateBlocked Type = "sale.duplicate_blocked"
	CleanupCompleted     Type = "sales.cleanup_completed"
)

type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Key        string          `json:"key,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope encodes payload; key orders messages for the same sale.
func NewEnvelope(t Type, key string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:         uuid.NewString(),
		Type:       t,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type Noop struct{}

func (Noop) Publish(context.Context, Envelope) error { return nil }

// Multi fans out to every publisher and reports all failures.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, env Envelope) error {
	var errs error
	for _, p := range m {
		errs = multierr.Append(errs, p.Publish(ctx, env))
	}
	return errs
}

// Recorder keeps envelopes in memory.
type Recorder struct {
	mu        sync.Mutex
	envelopes []Envelope
	Err       error
}

func (r *Recorder) Publish(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.envelopes = append(r.envelopes, env)
	return nil
}

func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envelopes...)
}

func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.envelopes))
	for i, env := range r.envelopes {
		out[i] = env.Type
	}
	return out
}

// Count returns how many envelopes of type t were recorded.
func (r *Recorder) Count(t Type) int {
	n := 0
	for _, got := range r.Types() {
		if got == t {
			n++
		}
	}
	return n
}

const defaultNotifyTimeout = 5 * time.Second

// Notifier is what the engine talks to. Failures are logged and counted,
// never returned.
type Notifier struct {
	pub     Publisher
	log     *logger.Logger
	metrics *metrics.LedgerMetrics
	async   bool
	timeout time.Duration
	wg      sync.WaitGroup
}

type NotifierOptions struct {
	Logger  *logger.Logger
	Metrics *metrics.LedgerMetrics
	// Async delivers from a goroutine; Wait drains pending deliveries.
	Async   bool
	Timeout time.Duration
}

func NewNotifier(pub Publisher, opts NotifierOptions) *Notifier {
	if pub == nil {
		pub = Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultNotifyTimeout
	}
	return &Notifier{pub: pub, log: opts.Logger, metrics: opts.Metrics, async: opts.Async, timeout: opts.Timeout}
}

func (n *Notifier) Notify(ctx context.Context, t Type, key string, payload any) {
	if n == nil {
		return
	}
	env, err := NewEnvelope(t, key, payload)
	if err != nil {
		n.metrics.IncPublishFailure(string(t))
		n.log.Error(ctx, "encode change notification", err)
		return
	}
	// detach from the caller so a finished request does not cancel delivery
	base := context.WithoutCancel(ctx)
	if !n.async {
		n.deliver(base, env)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(base, env)
	}()
}

func (n *Notifier) deliver(ctx context.Context, env Envelope) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.pub.Publish(ctx, env); err != nil {
		n.metrics.IncPublishFailure(string(env.Type))
		n.log.Error(n.log.WithFields(ctx, map[string]any{"type": env.Type, "key": env.Key}), "publish change notification", err)
	}
}

func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}
