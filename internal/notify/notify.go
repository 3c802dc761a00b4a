// Package notify fans escrow transition events out to interested parties.
// Delivery is fire-and-forget: the escrow commit path must never block on
// a slow consumer, and a dropped notification is recoverable by reading
// the escrow itself.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/tesseralabs/tessera/internal/escrow"
	"github.com/tesseralabs/tessera/internal/metrics"
)

// Event is one committed escrow transition.
type Event struct {
	EscrowID string        `json:"escrowId"`
	From     escrow.Status `json:"from"`
	To       escrow.Status `json:"to"`
	At       time.Time     `json:"at"`
}

// Sink receives events. Implementations own their retry policy; an error
// is logged and dropped.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Emitter implements escrow.Notifier. Every event is logged; configured
// sinks additionally receive it asynchronously with a bounded deadline.
type Emitter struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

// NewEmitter creates an emitter with the given sinks (may be empty).
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{
		sinks:   sinks,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// EscrowTransitioned logs the transition and dispatches it to all sinks.
func (e *Emitter) EscrowTransitioned(ctx context.Context, escrowID string, from, to escrow.Status, at time.Time) {
	metrics.NotificationsTotal.WithLabelValues(string(to)).Inc()
	e.logger.Info("escrow transitioned",
		"escrowId", escrowID,
		"from", from,
		"to", to,
		"at", at,
	)

	if len(e.sinks) == 0 {
		return
	}

	ev := Event{EscrowID: escrowID, From: from, To: to, At: at}
	for _, sink := range e.sinks {
		go e.deliver(sink, ev)
	}
}

func (e *Emitter) deliver(sink Sink, ev Event) {
	// Detached from the request context: the commit already happened and
	// the delivery should not die with the request.
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if err := sink.Deliver(ctx, ev); err != nil {
		e.logger.Warn("notification delivery failed",
			"escrowId", ev.EscrowID, "to", ev.To, "error", err)
	}
}

// Compile-time assertion that Emitter implements escrow.Notifier.
var _ escrow.Notifier = (*Emitter)(nil)
