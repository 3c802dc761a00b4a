package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tesseralabs/tessera/internal/escrow"
	"github.com/tesseralabs/tessera/internal/metrics"
)

// EscrowMarker writes the confirmed settlement transaction back onto the
// escrow record. Satisfied by escrow.Store.
type EscrowMarker interface {
	SetSettlementTx(ctx context.Context, id, txHash string) error
}

// Worker drains the intent queue: it submits pending intents to the chain
// bridge, polls submitted ones for confirmation, and escalates intents
// that exhaust their retry budget.
//
// The worker is stateless and safe to run on several instances at once:
// the store's claim moves an intent to submitting atomically, so each
// payout is submitted by exactly one worker.
type Worker struct {
	store         Store
	bridge        Bridge
	directory     Directory
	escrows       EscrowMarker
	interval      time.Duration
	submitTimeout time.Duration
	maxAttempts   int
	batch         int
	logger        *slog.Logger
	stop          chan struct{}
	running       atomic.Bool
}

// WorkerConfig configures the settlement worker.
type WorkerConfig struct {
	Interval      time.Duration
	SubmitTimeout time.Duration
	MaxAttempts   int
}

// NewWorker creates a new settlement worker.
func NewWorker(store Store, bridge Bridge, directory Directory, escrows EscrowMarker, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Worker{
		store:         store,
		bridge:        bridge,
		directory:     directory,
		escrows:       escrows,
		interval:      cfg.Interval,
		submitTimeout: cfg.SubmitTimeout,
		maxAttempts:   cfg.MaxAttempts,
		batch:         50,
		logger:        logger,
		stop:          make(chan struct{}),
	}
}

// Running reports whether the worker loop is actively running.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the worker loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeTick(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in settlement worker", "panic", fmt.Sprint(r))
		}
	}()
	w.Tick(ctx)
}

// Tick runs a single pass. Exported for tests and manual draining.
func (w *Worker) Tick(ctx context.Context) {
	w.reclaimStale(ctx)
	w.submitBatch(ctx, IntentPending)
	w.submitBatch(ctx, IntentFailed)
	w.pollSubmitted(ctx)
}

// reclaimStale requeues intents stuck in submitting: a claim that never
// progressed means its worker died mid-submit, and nothing else lists that
// status. Any recorded submission rides along so the retry goes through the
// bridge's prior-transaction check.
func (w *Worker) reclaimStale(ctx context.Context) {
	intents, err := w.store.ListByStatus(ctx, IntentSubmitting, w.batch)
	if err != nil {
		w.logger.Warn("failed to list submitting intents", "error", err)
		return
	}

	threshold := 10 * w.interval
	if s := 2 * w.submitTimeout; s > threshold {
		threshold = s
	}
	for _, in := range intents {
		if time.Since(in.UpdatedAt) <= threshold {
			continue
		}
		metrics.SettlementsTotal.WithLabelValues(string(in.Kind), "reclaimed").Inc()
		w.logger.Error("settlement claim went stale, requeueing",
			"key", in.Key, "escrowId", in.EscrowID, "claimedAt", in.UpdatedAt)
		if err := w.store.Requeue(ctx, in.Key, "claim went stale"); err != nil {
			w.logger.Error("failed to requeue stale claim", "key", in.Key, "error", err)
		}
	}
}

func (w *Worker) submitBatch(ctx context.Context, status IntentStatus) {
	intents, err := w.store.ListByStatus(ctx, status, w.batch)
	if err != nil {
		w.logger.Warn("failed to list settlement intents", "status", status, "error", err)
		return
	}
	for _, in := range intents {
		w.submit(ctx, in)
	}
}

func (w *Worker) submit(ctx context.Context, in *Intent) {
	if in.Attempts >= w.maxAttempts {
		w.abandon(ctx, in)
		return
	}

	claimed, err := w.store.Claim(ctx, in.Key)
	if errors.Is(err, ErrDuplicateSettlement) {
		// Another worker instance got there first.
		return
	}
	if err != nil {
		w.logger.Warn("failed to claim settlement intent", "key", in.Key, "error", err)
		return
	}
	in = claimed

	addr, err := w.directory.WalletAddress(ctx, in.Recipient)
	if err != nil {
		// No wallet on file yet; the account service may register one,
		// so this stays retryable.
		w.fail(ctx, in, err)
		return
	}

	// A retry carries its last recorded submission so the bridge can check
	// the earlier transaction instead of blindly signing a second payout.
	var prev *Submission
	if in.TxHash != "" {
		prev = &Submission{TxHash: in.TxHash, Nonce: in.Nonce}
	}

	submitCtx, cancel := context.WithTimeout(ctx, w.submitTimeout)
	defer cancel()

	var sub Submission
	switch in.Kind {
	case escrow.IntentRefund, escrow.IntentSplitRefund:
		sub, err = w.bridge.Refund(submitCtx, addr, in.Amount, in.Key, prev)
	default:
		sub, err = w.bridge.Release(submitCtx, addr, in.Amount, in.Key, prev)
	}

	if err != nil {
		// A signed tx may be on the wire even though the send errored.
		// Park it as submitted and let the confirmation poller decide;
		// a receipt that never appears gets requeued by the poller.
		if sub.TxHash != "" && errors.Is(err, ErrChainUnavailable) {
			w.logger.Warn("settlement submission outcome unknown",
				"key", in.Key, "txHash", sub.TxHash, "error", err)
			if markErr := w.store.MarkSubmitted(ctx, in.Key, sub.TxHash, sub.Nonce); markErr != nil {
				w.logger.Error("failed to park settlement intent", "key", in.Key, "error", markErr)
			}
			metrics.SettlementsTotal.WithLabelValues(string(in.Kind), "unknown").Inc()
			return
		}
		w.fail(ctx, in, err)
		return
	}

	if err := w.store.MarkSubmitted(ctx, in.Key, sub.TxHash, sub.Nonce); err != nil {
		w.logger.Error("failed to record settlement submission",
			"key", in.Key, "txHash", sub.TxHash, "error", err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues(string(in.Kind), "submitted").Inc()
	w.logger.Info("settlement submitted",
		"key", in.Key,
		"escrowId", in.EscrowID,
		"kind", in.Kind,
		"amount", in.Amount,
		"txHash", sub.TxHash,
		"attempt", in.Attempts,
	)
}

func (w *Worker) fail(ctx context.Context, in *Intent, cause error) {
	metrics.SettlementsTotal.WithLabelValues(string(in.Kind), "failed").Inc()
	w.logger.Warn("settlement submission failed",
		"key", in.Key,
		"escrowId", in.EscrowID,
		"attempt", in.Attempts,
		"error", cause,
	)
	if err := w.store.MarkFailed(ctx, in.Key, cause.Error()); err != nil {
		w.logger.Error("failed to record settlement failure", "key", in.Key, "error", err)
	}
}

func (w *Worker) requeue(ctx context.Context, in *Intent, reason string) {
	metrics.SettlementsTotal.WithLabelValues(string(in.Kind), "requeued").Inc()
	w.logger.Warn("settlement submission presumed lost, requeueing",
		"key", in.Key,
		"escrowId", in.EscrowID,
		"txHash", in.TxHash,
		"reason", reason,
	)
	if err := w.store.Requeue(ctx, in.Key, reason); err != nil {
		w.logger.Error("failed to requeue settlement intent", "key", in.Key, "error", err)
	}
}

func (w *Worker) abandon(ctx context.Context, in *Intent) {
	metrics.SettlementAlerts.Inc()
	metrics.SettlementsTotal.WithLabelValues(string(in.Kind), "abandoned").Inc()
	w.logger.Error("settlement intent exhausted retries, operator action required",
		"key", in.Key,
		"escrowId", in.EscrowID,
		"kind", in.Kind,
		"amount", in.Amount,
		"attempts", in.Attempts,
		"lastError", in.LastError,
	)
	if err := w.store.MarkAbandoned(ctx, in.Key, in.LastError); err != nil {
		w.logger.Error("failed to record settlement abandonment", "key", in.Key, "error", err)
	}
}

func (w *Worker) pollSubmitted(ctx context.Context) {
	intents, err := w.store.ListByStatus(ctx, IntentSubmitted, w.batch)
	if err != nil {
		w.logger.Warn("failed to list submitted intents", "error", err)
		return
	}

	for _, in := range intents {
		conf, err := w.bridge.Confirm(ctx, in.TxHash)
		if err != nil {
			w.logger.Warn("failed to check settlement receipt",
				"key", in.Key, "txHash", in.TxHash, "error", err)
			continue
		}

		switch {
		case !conf.Mined:
			// Still in the mempool, or the send never landed. Requeue if
			// it has been sitting long enough that the tx is presumed
			// gone, keeping the submission: the retry checks its receipt
			// and reuses its nonce, so even a tx that later resurfaces
			// cannot pay out alongside the replacement.
			if time.Since(in.UpdatedAt) > 10*w.interval {
				w.requeue(ctx, in, "transaction never mined")
			}
		case conf.Reverted:
			// A reverted tx consumed its nonce; a retry is a fresh
			// submission, not a replay.
			metrics.SettlementsTotal.WithLabelValues(string(in.Kind), "reverted").Inc()
			w.fail(ctx, in, ErrTransactionReverted)
		default:
			w.confirm(ctx, in)
		}
	}
}

func (w *Worker) confirm(ctx context.Context, in *Intent) {
	if err := w.store.MarkConfirmed(ctx, in.Key); err != nil {
		w.logger.Error("failed to record settlement confirmation", "key", in.Key, "error", err)
		return
	}
	if err := w.escrows.SetSettlementTx(ctx, in.EscrowID, in.TxHash); err != nil {
		w.logger.Error("failed to write settlement tx to escrow",
			"key", in.Key, "escrowId", in.EscrowID, "txHash", in.TxHash, "error", err)
	}
	metrics.SettlementsTotal.WithLabelValues(string(in.Kind), "confirmed").Inc()
	w.logger.Info("settlement confirmed",
		"key", in.Key,
		"escrowId", in.EscrowID,
		"kind", in.Kind,
		"amount", in.Amount,
		"txHash", in.TxHash,
	)
}
