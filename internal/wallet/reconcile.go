package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/lock"
	"github.com/congo-pay/custody/internal/metrics"
	"github.com/congo-pay/custody/internal/notification"
	"github.com/congo-pay/custody/internal/settlement"
)

// ReconcilerConfig tunes the sweep. PendingAfter must exceed the settlement
// timeout so transfers still being broadcast are never examined.
type ReconcilerConfig struct {
	Interval      time.Duration
	PendingAfter  time.Duration
	AbandonAfter  time.Duration
	BatchSize     int
	Concurrency   int
	LookupTimeout time.Duration
}

func (c *ReconcilerConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.PendingAfter <= 0 {
		c.PendingAfter = 2 * time.Minute
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 10 * time.Second
	}
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Examined  int
	Completed int
	Failed    int
	Untouched int
	Errors    int
}

// Reconciler resolves pending transfers against the settlement network.
type Reconciler struct {
	store    ledger.WalletStore
	client   settlement.Client
	locker   lock.Locker
	notifier notification.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      ReconcilerConfig
	now      func() time.Time
}

// NewReconciler shares the wallet service's collaborators; only Store,
// Settlement, Locker, Notifier, Metrics and Logger are used.
func NewReconciler(deps Deps, cfg ReconcilerConfig) *Reconciler {
	cfg.defaults()
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Reconciler{
		store:    deps.Store,
		client:   deps.Settlement,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info("reconciler started", "interval", r.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			report, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("reconcile sweep failed", "error", err)
				continue
			}
			if report.Examined > 0 {
				r.logger.Info("reconcile sweep done",
					"examined", report.Examined,
					"completed", report.Completed,
					"failed", report.Failed,
					"untouched", report.Untouched,
					"errors", report.Errors,
				)
			}
		}
	}
}

// Sweep examines one batch of pending transfers. Records already terminal are
// left alone, so repeated sweeps are harmless.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	pending, err := r.store.ListPending(ctx, r.now().Add(-r.cfg.PendingAfter), r.cfg.BatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list pending: %w", err)
	}

	var (
		mu     sync.Mutex
		report = SweepReport{Examined: len(pending)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, tx := range pending {
		g.Go(func() error {
			status, err := r.reconcile(gctx, tx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Errors++
				r.logger.Warn("reconcile transaction failed", "tx_id", tx.ID, "error", err)
			case status == ledger.TxCompleted:
				report.Completed++
			case status == ledger.TxFailed:
				report.Failed++
			default:
				report.Untouched++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// reconcile returns the status it moved tx to, or "" when it left it alone.
func (r *Reconciler) reconcile(ctx context.Context, tx ledger.Transaction) (ledger.TxStatus, error) {
	unlock, err := r.locker.Lock(ctx, "tx:"+tx.ID)
	if err != nil {
		return "", err
	}
	defer unlock()

	current, err := r.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return "", err
	}
	if current.Status.IsTerminal() {
		return "", nil
	}

	var res ledger.Resolution
	if current.ExternalRef == "" {
		res = ledger.Resolution{Status: ledger.TxFailed, Description: "never broadcast"}
	} else {
		lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
		status, err := r.client.Lookup(lookupCtx, current.ExternalRef)
		cancel()
		if err != nil {
			return "", fmt.Errorf("lookup %s: %w", current.ExternalRef, err)
		}
		switch status {
		case settlement.StatusConfirmed:
			res = ledger.Resolution{Status: ledger.TxCompleted, ExternalRef: current.ExternalRef}
		case settlement.StatusFailed:
			res = ledger.Resolution{Status: ledger.TxFailed, Description: "failed on network"}
		case settlement.StatusNotFound:
			if r.now().Sub(current.CreatedAt) < r.cfg.AbandonAfter {
				return "", nil
			}
			res = ledger.Resolution{Status: ledger.TxFailed, Description: "not found on network"}
		case settlement.StatusPending:
			return "", nil
		default:
			return "", fmt.Errorf("unknown network status %q", status)
		}
	}

	resolved, err := r.store.ResolveTransaction(ctx, current.ID, res)
	if err != nil {
		if errors.Is(err, ledger.ErrTerminalState) {
			return "", nil
		}
		return "", err
	}

	r.metrics.Reconciled(string(resolved.Status))
	r.logger.Info("transaction reconciled", "tx_id", resolved.ID, "status", string(resolved.Status), "reason", res.Description)
	kind := notification.KindTransactionCompleted
	if resolved.Status == ledger.TxFailed {
		kind = notification.KindTransactionFailed
	}
	notification.Emit(ctx, r.notifier, r.logger, notification.Event{
		Kind:      kind,
		SubjectID: resolved.ID,
		OwnerID:   resolved.OwnerID,
		Status:    string(resolved.Status),
		Amount:    resolved.Amount.String(),
		Currency:  resolved.Currency,
		Reason:    resolved.Description,
	})
	return resolved.Status, nil
}
