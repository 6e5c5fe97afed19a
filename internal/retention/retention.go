// Package retention bounds on-disk history growth: a cron-scheduled
// sweep purges every revision of messages that have been tombstoned for
// longer than the configured period. The live view already excludes
// tombstones; this only reclaims their stored history.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

// Start starts the retention scheduler if enabled. Returns a cancel
// func; a no-op cancel when retention is disabled.
func Start(ctx context.Context, cfg *config.Config, st *store.Store) (context.CancelFunc, error) {
	ret := cfg.Retention
	if !ret.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	period, err := time.ParseDuration(ret.Period)
	if err != nil || period <= 0 {
		return nil, fmt.Errorf("invalid retention period %q", ret.Period)
	}

	cronExpr := ret.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", ret.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", ret.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", period.String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, st, cronExpr, period)
	return cancel, nil
}

// runScheduler sleeps until the next cron tick and runs one sweep.
func runScheduler(ctx context.Context, st *store.Store, cronExpr string, period time.Duration) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := RunOnce(st, period); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce sweeps the store now and returns how many message histories
// were purged. Exposed for tests and admin triggers.
func RunOnce(st *store.Store, period time.Duration) (int, error) {
	start, end := models.RangeBounds(models.DocType)
	evs, err := st.RangeScan(start, end)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-period)
	purged := 0
	for _, ev := range evs {
		if !ev.Deleted || len(ev.Payload) == 0 {
			continue
		}
		m, merr := models.FromWire(ev.Payload)
		if m == nil {
			logger.Warn("retention_skip_malformed", "id", ev.ID, "error", merr)
			continue
		}
		if m.Date.After(cutoff) {
			continue
		}
		if err := st.Purge(ev.ID); err != nil {
			logger.Error("retention_purge_failed", "id", ev.ID, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		logger.Info("retention_swept", "purged", purged)
	}
	return purged, nil
}
