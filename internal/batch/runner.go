package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vornlabs/grokgate/internal/pool"
	"github.com/vornlabs/grokgate/internal/upstream"
)

// AssetClient is the subset of upstream.Client the batch runner drives.
type AssetClient interface {
	RefreshQuota(ctx context.Context, r *pool.Record) (pool.QuotaSnapshot, error)
	EnableContentMode(ctx context.Context, credential string) error
	ListRemoteAssets(ctx context.Context, credential string) ([]upstream.AssetRef, error)
	PurgeRemoteAssets(ctx context.Context, credential string) (int, error)
}

// Runner is the default ItemRunner: it dispatches each task kind to the
// upstream and records the outcome on the pool record, grounded on
// Manager.refreshClass's clone-call-then-reapply shape so a slow upstream
// probe never holds a record's lock.
type Runner struct {
	pool   *pool.Manager
	client AssetClient
	log    *logrus.Entry
}

// NewRunner builds a Runner.
func NewRunner(mgr *pool.Manager, client AssetClient, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{pool: mgr, client: client, log: log.WithField("component", "batch-runner")}
}

// RunItem implements ItemRunner.
func (r *Runner) RunItem(ctx context.Context, kind Kind, tokenID string, params map[string]any) error {
	switch kind {
	case KindRefreshUsage:
		return r.refreshUsage(ctx, tokenID)
	case KindEnableContentMode:
		return r.client.EnableContentMode(ctx, tokenID)
	case KindListRemoteAssets:
		_, err := r.client.ListRemoteAssets(ctx, tokenID)
		return err
	case KindPurgeRemoteAssets:
		return r.purgeRemoteAssets(ctx, tokenID)
	default:
		r.log.WithField("kind", kind).Warn("batch: unknown task kind")
		return fmt.Errorf("batch: unknown task kind %q", kind)
	}
}

func (r *Runner) refreshUsage(ctx context.Context, tokenID string) error {
	snap, err := r.client.RefreshQuota(ctx, &pool.Record{ID: tokenID})
	if err != nil {
		return err
	}
	return r.pool.ReplaceRecord(tokenID, func(rec *pool.Record) {
		if rec.QuotaSnapshot == nil {
			rec.QuotaSnapshot = make(map[pool.Class]pool.QuotaSnapshot)
		}
		rec.QuotaSnapshot[rec.Class] = snap
		rec.LastRefreshedAt = time.Now()
	})
}

// purgeRemoteAssets deletes the upstream's copies for tokenID and stamps
// LastClearedAt on the record. The local media cache has no per-token index
// so it is left alone; it is an independent content-addressed store and its
// own LRU eviction reclaims space over time.
func (r *Runner) purgeRemoteAssets(ctx context.Context, tokenID string) error {
	if _, err := r.client.PurgeRemoteAssets(ctx, tokenID); err != nil {
		return err
	}
	return r.pool.ReplaceRecord(tokenID, func(rec *pool.Record) {
		rec.LastClearedAt = time.Now()
	})
}
