// Package archive drives paginated retrieval of server-side message
// history, feeding every replayed item through the ingestion pipeline.
package archive

import (
	"context"
	"time"

	"github.com/matheus3301/jab/bus"
	"github.com/matheus3301/jab/config"
	"github.com/matheus3301/jab/ingest"
	"github.com/matheus3301/jab/store"
	"github.com/matheus3301/jab/xmpp"
	"go.uber.org/zap"
)

const lastSyncKey = "archive.last_sync"

// SyncFinished is published on the bus when a sync run ends, with or
// without error.
type SyncFinished struct {
	Account xmpp.JID
	Items   int
	Err     error
}

// Coordinator synchronizes the server-side archive for an account.
type Coordinator struct {
	db       *store.DB
	querier  xmpp.ArchiveQuerier
	pipeline *ingest.Pipeline
	b        *bus.Bus
	logger   *zap.Logger

	autoSync bool
	lookback time.Duration
	pageSize int

	cancel context.CancelFunc
}

// NewCoordinator creates the archive sync coordinator with the given
// policy (lookback window and page size come from config).
func NewCoordinator(db *store.DB, querier xmpp.ArchiveQuerier, pipeline *ingest.Pipeline, b *bus.Bus, cfg config.ArchiveConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	lookback := time.Duration(cfg.LookbackHours) * time.Hour
	if lookback <= 0 {
		lookback = 72 * time.Hour
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 150
	}
	return &Coordinator{
		db:       db,
		querier:  querier,
		pipeline: pipeline,
		b:        b,
		logger:   logger,
		autoSync: cfg.AutoSync,
		lookback: lookback,
		pageSize: pageSize,
	}
}

// Start subscribes to session establishment and kicks off a sync run
// per established session when auto-sync is enabled. Runs for distinct
// accounts proceed independently.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.b.Subscribe(xmpp.KindSessionEstablished, 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e, ok := evt.Payload.(xmpp.SessionEstablished)
				if !ok || !c.autoSync {
					continue
				}
				go func() {
					if err := c.Sync(ctx, e.Account); err != nil {
						c.logger.Error("archive sync failed", zap.Error(err),
							zap.String("account", e.Account.String()))
					}
				}()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the coordinator. A sync run in flight finishes its page.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Sync retrieves the archive since the later of the newest stored
// timestamp and now minus the lookback window.
func (c *Coordinator) Sync(ctx context.Context, account xmpp.JID) error {
	since := time.Now().Add(-c.lookback)
	latest, err := c.db.LatestTimestamp(account.Bare().String())
	if err != nil {
		c.logger.Error("failed to read latest timestamp", zap.Error(err))
	} else if latest > 0 {
		if stored := time.UnixMilli(latest); stored.After(since) {
			since = stored
		}
	}
	return c.SyncSince(ctx, account, since)
}

// SyncSince pages through the archive from the given start time until
// the server reports completion or no further page. A transport error
// aborts the remaining pages; the run still signals completion.
func (c *Coordinator) SyncSince(ctx context.Context, account xmpp.JID, since time.Time) error {
	c.logger.Info("archive sync started",
		zap.String("account", account.String()), zap.Time("since", since))

	var afterID string
	items := 0
	for {
		page, err := c.querier.QueryArchive(ctx, account, since, afterID, c.pageSize)
		if err != nil {
			c.finish(account, items, err)
			return err
		}
		for _, it := range page.Items {
			c.pipeline.HandleArchived(account, it.Message, it.Timestamp.UnixMilli())
			items++
		}
		if page.Complete || page.LastID == "" {
			break
		}
		afterID = page.LastID
	}

	if err := c.db.SetSyncState(account.Bare().String(), lastSyncKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		c.logger.Error("failed to store sync checkpoint", zap.Error(err))
	}
	c.finish(account, items, nil)
	return nil
}

func (c *Coordinator) finish(account xmpp.JID, items int, err error) {
	if err != nil {
		c.logger.Error("archive sync aborted", zap.Error(err), zap.Int("items", items))
	} else {
		c.logger.Info("archive sync finished", zap.Int("items", items),
			zap.String("account", account.String()))
	}
	c.b.Publish(bus.New("sync.finished", SyncFinished{Account: account, Items: items, Err: err}))
}
