// Package jab is the messaging and call-signaling core of an XMPP chat
// client: it turns parsed protocol events into durable conversation
// history and negotiates peer-to-peer call sessions. Transport,
// encryption and media are supplied by the surrounding application
// through narrow interfaces.
package jab

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/matheus3301/jab/archive"
	"github.com/matheus3301/jab/bus"
	"github.com/matheus3301/jab/calls"
	"github.com/matheus3301/jab/config"
	"github.com/matheus3301/jab/ingest"
	"github.com/matheus3301/jab/lock"
	"github.com/matheus3301/jab/logging"
	"github.com/matheus3301/jab/omemo"
	"github.com/matheus3301/jab/outbox"
	"github.com/matheus3301/jab/store"
	"github.com/matheus3301/jab/xmpp"
	"go.uber.org/zap"
)

// Options configures a Client for one account.
type Options struct {
	Account xmpp.JID
	Config  *config.Config

	// Transport is the account's XMPP connection; it must publish
	// parsed protocol events on the client's bus once started.
	Transport xmpp.Transport
	// ArchiveQuerier pages through server-side message history; nil
	// disables archive sync.
	ArchiveQuerier xmpp.ArchiveQuerier
	// Cipher is the OMEMO encode/decode service; nil disables
	// encrypted sending and decryption.
	Cipher omemo.Cipher
	// Signaler sends Jingle call signaling.
	Signaler calls.Signaler
	// Features resolves a peer's advertised capabilities.
	Features calls.FeatureSource

	// Logger overrides the default file+stderr logger.
	Logger *zap.Logger
}

// Client wires the ingestion pipeline, outbound delivery, archive sync
// and call manager for one account profile.
type Client struct {
	account xmpp.JID
	cfg     *config.Config
	logger  *zap.Logger
	ownLog  bool

	b        *bus.Bus
	lk       *lock.Lock
	db       *store.DB
	pipeline *ingest.Pipeline
	sender   *outbox.Sender
	syncer   *archive.Coordinator
	calls    *calls.Manager
}

// New builds a client: acquires the profile lock, opens and migrates
// the history database and assembles all components. Call Start to
// begin consuming events.
func New(opts Options) (*Client, error) {
	if opts.Account.IsZero() {
		return nil, errors.New("account is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	account := opts.Account.Bare()
	profileDir := filepath.Join(cfg.DataDir, "profiles", account.String())

	logger := opts.Logger
	ownLog := false
	if logger == nil {
		var err error
		logger, err = logging.New(filepath.Join(profileDir, "logs", "jab.log"), account.String(), cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		ownLog = true
	}

	lk, err := lock.Acquire(profileDir)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(filepath.Join(profileDir, "history.db"))
	if err != nil {
		_ = lk.Release()
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		_ = lk.Release()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	}

	b := bus.NewBus()
	pipeline := ingest.NewPipeline(db, opts.Cipher, opts.Transport, b, cfg.Carbons.Enabled, logger.Named("ingest"))
	sender := outbox.NewSender(db, opts.Transport, opts.Cipher, b, logger.Named("outbox"))
	var syncer *archive.Coordinator
	if opts.ArchiveQuerier != nil {
		syncer = archive.NewCoordinator(db, opts.ArchiveQuerier, pipeline, b, cfg.Archive, logger.Named("archive"))
	}
	callMgr := calls.NewManager(opts.Signaler, opts.Features, b, logger.Named("calls"))

	return &Client{
		account:  account,
		cfg:      cfg,
		logger:   logger,
		ownLog:   ownLog,
		b:        b,
		lk:       lk,
		db:       db,
		pipeline: pipeline,
		sender:   sender,
		syncer:   syncer,
		calls:    callMgr,
	}, nil
}

// Start begins consuming transport events on all components.
func (c *Client) Start(ctx context.Context) error {
	c.pipeline.Start(ctx)
	c.sender.Start(ctx)
	if c.syncer != nil {
		c.syncer.Start(ctx)
	}
	c.calls.Start(ctx)
	c.logger.Info("client started")
	return nil
}

// Stop stops all components, closes the store and releases the profile
// lock.
func (c *Client) Stop() error {
	c.calls.Stop()
	if c.syncer != nil {
		c.syncer.Stop()
	}
	c.sender.Stop()
	c.pipeline.Stop()

	err := c.db.Close()
	if rerr := c.lk.Release(); err == nil {
		err = rerr
	}
	c.logger.Info("client stopped")
	if c.ownLog {
		_ = c.logger.Sync()
	}
	return err
}

// Account returns the client's bare account JID.
func (c *Client) Account() xmpp.JID { return c.account }

// Bus returns the event bus: transport adapters publish parsed protocol
// events here, and the UI layer subscribes for notifications.
func (c *Client) Bus() *bus.Bus { return c.b }

// Store exposes the history store for read queries.
func (c *Client) Store() *store.DB { return c.db }

// Calls returns the call session manager.
func (c *Client) Calls() *calls.Manager { return c.calls }

// Send queues an outgoing message for the account. See outbox.Sender.
func (c *Client) Send(ctx context.Context, to xmpp.JID, body, oobURL, encryption string) (string, error) {
	return c.sender.Send(ctx, outbox.Options{
		Account:    c.account,
		To:         to,
		Body:       body,
		OOBURL:     oobURL,
		Encryption: encryption,
	})
}

// Sync runs an archive sync now, regardless of the auto-sync setting.
func (c *Client) Sync(ctx context.Context) error {
	if c.syncer == nil {
		return errors.New("no archive querier configured")
	}
	return c.syncer.Sync(ctx, c.account)
}
