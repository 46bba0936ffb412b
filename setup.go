// Package syncrow synchronizes rows between a local database and a cloud
// backend over an authenticated, end-to-end encrypted websocket, using
// content-addressed records and last-writer-wins conflict resolution.
package syncrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/syncrow/syncrow/internal/auth"
	"github.com/syncrow/syncrow/internal/connector"
	"github.com/syncrow/syncrow/internal/engine"
	"github.com/syncrow/syncrow/internal/model"
	"github.com/syncrow/syncrow/internal/qerrors"
	"github.com/syncrow/syncrow/internal/scheduler"
	"github.com/syncrow/syncrow/internal/transform"
	"github.com/syncrow/syncrow/internal/watcher"
)

// Re-exported so embedders never need to import an internal path.
type (
	ObjectKey = model.ObjectKey
	LocalData = model.LocalData
	CloudData = model.CloudData
)

// Setup owns one database's watcher, connector, and engine. Build one with
// Open, register the tables to sync with AddTable, then call Start.
type Setup struct {
	cfg       Config
	db        *sql.DB
	watcher   *watcher.Watcher
	engine    *engine.Engine
	conn      *connector.Connector
	router    *qerrors.Router
	scheduler *scheduler.Scheduler
}

// Open opens the local database via cfg.DriverName/DSN, bootstraps the
// sync schema, and wires the watcher, transformer, connector, and engine.
// It does not start the engine; call Start once the caller's tables have
// been registered with AddTable.
func Open(ctx context.Context, cfg Config) (*Setup, error) {
	cfg.setDefaults()
	if cfg.KeyProvider == nil {
		return nil, fmt.Errorf("syncrow: Config.KeyProvider is required")
	}

	db, err := watcher.Open(ctx, cfg.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("syncrow: open database: %w", err)
	}

	router := qerrors.NewRouter(func(e *qerrors.Error) {
		cfg.Logger.Printf("syncrow: %v", e)
	})
	w := watcher.New(db, router)

	transformer := transform.NewSecretboxTransformer(cfg.KeyProvider)
	sched := scheduler.New()

	authenticator := cfg.Authenticator
	if authenticator == nil {
		if cfg.CredentialExchange == nil {
			db.Close()
			return nil, fmt.Errorf("syncrow: Config.Authenticator or Config.CredentialExchange is required")
		}
		authenticator = auth.NewJWTAuthenticator(auth.JWTConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        "syncrow",
			Audience:      cfg.AccessKey,
		}, cfg.CredentialExchange)
	}

	identity, err := loadIdentity(cfg.CredentialStore)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("syncrow: load credentials: %w", err)
	}

	eng := engine.New(engine.Config{
		Watcher:        w,
		Transformer:    transformer,
		Authenticator:  authenticator,
		Scheduler:      sched,
		Router:         router,
		Logger:         cfg.Logger,
		RequestTimeout: cfg.RequestTimeout,
		OnIdentityAssigned: func(id connector.Identity) {
			if cfg.CredentialStore == nil {
				return
			}
			if err := cfg.CredentialStore.Save(toCredentials(id)); err != nil {
				cfg.Logger.Printf("syncrow: persist device credentials: %v", err)
			}
		},
	})

	conn := connector.New(connector.Config{
		URL:             cfg.URL,
		AccessKey:       cfg.AccessKey,
		DeviceName:      cfg.DeviceName,
		RequestTimeout:  cfg.RequestTimeout,
		KeepaliveEvery:  cfg.KeepaliveEvery,
		MissedKeepalive: cfg.MissedKeepalive,
	}, identity, eng)
	eng.BindConnector(conn)

	return &Setup{cfg: cfg, db: db, watcher: w, engine: eng, conn: conn, router: router, scheduler: sched}, nil
}

// AddTable instruments a local table for sync. See watcher.AddTable for
// the exact idempotence and reactivation semantics.
func (s *Setup) AddTable(ctx context.Context, table string, opts watcher.AddTableOptions) error {
	return s.watcher.AddTable(ctx, table, opts)
}

// RemoveTable stops syncing table: the watcher drops its shadow table and
// triggers, and the scheduler forgets any pending local or cloud dirty
// mark for it, so a stale entry can never resurface a removed table.
func (s *Setup) RemoveTable(ctx context.Context, table string, dropMeta bool) error {
	if err := s.watcher.RemoveTable(ctx, table, dropMeta); err != nil {
		return err
	}
	s.scheduler.RemoveTable(table)
	return nil
}

// Borrow returns a Handle wrapping the watcher's single underlying
// connection, for callers that need to read the synced database directly
// (e.g. to inspect a row's pending state) without racing the watcher's own
// writes. The handle must be released before Stop can finish draining.
func (s *Setup) Borrow(ctx context.Context) (*watcher.Handle, error) {
	return s.watcher.Borrow(ctx)
}

// Start begins the sign-in/download/upload event loop in the background.
func (s *Setup) Start() {
	s.engine.Start()
}

// Stop stops the engine (see engine.Engine.Stop) and closes the connector
// and database. It waits up to ctx's deadline (30s if ctx has none) for a graceful
// shutdown before forcing the database closed regardless.
func (s *Setup) Stop(ctx context.Context) error {
	s.engine.Stop()

	wait := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	s.engine.WaitForStopped(wait)
	return s.db.Close()
}

// Engine exposes the underlying state machine for callers that need to
// observe its state or force a resync (State, TriggerSync, DeleteAccount).
func (s *Setup) Engine() *engine.Engine {
	return s.engine
}

func loadIdentity(store CredentialStore) (connector.Identity, error) {
	if store == nil {
		return connector.Identity{}, nil
	}
	creds, err := store.Load()
	if err != nil {
		return connector.Identity{}, err
	}
	if creds.DeviceID == "" {
		return connector.Identity{}, nil
	}
	id, err := uuid.Parse(creds.DeviceID)
	if err != nil {
		return connector.Identity{}, fmt.Errorf("parse stored device id: %w", err)
	}
	return connector.Identity{
		DeviceID:    id,
		SigningPub:  creds.SigningPub,
		SigningPriv: creds.SigningPriv,
		CryptPub:    creds.CryptPub,
		CryptPriv:   creds.CryptPriv,
	}, nil
}

func toCredentials(id connector.Identity) Credentials {
	return Credentials{
		DeviceID:    id.DeviceID.String(),
		SigningPub:  id.SigningPub,
		SigningPriv: id.SigningPriv,
		CryptPub:    id.CryptPub,
		CryptPriv:   id.CryptPriv,
	}
}
