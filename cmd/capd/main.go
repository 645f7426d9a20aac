// Command capd runs the capability proposal control plane: the service
// that lets a delegated agent propose mutating actions, requires explicit
// approval, executes at most once per idempotency key, and records every
// decision in the append-only audit ledger.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/api"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/audit"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/capabilities"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/config"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/connector"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/delegation"
	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/proposals"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load()
	if cfg.TokenSecret == "" {
		return errors.New("TOKEN_SECRET is required")
	}

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}

	// Stores: SQLite when a path is configured, in-memory otherwise.
	var (
		store  proposals.Store
		ledger audit.Ledger
	)
	if cfg.DatabasePath != "" {
		db, err := sql.Open("sqlite", cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		sqliteStore, err := proposals.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		sqliteLedger, err := audit.NewSQLiteLedger(db)
		if err != nil {
			return err
		}
		store, ledger = sqliteStore, sqliteLedger
		logger.Info("storage", "backend", "sqlite", "path", cfg.DatabasePath)
	} else {
		store, ledger = proposals.NewMemoryStore(), audit.NewMemoryLedger()
		logger.Info("storage", "backend", "memory")
	}

	// Nonce replay cache: Redis when configured, in-memory otherwise.
	var nonces delegation.NonceStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		nonces = delegation.NewRedisNonceStore(client)
		logger.Info("nonce_store", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		nonces = delegation.NewMemoryNonceStore()
		logger.Info("nonce_store", "backend", "memory")
	}

	validator := delegation.NewValidator([]byte(cfg.TokenSecret), nonces, ledger)

	connectors := connector.NewRegistry()
	for _, cp := range profile.Connectors {
		sim := connector.NewSimulatedConnector(cp.ID, cp.ReadOnly)
		guardCfg := connector.GuardConfig{
			CallTimeout:      time.Duration(cp.CallTimeoutMs) * time.Millisecond,
			MaxRetries:       cp.MaxRetries,
			BreakerThreshold: cp.BreakerThreshold,
			BreakerCooldown:  time.Duration(cp.BreakerCooldownMs) * time.Millisecond,
		}
		if err := connectors.Register(sim, guardCfg); err != nil {
			return err
		}
		logger.Info("connector registered", "id", cp.ID, "read_only", cp.ReadOnly)
	}

	registry := capabilities.NewRegistry()
	if err := registerBuiltins(registry, connectors, profile); err != nil {
		return err
	}
	registry.Seal()

	svc := proposals.NewService(store, registry, ledger)
	server := api.NewServer(svc, registry, validator, ledger, cfg.TokenAudience, cfg.OperatorKey, logger)
	limiter := api.NewRateLimiter(20, 40)
	defer limiter.Stop()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// registerBuiltins installs the capabilities the portal ships with. The
// YAML profile can override scope and self-approval policy per
// capability.
func registerBuiltins(registry *capabilities.Registry, connectors *connector.Registry, profile *config.Profile) error {
	noteDef := capabilities.Definition{
		ID:            "firestore_ops_note_append",
		Description:   "Append an operations note to the owner's ops log.",
		RequiredScope: "capabilities.ops_note.append",
		InputSchema:   capabilities.NoteAppendSchema,
		Handler:       capabilities.NewNoteAppendHandler(capabilities.NewNoteStore()),
	}
	applyProfile(&noteDef, profile)
	if err := registry.Register(noteDef); err != nil {
		return err
	}

	for _, id := range connectors.IDs() {
		def := capabilities.Definition{
			ID:            "connector_" + id + "_apply",
			Description:   "Apply a guarded write through connector " + id + ".",
			RequiredScope: "capabilities.connector." + id + ".apply",
			Handler:       capabilities.NewConnectorExecHandler(connectors, id, "apply", "compensate"),
		}
		applyProfile(&def, profile)
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func applyProfile(def *capabilities.Definition, profile *config.Profile) {
	if cp, ok := profile.Capability(def.ID); ok {
		if cp.RequiredScope != "" {
			def.RequiredScope = cp.RequiredScope
		}
		def.SelfApprovalAllowed = cp.SelfApprovalAllowed
	}
}
