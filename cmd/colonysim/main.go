// Command colonysim runs a colony: citizens raise requests, the request
// manager matches them to resolvers every tick, and the state is served over
// HTTP and websocket and saved to SQLite.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/talgya/mini-colony/internal/api"
	"github.com/talgya/mini-colony/internal/config"
	"github.com/talgya/mini-colony/internal/engine"
	"github.com/talgya/mini-colony/internal/eventlog"
	"github.com/talgya/mini-colony/internal/observability"
	"github.com/talgya/mini-colony/internal/persistence"
	"github.com/talgya/mini-colony/internal/transport/ws"
	"github.com/talgya/mini-colony/internal/view"
)

func main() {
	cfgPath := os.Getenv("COLONY_CONFIG")
	if cfgPath == "" {
		cfgPath = "colony.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("mini-colony request engine", "config", cfgPath, "seed", cfg.Seed)

	shutdownTracing, err := observability.InitTracing("colonysim", cfg.OtelExporter, os.Stdout)
	if err != nil {
		slog.Error("tracing init failed", "error", err)
		os.Exit(1)
	}

	// ── Database ──────────────────────────────────────────────────────
	os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	// ── Audit trail ──────────────────────────────────────────────────
	os.MkdirAll(cfg.AuditDir, 0755)
	audit := eventlog.NewAuditLogger(cfg.AuditDir)
	defer audit.Close()
	transitions := engine.NewTransitionLog(512)

	// ── Colony (regenerated from the seed) ────────
	restoring := db.HasColonyState()
	seed := cfg.Seed
	if restoring {
		// The saved seed wins: it fixes every identity the requests refer to.
		if s, err := db.GetMeta("seed"); err == nil {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil && v != seed {
				slog.Warn("config seed differs from saved colony, using saved seed", "config", seed, "saved", v)
				seed = v
			}
		}
	}

	ccfg := engine.DefaultColonyConfig()
	ccfg.Seed = seed
	ccfg.Layout.Radius = cfg.LayoutRadius
	ccfg.Citizens = cfg.Citizens
	ccfg.Manager = cfg.Manager

	broadcaster := view.NewBroadcaster()
	colony := engine.NewColony(ccfg,
		engine.WithAuditor(transitions),
		engine.WithAuditor(audit),
		engine.WithBroadcaster(broadcaster),
	)

	// ── Load or Generate Colony State ────────────────────────────────
	var startTick uint64
	if restoring {
		slog.Info("found saved colony state, loading...")

		if saved, err := db.GetMeta("colony"); err == nil && saved != colony.ID.String() {
			slog.Warn("saved colony identity differs from generated colony", "saved", saved, "generated", colony.ID.String())
		}
		records, _, err := db.LoadRequests()
		if err != nil {
			slog.Error("failed to load requests", "error", err)
			os.Exit(1)
		}
		progress, err := db.LoadProgress()
		if err != nil {
			slog.Error("failed to load colony progress", "error", err)
			os.Exit(1)
		}
		if t, err := db.GetMetaUint("last_tick"); err == nil {
			startTick = t
		}
		colony.Restore(progress, records, startTick)
	} else {
		slog.Info("no saved state found, starting a fresh colony")
		if err := db.SaveColonyState(colony, transitions); err != nil {
			slog.Error("initial save failed", "error", err)
		}
	}

	slog.Info("colony ready",
		"colony", colony.ID.String(),
		"citizens", len(colony.Citizens),
		"resolvers", len(colony.Manager.Resolvers()),
		"requests", colony.Manager.Len(),
	)

	// ── Engine ───────────────────────────────────────────────────────
	eng := engine.NewEngine()
	eng.Tick = startTick
	eng.Speed = float64(cfg.Speed)
	eng.Interval = cfg.TickInterval()
	colony.Attach(eng)

	// Auto-save every SnapshotEvery ticks.
	minute := eng.OnTick
	eng.OnTick = func(ctx context.Context, tick uint64) {
		minute(ctx, tick)
		if cfg.SnapshotEvery > 0 && tick%cfg.SnapshotEvery == 0 {
			if err := db.SaveColonyState(colony, transitions); err != nil {
				slog.Error("periodic save failed", "error", err)
			}
		}
	}

	// ── HTTP API + view websocket ────────────────────────────────────
	if cfg.AdminKey == "" {
		slog.Warn("COLONY_ADMIN_KEY not set; admin POST endpoints will be disabled")
	}
	apiServer := &api.Server{
		Colony:   colony,
		Eng:      eng,
		DB:       db,
		Log:      transitions,
		WS:       ws.NewServer(colony, cfg.WSMaxQueue).Handler(),
		Port:     cfg.APIPort,
		AdminKey: cfg.AdminKey,
	}
	apiServer.Start()

	// ── Start ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("\nColony %s is running: %d citizens, %d resolvers.\n",
		colony.ID.Short(), len(colony.Citizens), len(colony.Manager.Resolvers()))
	fmt.Printf("API: http://localhost:%d/api/v1/status  view: ws://localhost:%d/ws\n", cfg.APIPort, cfg.APIPort)
	if startTick > 0 {
		fmt.Printf("Resuming from tick %d (%s)\n", startTick, engine.SimTime(startTick))
	}
	fmt.Println("Starting colony... (Ctrl+C to stop)")

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("engine stopped", "error", err)
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}

	// Final save on shutdown; the engine goroutine has returned.
	slog.Info("final save...")
	if err := db.SaveColonyState(colony, transitions); err != nil {
		slog.Error("final save failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}

	fmt.Println("Colony stopped. State saved.")
}
