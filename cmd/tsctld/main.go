// Command tsctld serves the tsctl reconciler over HTTP. It exposes refresh,
// push, plan, and every mutation verb as authenticated JSON endpoints, and
// optionally refreshes the workspace organization on a cron schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tsctl/tsctl/internal/api"
	"github.com/tsctl/tsctl/internal/audit"
	"github.com/tsctl/tsctl/internal/buildinfo"
	"github.com/tsctl/tsctl/internal/config"
	"github.com/tsctl/tsctl/internal/engine"
	"github.com/tsctl/tsctl/internal/ledger"
	"github.com/tsctl/tsctl/internal/mirror"
	"github.com/tsctl/tsctl/internal/transport"
)

const historyDBName = ".tsctl-history.db"

func main() {
	configPath := flag.String("config", "", "path to the config file (default ~/.tsctl.yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tsctld %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.RequireCredentials(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if cfg.AdminToken == "" {
		fmt.Fprintln(os.Stderr, "fatal: admin_token must be set to run the daemon")
		os.Exit(1)
	}
	if config.IsWeakToken(cfg.AdminToken) {
		log.Printf("[tsctld] warning: admin_token is weak, consider a longer random value")
	}
	if strings.EqualFold(cfg.LogLevel, "debug") {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create state dir: %v\n", err)
		os.Exit(1)
	}
	if err := mirror.SeedGitignore(cfg.StateDir, cfg.StateFile); err != nil {
		log.Printf("[tsctld] warning: seed .gitignore: %v", err)
	}

	history, err := audit.Open(filepath.Join(cfg.StateDir, historyDBName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: open history db: %v\n", err)
		os.Exit(1)
	}
	defer history.Close()

	store := ledger.NewStore(cfg.StateFilePath())
	reg := engine.NewRegistry(engine.RegistryOptions{
		StateDir: cfg.StateDir,
		Store:    store,
		NewAPI: func(orgID string) engine.API {
			return transport.New(cfg.UserID, cfg.APIKey, orgID, cfg.BaseURL, cfg.RetryCount())
		},
		Lazy:  cfg.Lazy(),
		Audit: history,
	})

	srv := api.NewServer(
		cfg.ListenAddress,
		cfg.Port,
		cfg.AdminToken,
		reg,
		store,
		history,
		int64(cfg.APIMaxBodyBytes),
	)

	var sched *cron.Cron
	if cfg.RefreshSchedule != "" {
		sched = cron.New()
		if _, err := sched.AddFunc(cfg.RefreshSchedule, func() { refreshWorkspace(store, reg) }); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: refresh schedule: %v\n", err)
			os.Exit(1)
		}
		sched.Start()
		log.Printf("[tsctld] scheduled workspace refresh: %q", cfg.RefreshSchedule)
	}

	go func() {
		log.Printf("[tsctld] API server starting on %s:%d", cfg.ListenAddress, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[tsctld] API server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("[tsctld] received signal %s, shutting down", sig)

	if sched != nil {
		<-sched.Stop().Done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[tsctld] server shutdown error: %v", err)
	}
	log.Println("[tsctld] stopped")
}

// refreshWorkspace refreshes the currently selected workspace organization,
// if one is set and has no pending local work.
func refreshWorkspace(store *ledger.Store, reg *engine.Registry) {
	doc, err := store.Load()
	if err != nil {
		log.Printf("[tsctld] scheduled refresh: load ledger: %v", err)
		return
	}
	if doc.Workspace == "" {
		return
	}
	// Refresh discards pending work by design; the scheduler must not do
	// that behind the user's back.
	if len(doc.Organizations[doc.Workspace]) > 0 {
		log.Printf("[tsctld] scheduled refresh: org %s has pending changes, skipping", doc.Workspace)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	e, err := reg.Get(ctx, doc.Workspace)
	if err != nil {
		log.Printf("[tsctld] scheduled refresh: %v", err)
		return
	}
	if err := e.Refresh(ctx); err != nil {
		log.Printf("[tsctld] scheduled refresh: %v", err)
	}
}
