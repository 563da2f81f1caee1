// Command medsyncd runs a medsync replica. In hub mode it serves the push
// and pull endpoints plus the change-notification socket; in node mode it
// runs the sync orchestrator against a hub, triggering passes on a timer and
// on hub notifications.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carebridge/medsync/engine"
	"github.com/carebridge/medsync/logging"
	"github.com/carebridge/medsync/policy"
	"github.com/carebridge/medsync/storage/sqlite"
	synchttp "github.com/carebridge/medsync/transport/http"
	"github.com/carebridge/medsync/transport/ws"
)

var (
	// Version information set via ldflags during build
	Version = "dev"
)

func main() {
	var (
		mode       = flag.String("mode", "node", "run mode: hub or node")
		replicaID  = flag.String("replica", "", "replica identifier (required in node mode)")
		dbPath     = flag.String("db", "medsync.db", "path to the SQLite database")
		hubURL     = flag.String("hub", "http://localhost:8080/sync", "hub base URL (node mode)")
		notifyURL  = flag.String("notify", "", "hub notification WebSocket URL (node mode, optional)")
		listenAddr = flag.String("listen", ":8080", "listen address (hub mode)")
		interval   = flag.Duration("interval", time.Minute, "periodic sync interval (node mode)")
		policyPath = flag.String("policy", "", "path to a YAML resolution policy file (optional)")
	)
	flag.Parse()

	logging.Init(logging.GetConfigFromEnv())
	logging.Info("medsyncd starting",
		slog.String("version", Version),
		slog.String("mode", *mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "hub":
		err = runHub(ctx, *dbPath, *listenAddr)
	case "node":
		err = runNode(ctx, *replicaID, *dbPath, *hubURL, *notifyURL, *policyPath, *interval)
	default:
		logging.Error("unknown mode", slog.String("mode", *mode))
		os.Exit(2)
	}
	if err != nil {
		logging.Error("medsyncd exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func runHub(ctx context.Context, dbPath, listenAddr string) error {
	store, err := sqlite.NewWithDataSource(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := ws.NewHub()
	defer hub.Close()

	handler := synchttp.NewSyncHandler(store)
	handler.OnPush = func(int) {
		hub.Broadcast(ws.Notification{Endpoint: "hub", At: time.Now().UTC()})
	}

	mux := http.NewServeMux()
	mux.Handle("/sync/", http.StripPrefix("/sync", handler))
	mux.Handle("/notify", hub)

	server := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logging.Info("hub listening", slog.String("addr", listenAddr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runNode(ctx context.Context, replicaID, dbPath, hubURL, notifyURL, policyPath string, interval time.Duration) error {
	if replicaID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		replicaID = hostname
	}

	store, err := sqlite.NewWithDataSource(dbPath)
	if err != nil {
		return err
	}

	table := policy.DefaultTable()
	if policyPath != "" {
		table, err = policy.LoadConfig(policyPath)
		if err != nil {
			return err
		}
	}

	transport := synchttp.NewTransport(hubURL, replicaID, nil)
	orch, err := engine.New(store, transport, engine.Options{
		ReplicaID:    replicaID,
		Endpoint:     hubURL,
		SyncInterval: interval,
		Policy:       table,
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	if err := orch.Start(ctx); err != nil {
		return err
	}

	if notifyURL != "" {
		listener, err := ws.NewListener(ws.ListenerConfig{URL: notifyURL}, func(ws.Notification) {
			orch.RequestSync()
		})
		if err != nil {
			return err
		}
		go listener.Run(ctx)
	}

	// One immediate pass on startup, then the loop takes over.
	orch.RequestSync()

	<-ctx.Done()
	logging.Info("medsyncd shutting down", slog.String("replica", replicaID))
	return nil
}
