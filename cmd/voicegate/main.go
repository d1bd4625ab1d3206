package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/voicegate/internal/bridge"
	"github.com/sebas/voicegate/internal/config"
	"github.com/sebas/voicegate/internal/gateway"
	"github.com/sebas/voicegate/internal/logger"
	"github.com/sebas/voicegate/internal/media/portpool"
	"github.com/sebas/voicegate/internal/realtime"
	"github.com/sebas/voicegate/internal/registry"
	"github.com/sebas/voicegate/internal/runtime"
	"github.com/sebas/voicegate/internal/signaling"
	"github.com/sebas/voicegate/internal/store"
	"github.com/sebas/voicegate/internal/workflow"
)

func main() {
	cfg := config.Load()

	logger.Init(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	slog.Info("Starting voicegate",
		"sip_port", cfg.SIPPort,
		"advertise", cfg.AdvertiseAddr,
		"gateway", cfg.GatewayAddr)

	routingStore, err := workflow.LoadStaticStore(cfg.RoutingPath)
	if err != nil {
		slog.Error("Failed to load routing configuration", "path", cfg.RoutingPath, "error", err)
		os.Exit(1)
	}

	accounts, err := loadAccounts(cfg.AccountsPath)
	if err != nil {
		slog.Error("Failed to load SIP accounts", "path", cfg.AccountsPath, "error", err)
		os.Exit(1)
	}
	accountTable := signaling.NewAccountTable(accounts)

	sipServer, err := signaling.NewServer(signaling.ServerConfig{
		BindAddr:      cfg.BindAddr,
		Port:          cfg.SIPPort,
		AdvertiseAddr: cfg.AdvertiseAddr,
	})
	if err != nil {
		slog.Error("Failed to create SIP server", "error", err)
		os.Exit(1)
	}

	sessionRegistry := registry.New()
	threadStore := store.NewMemoryStore()
	metrics := bridge.NewMetricsRecorder()

	var pool *portpool.PortPool
	if cfg.MediaPortMin > 0 {
		pool = portpool.NewPortPool(cfg.MediaPortMin, cfg.MediaPortMax)
	}

	callRuntime := runtime.New(runtime.Config{
		Accounts:        accountTable,
		Resolver:        workflow.NewResolver(routingStore),
		Minter:          realtime.NewMinter(),
		Registry:        sessionRegistry,
		Threads:         threadStore,
		Metrics:         metrics,
		PortPool:        pool,
		MediaHost:       cfg.AdvertiseAddr,
		PreferredCodecs: []string{cfg.OutputCodec, "g729"},
		APIBase:         cfg.ModelAPIBase,
		APIKey:          cfg.ModelAPIKey,
	})

	// Browser listeners are fed from each call's own realtime session:
	// the client secret is single-use, so the bridge's connection is the
	// only one a session ever opens.
	gw := gateway.New(gateway.Config{
		Registry:     sessionRegistry,
		Factory:      callRuntime.SessionDriver,
		Finalizer:    threadStore,
		CloseSession: callRuntime.CloseVoiceSession,
	})
	callRuntime.SetGateway(gw)
	callRuntime.Attach(sipServer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registrar := signaling.NewRegistrar(sipServer.Client(), accountTable,
		cfg.AdvertiseAddr, cfg.SIPPort, cfg.RegisterInterval)
	go registrar.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/voice", func(w http.ResponseWriter, r *http.Request) {
		user, authorization, ok := authenticate(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		gw.ServeWS(w, r, user, authorization)
	})
	mux.HandleFunc("/metrics/voice", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metrics.Snapshot())
	})

	httpServer := &http.Server{Addr: cfg.GatewayAddr, Handler: mux}
	go func() {
		slog.Info("Browser gateway listening", "addr", cfg.GatewayAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Gateway HTTP server failed", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := sipServer.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			slog.Error("SIP server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	_ = httpServer.Close()
	_ = sipServer.Close()
}

// authenticate derives the gateway user from the request. Standalone
// deployments trust a reverse proxy to set the identity headers.
func authenticate(r *http.Request) (gateway.User, string, bool) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		return gateway.User{}, "", false
	}
	return gateway.User{
		ID:    userID,
		Email: r.Header.Get("X-User-Email"),
	}, r.Header.Get("Authorization"), true
}

func loadAccounts(path string) ([]signaling.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Accounts []struct {
			ID        int64  `json:"id"`
			Label     string `json:"label"`
			Username  string `json:"username"`
			Password  string `json:"password"`
			Registrar string `json:"registrar"`
			Active    bool   `json:"is_active"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	accounts := make([]signaling.Account, 0, len(file.Accounts))
	for _, a := range file.Accounts {
		accounts = append(accounts, signaling.Account{
			ID:        a.ID,
			Label:     a.Label,
			Username:  a.Username,
			Password:  a.Password,
			Registrar: a.Registrar,
			Active:    a.Active,
		})
	}
	return accounts, nil
}
