package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/commgate/commgate/internal/api"
	"github.com/commgate/commgate/internal/calls"
	"github.com/commgate/commgate/internal/config"
	"github.com/commgate/commgate/internal/database"
	"github.com/commgate/commgate/internal/database/models"
	"github.com/commgate/commgate/internal/events"
	"github.com/commgate/commgate/internal/media"
	"github.com/commgate/commgate/internal/metrics"
	"github.com/commgate/commgate/internal/pbx"
	"github.com/commgate/commgate/internal/provider"
	"github.com/commgate/commgate/internal/push"
	"github.com/commgate/commgate/internal/reflector"
	"github.com/commgate/commgate/internal/sms"
	"github.com/commgate/commgate/internal/voip"
)

const (
	sessionCleanupInterval = 15 * time.Minute
	pushTokenMaxAge        = 90 * 24 * time.Hour
	callRetention          = 90 * 24 * time.Hour
	retentionInterval      = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting commgate",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"pbx_configured", cfg.PBXConfigured(),
	)

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	store := database.NewStore(db)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	bus := events.NewBus(64, logger)

	// PBX manager-interface client and call tracker.
	var (
		pbxClient *pbx.Client
		tracker   *calls.Tracker
	)
	if cfg.PBXConfigured() {
		pbxClient = pbx.NewClient(pbx.Config{
			Host:     cfg.PBXHost,
			Port:     cfg.PBXPort,
			Username: cfg.PBXUsername,
			Password: cfg.PBXPassword,
		}, logger)
		tracker = calls.NewTracker(calls.Config{
			TrunkLines:     cfg.TrunkLineList(),
			NationalPrefix: cfg.NationalPrefix,
		}, pbxClient, store.Calls, bus, logger)
		pbxClient.OnEvent(tracker.HandleEvent)
		pbxClient.Start()
		defer pbxClient.Close()
		go tracker.Run(appCtx)
	} else {
		slog.Warn("pbx manager interface not configured, call features disabled")
	}

	// Provider registry from the hot-reloadable providers file.
	registry := provider.NewRegistry(logger)
	watcher := config.NewProvidersWatcher(cfg.ProvidersFile, logger)
	providersFile, err := watcher.Load()
	if err != nil {
		slog.Error("failed to load providers file", "error", err)
		os.Exit(1)
	}
	registry.Apply(appCtx, providersFile.ProviderConfigs())
	defer registry.Close(context.Background())

	// Compliance gate and SMS router.
	gate := sms.NewGate(providersFile.ComplianceRules(logger))
	routing := providersFile.Routing.SMS
	router, err := sms.NewRouter(registry, gate, bus, logger, sms.Options{
		BridgeProvider:        routing.BridgeProvider,
		NationalPrefix:        cfg.NationalPrefix,
		NationalProvider:      routing.NationalProvider,
		NationalFallback:      routing.NationalFallback,
		InternationalProvider: routing.InternationalProvider,
		CustomRules:           routing.Rules,
		FallbackChain:         routing.FallbackChain,
	})
	if err != nil {
		slog.Error("failed to build sms router", "error", err)
		os.Exit(1)
	}
	go router.Run(appCtx)

	watcher.Watch(func(file *config.ProvidersFile) {
		registry.Apply(appCtx, file.ProviderConfigs())
		gate.SetRules(file.ComplianceRules(logger))
		if err := router.SetCustomRules(file.Routing.SMS.Rules); err != nil {
			slog.Error("failed to apply routing rules", "error", err)
		}
	})

	// Chat reflectors: one per provider whose backend keeps conversations,
	// each with a signed-URL cache when the backend serves media.
	chatSenders, mediaURLs := startReflectors(appCtx, cfg, store, bus, registry, logger)

	// Push fan-out.
	startPushDispatcher(appCtx, cfg, store, bus, logger)

	// Mobile app token signing key.
	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		os.Exit(1)
	}

	// Metrics.
	var ringing metrics.RingingCallCounter
	var trackerIface api.CallController = unavailableTracker{}
	if tracker != nil {
		ringing = tracker
		trackerIface = tracker
	}
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(metrics.NewCollector(
		ringing, &routerHealthAdapter{router: router}, store.Calls, bus, time.Now(),
	))

	handler := api.NewServer(api.Options{
		Config:      cfg,
		Store:       store,
		Bus:         bus,
		Registry:    registry,
		Sender:      router,
		Tracker:     trackerIface,
		Provisioner: buildProvisioner(store, pbxClient, logger),
		ChatSenders: chatSenders,
		MediaURLs:   mediaURLs,
		JWTSecret:   jwtSecret,
		Logger:      logger,
		Prometheus:  promRegistry,
	})

	go runMaintenance(appCtx, store)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("commgate stopped")
}

// startReflectors launches one reflector per provider that exposes a
// conversation store and returns the chat senders keyed by category.
func startReflectors(ctx context.Context, cfg *config.Config, store *database.Store, bus *events.Bus, registry *provider.Registry, logger *slog.Logger) (map[string]api.ChatSender, map[string]*media.URLCache) {
	senders := make(map[string]api.ChatSender)
	mediaURLs := make(map[string]*media.URLCache)

	for _, instance := range registry.List() {
		if _, ok := instance.(provider.ConversationStore); !ok {
			continue
		}
		remote, ok := instance.(reflector.Remote)
		if !ok {
			continue
		}

		label := registry.Category(instance.ID())
		if label == "" {
			label = "sms"
		}
		r := reflector.New(remote, store, bus, logger, reflector.Config{
			FullHistoryOnStart: cfg.FullHistoryOnStart,
			ChatPrefix:         label + "_",
			ProviderLabel:      label,
		})
		go r.Run(ctx)
		senders[label] = r

		if fetcher, ok := instance.(provider.MediaFetcher); ok {
			mediaURLs[label] = media.NewURLCache(fetcher.FetchMediaURL, 0, 0)
		}

		slog.Info("reflector started", "provider", instance.ID(), "category", label)
	}

	return senders, mediaURLs
}

// startPushDispatcher wires FCM and web-push delivery when configured.
func startPushDispatcher(ctx context.Context, cfg *config.Config, store *database.Store, bus *events.Bus, logger *slog.Logger) {
	var mobile push.MobilePusher
	if cfg.FCMCredentials != "" {
		sender, err := push.NewMobileSender(ctx, cfg.FCMCredentials, logger)
		if err != nil {
			slog.Error("failed to initialise fcm, mobile push disabled", "error", err)
		} else {
			mobile = sender
		}
	}

	var web push.WebPusher
	if cfg.WebPushURL != "" {
		web = push.NewWebPushClient(cfg.WebPushURL, cfg.WebPushKey, logger)
	}

	if mobile == nil && web == nil {
		slog.Info("push delivery not configured")
		return
	}

	dispatcher := push.NewDispatcher(store, mobile, web, bus, logger)
	go dispatcher.Run(ctx)
}

// buildProvisioner returns the extension provisioner, backed by the PBX
// client when available.
func buildProvisioner(store *database.Store, pbxClient *pbx.Client, logger *slog.Logger) api.ExtensionProvisioner {
	if pbxClient == nil {
		return unavailableProvisioner{}
	}
	return voip.NewProvisioner(store.Extensions, pbxClient, logger, voip.Config{})
}

// runMaintenance prunes expired sessions, stale push tokens and old call
// history on timers.
func runMaintenance(ctx context.Context, store *database.Store) {
	sessions := time.NewTicker(sessionCleanupInterval)
	retention := time.NewTicker(retentionInterval)
	defer sessions.Stop()
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessions.C:
			if n, err := store.Sessions.DeleteExpired(ctx); err != nil {
				slog.Error("session cleanup failed", "error", err)
			} else if n > 0 {
				slog.Debug("pruned expired sessions", "count", n)
			}
		case <-retention.C:
			if n, err := store.PushTokens.DeleteStale(ctx, pushTokenMaxAge); err != nil {
				slog.Error("push token cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("pruned stale push tokens", "count", n)
			}
			cutoff := time.Now().Add(-callRetention)
			if n, err := store.Calls.DeleteOlderThan(ctx, cutoff); err != nil {
				slog.Error("call retention purge failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old calls", "count", n, "cutoff", cutoff)
			}
		}
	}
}

// routerHealthAdapter exposes the SMS router's health map to the metrics
// collector.
type routerHealthAdapter struct {
	router *sms.Router
}

func (a *routerHealthAdapter) ProviderHealth() []metrics.ProviderHealthEntry {
	snapshot := a.router.HealthSnapshot()
	out := make([]metrics.ProviderHealthEntry, 0, len(snapshot))
	for id, h := range snapshot {
		out = append(out, metrics.ProviderHealthEntry{
			ID:       id,
			Healthy:  h.Healthy,
			Failures: h.Failures,
		})
	}
	return out
}

// unavailableTracker satisfies the call-control surface when the PBX is
// not configured.
type unavailableTracker struct{}

func (unavailableTracker) AnswerCall(string, string) error      { return calls.ErrUnavailable }
func (unavailableTracker) RejectCall(string) error              { return calls.ErrUnavailable }
func (unavailableTracker) GetRingingCalls() []calls.RingingCall { return nil }
func (unavailableTracker) Originate(string, string, string, time.Duration) (string, error) {
	return "", calls.ErrUnavailable
}

// unavailableProvisioner rejects provisioning when the PBX is not
// configured.
type unavailableProvisioner struct{}

func (unavailableProvisioner) CreateExtension(context.Context, int64, voip.CreateOptions) (*models.VoIPExtension, error) {
	return nil, calls.ErrUnavailable
}
func (unavailableProvisioner) DeleteExtension(context.Context, string) error {
	return calls.ErrUnavailable
}
func (unavailableProvisioner) UpdateSecret(context.Context, string) (string, error) {
	return "", calls.ErrUnavailable
}
func (unavailableProvisioner) Resync(context.Context, string) error { return calls.ErrUnavailable }
func (unavailableProvisioner) GetStatus(context.Context, string) (*voip.Status, error) {
	return nil, calls.ErrUnavailable
}
