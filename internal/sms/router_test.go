package sms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/commgate/commgate/internal/events"
	"github.com/commgate/commgate/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, opts Options) (*Router, *provider.Registry, *events.Subscription) {
	t.Helper()
	logger := testLogger()
	registry := provider.NewRegistry(logger)
	bus := events.NewBus(64, logger)
	sub := bus.Subscribe("test")
	t.Cleanup(sub.Close)

	router, err := NewRouter(registry, nil, bus, logger, opts)
	if err != nil {
		t.Fatalf("NewRouter() error: %v", err)
	}
	return router, registry, sub
}

func applyMocks(t *testing.T, registry *provider.Registry, ids ...string) map[string]*provider.Mock {
	t.Helper()
	configs := make([]provider.Config, 0, len(ids))
	for _, id := range ids {
		configs = append(configs, provider.Config{ID: id, Type: "mock", Category: "sms", Enabled: true})
	}
	registry.Apply(context.Background(), configs)

	mocks := make(map[string]*provider.Mock, len(ids))
	for _, id := range ids {
		instance, ok := registry.Get(id)
		if !ok {
			t.Fatalf("provider %s not started", id)
		}
		mocks[id] = instance.(*provider.Mock)
	}
	return mocks
}

func TestRoutingFallbackAfterConsecutiveFailures(t *testing.T) {
	router, registry, _ := newTestRouter(t, Options{
		NationalPrefix:   "+33",
		NationalProvider: "P_fr",
		NationalFallback: "P_intl",
		FallbackChain:    []string{"P_fr", "P_intl"},
	})
	mocks := applyMocks(t, registry, "P_fr", "P_intl")
	mocks["P_fr"].SetFailSends(true)
	ctx := context.Background()

	// Three failing sends walk the fallback each time and trip the
	// unhealthy threshold on P_fr.
	for i := 0; i < 3; i++ {
		result, err := router.SendMessage(ctx, "+33612345678", "bonjour", SendOptions{})
		if err != nil {
			t.Fatalf("send %d error: %v", i, err)
		}
		if result.ProviderID != "P_intl" {
			t.Fatalf("send %d provider = %s, want P_intl via fallback", i, result.ProviderID)
		}
	}

	health := router.HealthSnapshot()
	if health["P_fr"].Healthy {
		t.Error("P_fr still healthy after three consecutive failures")
	}
	if health["P_fr"].ConsecutiveFailures != 3 {
		t.Errorf("P_fr consecutive failures = %d, want 3", health["P_fr"].ConsecutiveFailures)
	}

	// Fourth send selects P_intl directly, P_fr is skipped.
	result, err := router.SendMessage(ctx, "+33612345678", "bonjour", SendOptions{})
	if err != nil {
		t.Fatalf("fourth send error: %v", err)
	}
	if result.ProviderID != "P_intl" {
		t.Errorf("fourth send provider = %s, want P_intl", result.ProviderID)
	}
	if got := len(mocks["P_fr"].Sent()); got != 0 {
		t.Errorf("P_fr accepted %d sends, want 0", got)
	}
}

func TestUnhealthyEventPublishedOnce(t *testing.T) {
	router, registry, sub := newTestRouter(t, Options{
		NationalPrefix:   "+33",
		NationalProvider: "P_fr",
		FallbackChain:    []string{"P_fr"},
	})
	mocks := applyMocks(t, registry, "P_fr")
	mocks["P_fr"].SetFailSends(true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		router.SendMessage(ctx, "+33612345678", "x", SendOptions{})
	}

	var unhealthy int
	for {
		select {
		case event := <-sub.C:
			if event.Type == events.TypeProviderUnhealthy {
				unhealthy++
			}
			continue
		default:
		}
		break
	}
	if unhealthy != 1 {
		t.Errorf("provider_unhealthy events = %d, want 1", unhealthy)
	}
}

func TestDirectSendRecoversProvider(t *testing.T) {
	router, registry, sub := newTestRouter(t, Options{
		NationalPrefix:   "+33",
		NationalProvider: "P_fr",
		FallbackChain:    []string{"P_fr"},
	})
	mocks := applyMocks(t, registry, "P_fr")
	mocks["P_fr"].SetFailSends(true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		router.SendMessage(ctx, "+33612345678", "x", SendOptions{})
	}
	if router.HealthSnapshot()["P_fr"].Healthy {
		t.Fatal("P_fr should be unhealthy")
	}

	// A successful direct send flips it back.
	mocks["P_fr"].SetFailSends(false)
	result, err := router.SendMessage(ctx, "+33612345678", "x", SendOptions{ProviderID: "P_fr"})
	if err != nil {
		t.Fatalf("direct send error: %v", err)
	}
	if result.ProviderID != "P_fr" {
		t.Errorf("provider = %s, want P_fr", result.ProviderID)
	}
	if !router.HealthSnapshot()["P_fr"].Healthy {
		t.Error("P_fr not recovered after successful send")
	}

	var recovered bool
	for {
		select {
		case event := <-sub.C:
			if event.Type == events.TypeProviderRecovered {
				recovered = true
			}
			continue
		default:
		}
		break
	}
	if !recovered {
		t.Error("provider_recovered not published")
	}
}

func TestNoProviderWhenAllUnhealthy(t *testing.T) {
	router, registry, _ := newTestRouter(t, Options{
		NationalPrefix:   "+33",
		NationalProvider: "P_fr",
		FallbackChain:    []string{"P_fr"},
	})
	mocks := applyMocks(t, registry, "P_fr")
	mocks["P_fr"].SetFailSends(true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		router.SendMessage(ctx, "+33612345678", "x", SendOptions{})
	}

	_, err := router.SendMessage(ctx, "+33612345678", "x", SendOptions{})
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("error = %v, want ErrNoProvider", err)
	}
}

func TestBridgeRuleHasNoFallback(t *testing.T) {
	router, registry, _ := newTestRouter(t, Options{
		BridgeProvider: "bridge",
		FallbackChain:  []string{"bridge", "cloud"},
	})
	mocks := applyMocks(t, registry, "bridge", "cloud")
	ctx := context.Background()

	// Chat-id destinations route to the bridge.
	result, err := router.SendMessage(ctx, "sms_33612345678", "hi", SendOptions{})
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	if result.ProviderID != "bridge" {
		t.Errorf("provider = %s, want bridge", result.ProviderID)
	}

	// An unhealthy bridge means no provider for chat ids, never the cloud.
	mocks["bridge"].SetFailSends(true)
	for i := 0; i < 3; i++ {
		router.SendMessage(ctx, "+590612345678", "x", SendOptions{ProviderID: "bridge"})
	}
	_, err = router.SendMessage(ctx, "sms_33612345678", "hi", SendOptions{})
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("error = %v, want ErrNoProvider", err)
	}
	if got := len(mocks["cloud"].Sent()); got != 0 {
		t.Errorf("cloud accepted %d chat-id sends, want 0", got)
	}
}

func TestCustomRulePriority(t *testing.T) {
	router, registry, _ := newTestRouter(t, Options{
		NationalPrefix:   "+33",
		NationalProvider: "P_fr",
		CustomRules: []RuleConfig{
			{Pattern: `^\+3361`, Provider: "P_special", Priority: 5},
		},
		FallbackChain: []string{"P_fr"},
	})
	applyMocks(t, registry, "P_fr", "P_special")
	ctx := context.Background()

	// Priority 5 beats the national rule at 20.
	result, err := router.SendMessage(ctx, "+33612345678", "x", SendOptions{})
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	if result.ProviderID != "P_special" {
		t.Errorf("provider = %s, want P_special", result.ProviderID)
	}

	result, err = router.SendMessage(ctx, "+33712345678", "x", SendOptions{})
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	if result.ProviderID != "P_fr" {
		t.Errorf("provider = %s, want P_fr", result.ProviderID)
	}
}

func TestComplianceRejectNeverReachesProvider(t *testing.T) {
	logger := testLogger()
	registry := provider.NewRegistry(logger)
	bus := events.NewBus(64, logger)

	gate := NewGate(map[string]CountryRule{
		"FR": {Enabled: true, BlockedPrefixes: []string{"+3363"}},
	})
	router, err := NewRouter(registry, gate, bus, logger, Options{
		NationalPrefix:   "+33",
		NationalProvider: "P_fr",
		FallbackChain:    []string{"P_fr"},
	})
	if err != nil {
		t.Fatalf("NewRouter() error: %v", err)
	}
	mocks := applyMocks(t, registry, "P_fr")

	_, err = router.SendMessage(context.Background(), "+33634567890", "promo", SendOptions{Country: "FR"})
	var policyErr *PolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("error = %v, want PolicyError", err)
	}
	if got := len(mocks["P_fr"].Sent()); got != 0 {
		t.Errorf("provider received %d blocked sends, want 0", got)
	}
}
