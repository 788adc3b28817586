package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleProviders = `
version: 1
instance: gw-guadeloupe

providers:
  sms:
    bridge1:
      type: sms_bridge
      enabled: true
      config:
        base_url: http://10.0.0.8:3000
    cloud1:
      type: cloud_sms
      enabled: true
      config:
        api_key: secret

routing:
  sms:
    bridge_provider: bridge1
    national_provider: bridge1
    national_fallback: cloud1
    international_provider: cloud1
    fallback_chain: [bridge1, cloud1]
    rules:
      - pattern: '^\+3361'
        provider: cloud1
        priority: 5

compliance:
  sms:
    fr:
      enabled: true
      stop_keywords: [STOP]
      stop_clause: " STOP au 36111"
      time_restrictions:
        start: 8
        end: 22
        timezone: Europe/Paris
        blocked_days: [sunday, notaday]
      min_delay: 30s
      blocked_prefixes: ["+3363"]
`

func writeProviders(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing providers file: %v", err)
	}
	return path
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadProvidersFile(t *testing.T) {
	watcher := NewProvidersWatcher(writeProviders(t, sampleProviders), testLogger())
	file, err := watcher.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if file.Version != 1 || file.Instance != "gw-guadeloupe" {
		t.Errorf("version = %d instance = %q", file.Version, file.Instance)
	}

	configs := file.ProviderConfigs()
	if len(configs) != 2 {
		t.Fatalf("providers = %d, want 2", len(configs))
	}
	if configs[0].ID != "bridge1" || configs[0].Type != "sms_bridge" || !configs[0].Enabled {
		t.Errorf("provider[0] = %+v", configs[0])
	}
	if configs[0].Category != "sms" {
		t.Errorf("category = %s, want sms", configs[0].Category)
	}
	if configs[0].Settings["base_url"] != "http://10.0.0.8:3000" {
		t.Errorf("config bag = %v", configs[0].Settings)
	}

	routing := file.Routing.SMS
	if routing.BridgeProvider != "bridge1" || routing.InternationalProvider != "cloud1" {
		t.Errorf("routing = %+v", routing)
	}
	if len(routing.Rules) != 1 || routing.Rules[0].Priority != 5 {
		t.Errorf("rules = %+v", routing.Rules)
	}
	if len(routing.FallbackChain) != 2 {
		t.Errorf("fallback chain = %v", routing.FallbackChain)
	}
}

func TestComplianceRulesConversion(t *testing.T) {
	watcher := NewProvidersWatcher(writeProviders(t, sampleProviders), testLogger())
	file, err := watcher.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	rules := file.ComplianceRules(testLogger())
	rule, ok := rules["FR"]
	if !ok {
		t.Fatalf("rules = %v, want FR entry", rules)
	}
	if !rule.Enabled || rule.WindowStart != 8 || rule.WindowEnd != 22 {
		t.Errorf("rule = %+v", rule)
	}
	if rule.MinDelay != 30*time.Second {
		t.Errorf("min delay = %s, want 30s", rule.MinDelay)
	}
	// The unknown weekday is skipped, sunday survives.
	if len(rule.BlockedWeekdays) != 1 || rule.BlockedWeekdays[0] != time.Sunday {
		t.Errorf("blocked weekdays = %v, want [Sunday]", rule.BlockedWeekdays)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	watcher := NewProvidersWatcher(filepath.Join(t.TempDir(), "absent.yaml"), testLogger())
	file, err := watcher.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(file.Providers) != 0 {
		t.Errorf("providers = %v, want none", file.Providers)
	}
}
