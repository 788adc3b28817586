// Package sms routes outbound SMS across providers with health-aware
// fallback and enforces per-country compliance rules before any send.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/commgate/commgate/internal/events"
	"github.com/commgate/commgate/internal/provider"
)

// ErrNoProvider is returned when no healthy provider can take the message.
var ErrNoProvider = errors.New("sms: no healthy provider")

// PolicyError is a compliance rejection. It is not a downstream failure
// and boundary handlers must not map it to a 5xx.
type PolicyError struct {
	Reason   string
	Warnings []string
}

func (e *PolicyError) Error() string { return e.Reason }

// Rule is one compiled routing rule. Lower priority wins.
type Rule struct {
	Pattern    *regexp.Regexp
	Provider   string
	Fallback   string
	Priority   int
	NoFallback bool
}

// RuleConfig is the configuration shape of a custom routing rule.
type RuleConfig struct {
	Pattern  string `mapstructure:"pattern"`
	Provider string `mapstructure:"provider"`
	Fallback string `mapstructure:"fallback"`
	Priority int    `mapstructure:"priority"`
}

// Health tracks one provider's send statistics.
type Health struct {
	Healthy             bool
	Failures            uint64
	ConsecutiveFailures int
	LastError           string
	LastCheck           time.Time
}

// consecutive failures before a provider is taken out of rotation.
const unhealthyThreshold = 3

// Options configures the router's built-in rules.
type Options struct {
	// BridgeProvider receives messages addressed by chat id (sms_*).
	BridgeProvider string
	// NationalPrefix and its preferred/fallback pair (rule 2).
	NationalPrefix   string
	NationalProvider string
	NationalFallback string
	// InternationalProvider takes any other + destination (rule 3).
	InternationalProvider string
	// CustomRules from configuration (rule 4).
	CustomRules []RuleConfig
	// FallbackChain is the static last-resort provider order.
	FallbackChain []string
	// HealthCheckInterval defaults to 60s.
	HealthCheckInterval time.Duration
}

// SendOptions carries optional send parameters through the router.
type SendOptions struct {
	From       string
	ProviderID string
	Country    string
}

// Router selects a provider per message and falls back on failure.
type Router struct {
	registry *provider.Registry
	gate     *Gate
	bus      *events.Bus
	logger   *slog.Logger
	opts     Options

	mu     sync.Mutex
	rules  []Rule
	health map[string]*Health
}

// NewRouter builds a router. gate may be nil to disable compliance.
func NewRouter(registry *provider.Registry, gate *Gate, bus *events.Bus, logger *slog.Logger, opts Options) (*Router, error) {
	if opts.HealthCheckInterval == 0 {
		opts.HealthCheckInterval = 60 * time.Second
	}

	r := &Router{
		registry: registry,
		gate:     gate,
		bus:      bus,
		logger:   logger,
		opts:     opts,
		health:   make(map[string]*Health),
	}
	if err := r.rebuildRules(opts.CustomRules); err != nil {
		return nil, err
	}
	return r, nil
}

// rebuildRules compiles the rule table: bridge-id routing, national prefix,
// international fallback, then custom rules, ordered by priority.
func (r *Router) rebuildRules(custom []RuleConfig) error {
	var rules []Rule

	if r.opts.BridgeProvider != "" {
		rules = append(rules, Rule{
			Pattern:    regexp.MustCompile(`^sms_`),
			Provider:   r.opts.BridgeProvider,
			Priority:   10,
			NoFallback: true,
		})
	}
	if r.opts.NationalPrefix != "" && r.opts.NationalProvider != "" {
		rules = append(rules, Rule{
			Pattern:  regexp.MustCompile(`^` + regexp.QuoteMeta(r.opts.NationalPrefix)),
			Provider: r.opts.NationalProvider,
			Fallback: r.opts.NationalFallback,
			Priority: 20,
		})
	}
	if r.opts.InternationalProvider != "" {
		rules = append(rules, Rule{
			Pattern:  regexp.MustCompile(`^\+`),
			Provider: r.opts.InternationalProvider,
			Priority: 30,
		})
	}

	for _, rc := range custom {
		pattern, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return fmt.Errorf("compiling routing rule %q: %w", rc.Pattern, err)
		}
		rules = append(rules, Rule{
			Pattern:  pattern,
			Provider: rc.Provider,
			Fallback: rc.Fallback,
			Priority: rc.Priority,
		})
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
	return nil
}

// SetCustomRules replaces the custom rule set, used on config hot reload.
func (r *Router) SetCustomRules(custom []RuleConfig) error {
	return r.rebuildRules(custom)
}

// healthOf returns (and lazily creates) the health record of a provider.
// Callers hold r.mu.
func (r *Router) healthOf(id string) *Health {
	h, ok := r.health[id]
	if !ok {
		h = &Health{Healthy: true}
		r.health[id] = h
	}
	return h
}

// isUsable reports whether the provider exists and is currently healthy.
func (r *Router) isUsable(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := r.registry.Get(id); !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthOf(id).Healthy
}

// selectProvider picks the first matching rule with a usable provider,
// then falls through to the static chain.
func (r *Router) selectProvider(to string) (string, error) {
	r.mu.Lock()
	rules := r.rules
	r.mu.Unlock()

	for _, rule := range rules {
		if !rule.Pattern.MatchString(to) {
			continue
		}
		if r.isUsable(rule.Provider) {
			return rule.Provider, nil
		}
		if !rule.NoFallback && r.isUsable(rule.Fallback) {
			return rule.Fallback, nil
		}
		if rule.NoFallback {
			return "", ErrNoProvider
		}
	}

	for _, id := range r.opts.FallbackChain {
		if r.isUsable(id) {
			return id, nil
		}
	}
	return "", ErrNoProvider
}

// SendMessage runs compliance, selects a provider and sends, walking the
// fallback chain on failure. Retries are the router's job, not the
// caller's.
func (r *Router) SendMessage(ctx context.Context, to, text string, opts SendOptions) (*provider.SendResult, error) {
	if r.gate != nil {
		result := r.gate.Check(to, text, opts.Country)
		if !result.Allowed {
			return nil, &PolicyError{Reason: result.Reason, Warnings: result.Warnings}
		}
		text = result.ModifiedText
		for _, warning := range result.Warnings {
			r.logger.Warn("compliance warning", "to", to, "warning", warning)
		}
	}

	var first string
	explicit := opts.ProviderID != ""
	if explicit {
		if _, ok := r.registry.Get(opts.ProviderID); !ok {
			return nil, fmt.Errorf("provider %q: %w", opts.ProviderID, ErrNoProvider)
		}
		first = opts.ProviderID
	} else {
		selected, err := r.selectProvider(to)
		if err != nil {
			return nil, err
		}
		first = selected
	}

	attempted := make(map[string]bool)
	current := first
	var lastErr error

	for current != "" && !attempted[current] {
		attempted[current] = true

		instance, ok := r.registry.Get(current)
		if !ok {
			current = r.nextFallback(attempted)
			continue
		}

		start := time.Now()
		result, err := instance.SendMessage(ctx, to, text, provider.SendOptions{From: opts.From})
		if err == nil {
			r.recordSuccess(current)
			result.ProviderID = current
			result.Elapsed = time.Since(start)
			return result, nil
		}

		lastErr = err
		r.recordFailure(current, err)
		if explicit {
			// An explicit provider choice is honoured, never rerouted.
			break
		}
		r.logger.Warn("provider send failed, trying fallback",
			"provider", current, "to", to, "error", err)
		current = r.nextFallback(attempted)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all providers exhausted: %w", lastErr)
	}
	return nil, ErrNoProvider
}

// nextFallback returns the first untried usable provider from the chain.
func (r *Router) nextFallback(attempted map[string]bool) string {
	for _, id := range r.opts.FallbackChain {
		if !attempted[id] && r.isUsable(id) {
			return id
		}
	}
	return ""
}

func (r *Router) recordSuccess(id string) {
	r.mu.Lock()
	h := r.healthOf(id)
	h.ConsecutiveFailures = 0
	recovered := !h.Healthy
	h.Healthy = true
	h.LastError = ""
	r.mu.Unlock()

	if recovered {
		r.logger.Info("provider recovered", "provider", id)
		r.bus.Publish(events.TypeProviderRecovered, map[string]string{"provider": id})
		r.bus.Publish(events.TypeProviderStatusChanged, map[string]any{"provider": id, "healthy": true})
	}
}

func (r *Router) recordFailure(id string, err error) {
	r.mu.Lock()
	h := r.healthOf(id)
	h.Failures++
	h.ConsecutiveFailures++
	h.LastError = err.Error()
	turnedUnhealthy := h.Healthy && h.ConsecutiveFailures >= unhealthyThreshold
	if turnedUnhealthy {
		h.Healthy = false
	}
	r.mu.Unlock()

	if turnedUnhealthy {
		r.logger.Warn("provider marked unhealthy", "provider", id, "error", err)
		r.bus.Publish(events.TypeProviderUnhealthy, map[string]string{"provider": id, "error": err.Error()})
		r.bus.Publish(events.TypeProviderStatusChanged, map[string]any{"provider": id, "healthy": false})
	}
}

// HealthSnapshot returns a copy of all provider health records.
func (r *Router) HealthSnapshot() map[string]Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Health, len(r.health))
	for id, h := range r.health {
		out[id] = *h
	}
	return out
}

// Run drives the periodic health check until the context is cancelled.
// Each cycle adds jitter so providers are not probed in lockstep.
func (r *Router) Run(ctx context.Context) {
	for {
		jitter := time.Duration(rand.Int63n(int64(5 * time.Second)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.HealthCheckInterval + jitter):
			r.checkAll(ctx)
		}
	}
}

// checkAll probes every provider's status and reconciles health.
func (r *Router) checkAll(ctx context.Context) {
	for _, instance := range r.registry.List() {
		id := instance.ID()

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		status, err := instance.GetStatus(probeCtx)
		cancel()

		connected := err == nil && status.Connected

		r.mu.Lock()
		h := r.healthOf(id)
		h.LastCheck = time.Now()
		wasHealthy := h.Healthy
		if connected {
			h.Healthy = true
			h.ConsecutiveFailures = 0
		} else {
			h.Healthy = false
			if err != nil {
				h.LastError = err.Error()
			}
		}
		nowHealthy := h.Healthy
		r.mu.Unlock()

		switch {
		case !wasHealthy && nowHealthy:
			r.logger.Info("provider recovered by health check", "provider", id)
			r.bus.Publish(events.TypeProviderRecovered, map[string]string{"provider": id})
			r.bus.Publish(events.TypeProviderStatusChanged, map[string]any{"provider": id, "healthy": true})
		case wasHealthy && !nowHealthy:
			r.logger.Warn("provider failed health check", "provider", id, "error", err)
			r.bus.Publish(events.TypeProviderUnhealthy, map[string]string{"provider": id})
			r.bus.Publish(events.TypeProviderStatusChanged, map[string]any{"provider": id, "healthy": false})
		}
	}
}
