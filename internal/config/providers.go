package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/commgate/commgate/internal/provider"
	"github.com/commgate/commgate/internal/sms"
)

// ProviderEntry is one provider block of the providers file. Its id and
// category come from the map keys above it.
type ProviderEntry struct {
	Type    string            `mapstructure:"type"`
	Enabled bool              `mapstructure:"enabled"`
	Config  map[string]string `mapstructure:"config"`
}

// SMSRouting configures the router's built-in and custom rules.
type SMSRouting struct {
	BridgeProvider        string           `mapstructure:"bridge_provider"`
	NationalProvider      string           `mapstructure:"national_provider"`
	NationalFallback      string           `mapstructure:"national_fallback"`
	InternationalProvider string           `mapstructure:"international_provider"`
	FallbackChain         []string         `mapstructure:"fallback_chain"`
	Rules                 []sms.RuleConfig `mapstructure:"rules"`
}

// TimeRestrictions is the send window of a compliance block: hours in a
// named timezone plus blocked weekday names.
type TimeRestrictions struct {
	Start       int      `mapstructure:"start"`
	End         int      `mapstructure:"end"`
	Timezone    string   `mapstructure:"timezone"`
	BlockedDays []string `mapstructure:"blocked_days"`
}

// ComplianceEntry is one per-country compliance block. Blocked days are
// lowercase English day names; min_delay accepts Go duration syntax.
type ComplianceEntry struct {
	Enabled          bool             `mapstructure:"enabled"`
	StopKeywords     []string         `mapstructure:"stop_keywords"`
	StopClause       string           `mapstructure:"stop_clause"`
	TimeRestrictions TimeRestrictions `mapstructure:"time_restrictions"`
	MinDelay         string           `mapstructure:"min_delay"`
	BlockedPrefixes  []string         `mapstructure:"blocked_prefixes"`
}

// ProvidersFile is the full parsed providers file. Providers are keyed
// by category ("whatsapp", "sms", "voip") and then by provider id.
type ProvidersFile struct {
	Version   int                                 `mapstructure:"version"`
	Instance  string                              `mapstructure:"instance"`
	Providers map[string]map[string]ProviderEntry `mapstructure:"providers"`
	Routing   struct {
		SMS SMSRouting `mapstructure:"sms"`
	} `mapstructure:"routing"`
	Compliance struct {
		SMS map[string]ComplianceEntry `mapstructure:"sms"`
	} `mapstructure:"compliance"`
}

// ProviderConfigs converts the provider blocks to registry configs,
// ordered by category then id so reloads diff deterministically.
func (f *ProvidersFile) ProviderConfigs() []provider.Config {
	categories := make([]string, 0, len(f.Providers))
	for category := range f.Providers {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var out []provider.Config
	for _, category := range categories {
		entries := f.Providers[category]
		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			entry := entries[id]
			out = append(out, provider.Config{
				ID:       id,
				Category: category,
				Type:     entry.Type,
				Enabled:  entry.Enabled,
				Settings: entry.Config,
			})
		}
	}
	return out
}

// ComplianceRules converts the compliance blocks to gate rules. Unknown
// weekday names and malformed delays are skipped with a warning.
func (f *ProvidersFile) ComplianceRules(logger *slog.Logger) map[string]sms.CountryRule {
	out := make(map[string]sms.CountryRule, len(f.Compliance.SMS))
	for country, entry := range f.Compliance.SMS {
		rule := sms.CountryRule{
			Enabled:         entry.Enabled,
			StopKeywords:    entry.StopKeywords,
			StopClause:      entry.StopClause,
			WindowStart:     entry.TimeRestrictions.Start,
			WindowEnd:       entry.TimeRestrictions.End,
			Timezone:        entry.TimeRestrictions.Timezone,
			BlockedPrefixes: entry.BlockedPrefixes,
		}
		for _, name := range entry.TimeRestrictions.BlockedDays {
			day, ok := weekdayByName[strings.ToLower(name)]
			if !ok {
				logger.Warn("ignoring unknown weekday in compliance rule", "country", country, "weekday", name)
				continue
			}
			rule.BlockedWeekdays = append(rule.BlockedWeekdays, day)
		}
		if entry.MinDelay != "" {
			delay, err := time.ParseDuration(entry.MinDelay)
			if err != nil {
				logger.Warn("ignoring malformed min_delay", "country", country, "min_delay", entry.MinDelay)
			} else {
				rule.MinDelay = delay
			}
		}
		out[strings.ToUpper(country)] = rule
	}
	return out
}

var weekdayByName = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ProvidersWatcher loads the providers file and pushes every change to a
// callback.
type ProvidersWatcher struct {
	v      *viper.Viper
	logger *slog.Logger

	mu       sync.Mutex
	onChange func(*ProvidersFile)
}

// NewProvidersWatcher creates a watcher for the given file path.
func NewProvidersWatcher(path string, logger *slog.Logger) *ProvidersWatcher {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	return &ProvidersWatcher{v: v, logger: logger}
}

// Load reads and parses the providers file. A missing file yields an
// empty configuration, not an error, so the gateway can start unconfigured.
func (w *ProvidersWatcher) Load() (*ProvidersFile, error) {
	if err := w.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("providers file not found, starting with no providers",
				"path", w.v.ConfigFileUsed())
			return &ProvidersFile{}, nil
		}
		return nil, fmt.Errorf("reading providers file: %w", err)
	}
	return w.parse()
}

func (w *ProvidersWatcher) parse() (*ProvidersFile, error) {
	var file ProvidersFile
	if err := w.v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("parsing providers file: %w", err)
	}
	return &file, nil
}

// Watch registers a callback and starts watching the file. Parse errors
// on reload keep the previous configuration in effect.
func (w *ProvidersWatcher) Watch(onChange func(*ProvidersFile)) {
	w.mu.Lock()
	w.onChange = onChange
	w.mu.Unlock()

	w.v.OnConfigChange(func(event fsnotify.Event) {
		file, err := w.parse()
		if err != nil {
			w.logger.Error("providers file reload failed, keeping previous configuration",
				"error", err)
			return
		}
		w.logger.Info("providers file reloaded", "path", event.Name)

		w.mu.Lock()
		fn := w.onChange
		w.mu.Unlock()
		if fn != nil {
			fn(file)
		}
	})
	w.v.WatchConfig()
}
