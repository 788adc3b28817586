package sms

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// CountryRule is the compliance policy for one country code.
type CountryRule struct {
	Enabled         bool
	StopKeywords    []string
	StopClause      string // appended when no stop keyword is present
	WindowStart     int    // hour, inclusive
	WindowEnd       int    // hour, exclusive
	Timezone        string
	BlockedWeekdays []time.Weekday
	MinDelay        time.Duration
	BlockedPrefixes []string
}

// CheckResult is the outcome of a compliance check. A rejection carries a
// human-readable reason; it is a policy value, not an error.
type CheckResult struct {
	Allowed      bool
	Reason       string
	Warnings     []string
	ModifiedText string
}

// how long recipient last-send records are retained.
const recentSendRetention = 5 * time.Minute

var frenchWeekdays = map[time.Weekday]string{
	time.Sunday:    "dimanche",
	time.Monday:    "lundi",
	time.Tuesday:   "mardi",
	time.Wednesday: "mercredi",
	time.Thursday:  "jeudi",
	time.Friday:    "vendredi",
	time.Saturday:  "samedi",
}

// Gate evaluates per-country SMS compliance rules and tracks recent sends
// per recipient for rate limiting.
type Gate struct {
	mu       sync.Mutex
	rules    map[string]CountryRule
	lastSend map[string]time.Time

	now func() time.Time
}

// NewGate creates a compliance gate with rules keyed by country code.
func NewGate(rules map[string]CountryRule) *Gate {
	if rules == nil {
		rules = make(map[string]CountryRule)
	}
	return &Gate{
		rules:    rules,
		lastSend: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetRules replaces the rule set, used on config hot reload.
func (g *Gate) SetRules(rules map[string]CountryRule) {
	g.mu.Lock()
	g.rules = rules
	g.mu.Unlock()
}

// Check evaluates the message against the country's policy. On allow, the
// recipient's last-send time is recorded; a reject has no side effects.
func (g *Gate) Check(to, text, country string) CheckResult {
	g.mu.Lock()
	rule, ok := g.rules[strings.ToUpper(country)]
	g.mu.Unlock()

	result := CheckResult{Allowed: true, ModifiedText: text}
	if !ok || !rule.Enabled {
		return result
	}

	for _, prefix := range rule.BlockedPrefixes {
		if strings.HasPrefix(to, prefix) {
			return CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("Envoi SMS interdit vers les numéros commençant par %s", prefix),
			}
		}
	}

	now := g.now()
	if rule.Timezone != "" {
		if loc, err := time.LoadLocation(rule.Timezone); err == nil {
			now = now.In(loc)
		}
	}

	if rule.WindowEnd > rule.WindowStart {
		hour := now.Hour()
		if hour < rule.WindowStart || hour >= rule.WindowEnd {
			return CheckResult{
				Allowed: false,
				Reason: fmt.Sprintf("Envoi SMS interdit entre %dh et %dh (fenêtre autorisée: %02d:00-%02d:00 %s)",
					rule.WindowEnd, rule.WindowStart, rule.WindowStart, rule.WindowEnd, rule.Timezone),
			}
		}
	}

	for _, day := range rule.BlockedWeekdays {
		if now.Weekday() == day {
			return CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("Envoi SMS interdit le %s", frenchWeekdays[day]),
			}
		}
	}

	if rule.StopClause != "" && len(rule.StopKeywords) > 0 && !containsAnyFold(text, rule.StopKeywords) {
		result.ModifiedText = text + rule.StopClause
		result.Warnings = append(result.Warnings, "clause STOP ajoutée au message")
	}

	if segments := segmentCount(result.ModifiedText); segments >= 2 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("le message sera fragmenté en %d segments", segments))
	}

	if rule.MinDelay > 0 {
		g.mu.Lock()
		last, seen := g.lastSend[to]
		g.mu.Unlock()
		if seen && now.Sub(last) < rule.MinDelay {
			return CheckResult{
				Allowed: false,
				Reason:  "Veuillez patienter avant de renvoyer un SMS à ce destinataire",
			}
		}
	}

	g.mu.Lock()
	g.lastSend[to] = now
	for recipient, ts := range g.lastSend {
		if now.Sub(ts) > recentSendRetention {
			delete(g.lastSend, recipient)
		}
	}
	g.mu.Unlock()

	return result
}

func containsAnyFold(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, keyword := range keywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

// GSM 03.38 default alphabet plus the extension table. Anything outside
// forces the 16-bit alphabet.
const gsm7Chars = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑܧ¿abcdefghijklmnopqrstuvwxyzäöñüà" +
	"^{}\\[~]|€"

var gsm7Set = func() map[rune]struct{} {
	set := make(map[rune]struct{}, len(gsm7Chars))
	for _, r := range gsm7Chars {
		set[r] = struct{}{}
	}
	return set
}()

func isGSM7(text string) bool {
	for _, r := range text {
		if _, ok := gsm7Set[r]; !ok {
			return false
		}
	}
	return true
}

// segmentCount returns how many SMS parts the text occupies: 160/153 for
// the 7-bit alphabet, 70/67 for UCS-2.
func segmentCount(text string) int {
	length := len([]rune(text))
	if length == 0 {
		return 1
	}

	single, multi := 70, 67
	if isGSM7(text) {
		single, multi = 160, 153
	}
	if length <= single {
		return 1
	}
	return (length + multi - 1) / multi
}
