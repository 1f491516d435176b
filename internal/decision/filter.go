// Package decision screens CrowdSec decisions before they reach the
// disallowed-host list.
package decision

import (
	"net/netip"
	"strings"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/developingchet/authguard/internal/metrics"
	"github.com/developingchet/authguard/internal/netaddr"
	"github.com/rs/zerolog"
)

// Actions produced by the filter.
const (
	ActionBan    = "ban"
	ActionDelete = "delete"
)

// FilterConfig holds the parameters for the decision pipeline.
type FilterConfig struct {
	// Stage 1: allowed action types
	AllowedActions []string // default: ["ban", "delete"]

	// Stage 2: scenario substrings to skip
	ScenarioExclude []string

	// Stage 3: allowed origins (empty = all)
	AllowedOrigins []string

	// Stage 4: allowed scopes. Disallowed hosts are exact addresses, so
	// range decisions never pass.
	AllowedScopes []string // default: ["ip"]

	// Stage 6: drop private, loopback and link-local addresses
	SkipPrivate bool

	// Stage 7: whitelist
	Whitelist []netip.Prefix

	// Stage 8: minimum ban duration (0 = disabled)
	MinBanDuration time.Duration
}

// NewFilterConfig returns a FilterConfig with sensible defaults.
func NewFilterConfig() FilterConfig {
	return FilterConfig{
		AllowedActions: []string{ActionBan, ActionDelete},
		AllowedScopes:  []string{"ip"},
		SkipPrivate:    true,
	}
}

// FilterResult holds the decision after pipeline processing.
type FilterResult struct {
	Passed   bool
	Action   string // ActionBan or ActionDelete
	Host     netip.Addr
	Origin   string
	Scenario string
	Duration time.Duration
}

// stage labels for metrics
const (
	stageAction    = "1_action"
	stageScenario  = "2_scenario_exclude"
	stageOrigin    = "3_origin"
	stageScope     = "4_scope"
	stageParse     = "5_parse"
	stagePrivate   = "6_private"
	stageWhitelist = "7_whitelist"
	stageMinDur    = "8_min_duration"
)

// Filter runs a CrowdSec decision through the pipeline.
// Returns a FilterResult with Passed=true if the decision should be acted on.
func Filter(d *models.Decision, cfg FilterConfig, log zerolog.Logger) FilterResult {
	action := strings.ToLower(deref(d.Type))
	scope := strings.ToLower(deref(d.Scope))
	value := deref(d.Value)
	origin := deref(d.Origin)
	scenario := deref(d.Scenario)

	if !containsCI(cfg.AllowedActions, action) {
		metrics.DecisionsFiltered.WithLabelValues(stageAction, "unsupported_action").Inc()
		log.Trace().Str("action", action).Msg("filtered: unsupported action")
		return FilterResult{}
	}

	for _, exc := range cfg.ScenarioExclude {
		if exc != "" && strings.Contains(scenario, exc) {
			metrics.DecisionsFiltered.WithLabelValues(stageScenario, "excluded_scenario").Inc()
			log.Trace().Str("scenario", scenario).Str("exclude", exc).Msg("filtered: excluded scenario")
			return FilterResult{}
		}
	}

	if len(cfg.AllowedOrigins) > 0 && !containsCI(cfg.AllowedOrigins, origin) {
		metrics.DecisionsFiltered.WithLabelValues(stageOrigin, "origin_not_allowed").Inc()
		log.Trace().Str("origin", origin).Msg("filtered: origin not allowed")
		return FilterResult{}
	}

	if !containsCI(cfg.AllowedScopes, scope) {
		metrics.DecisionsFiltered.WithLabelValues(stageScope, "unsupported_scope").Inc()
		log.Trace().Str("scope", scope).Msg("filtered: unsupported scope")
		return FilterResult{}
	}

	host, err := netaddr.ParseHost(value)
	if err != nil {
		metrics.DecisionsFiltered.WithLabelValues(stageParse, "parse_error").Inc()
		log.Warn().Str("value", value).Err(err).Msg("filtered: parse error")
		return FilterResult{}
	}

	if cfg.SkipPrivate && netaddr.IsPrivate(host) {
		metrics.DecisionsFiltered.WithLabelValues(stagePrivate, "private_ip").Inc()
		log.Trace().Stringer("ip", host).Msg("filtered: private/loopback/link-local IP")
		return FilterResult{}
	}

	if netaddr.IsWhitelisted(host, cfg.Whitelist) {
		metrics.DecisionsFiltered.WithLabelValues(stageWhitelist, "whitelisted").Inc()
		log.Trace().Stringer("ip", host).Msg("filtered: whitelisted IP")
		return FilterResult{}
	}

	var dur time.Duration
	if parsed, err := time.ParseDuration(deref(d.Duration)); err == nil {
		dur = parsed
	}
	if action == ActionBan && cfg.MinBanDuration > 0 && dur > 0 && dur < cfg.MinBanDuration {
		metrics.DecisionsFiltered.WithLabelValues(stageMinDur, "too_short").Inc()
		log.Trace().Stringer("ip", host).Dur("duration", dur).Dur("min", cfg.MinBanDuration).Msg("filtered: ban duration too short")
		return FilterResult{}
	}

	return FilterResult{
		Passed:   true,
		Action:   action,
		Host:     host,
		Origin:   origin,
		Scenario: scenario,
		Duration: dur,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func containsCI(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
