package netrule

import (
	"net/netip"

	"github.com/developingchet/authguard/internal/apperr"
	"github.com/developingchet/authguard/internal/metrics"
	"github.com/developingchet/authguard/internal/netaddr"
	"github.com/rs/zerolog"
)

// Resolver computes the applied rule for a host against a Repository.
type Resolver struct {
	repo          *Repository
	defaultAction Action
	log           zerolog.Logger
}

// NewResolver returns a Resolver that falls back to defaultAction when no
// rule matches.
func NewResolver(repo *Repository, defaultAction Action, log zerolog.Logger) *Resolver {
	return &Resolver{repo: repo, defaultAction: defaultAction, log: log}
}

// Resolve returns the single decision for host. instanceID and ownerID may be
// empty, in which case their tiers are skipped. A tier with no matching rule
// falls through to the next one.
func (r *Resolver) Resolve(host, instanceID, ownerID string) (Applied, error) {
	addr, err := netaddr.ParseHost(host)
	if err != nil {
		return Applied{}, apperr.Invalid("host", "%v", err)
	}
	applied := r.resolve(r.repo.current(), addr, instanceID, ownerID)

	metrics.NetworkDecisions.WithLabelValues(string(applied.Tier), string(applied.Action)).Inc()
	r.log.Debug().
		Str("host", addr.String()).
		Str("tier", string(applied.Tier)).
		Str("action", string(applied.Action)).
		Str("rule_id", applied.RuleID).
		Msg("network rule applied")
	return applied, nil
}

func (r *Resolver) resolve(snap *snapshot, addr netip.Addr, instanceID, ownerID string) Applied {
	if h, ok := snap.hosts[addr.String()]; ok {
		return Applied{Action: ActionDeny, Tier: TierDisallowed, RuleID: h.ID}
	}
	if instanceID != "" {
		if rule, ok := bestMatch(snap.scopes[TierInstance][instanceID], addr); ok {
			return Applied{Action: rule.Action, Tier: TierInstance, RuleID: rule.ID}
		}
	}
	if ownerID != "" {
		if rule, ok := bestMatch(snap.scopes[TierOwner][ownerID], addr); ok {
			return Applied{Action: rule.Action, Tier: TierOwner, RuleID: rule.ID}
		}
	}
	if rule, ok := bestMatch(snap.scopes[TierGlobal][""], addr); ok {
		return Applied{Action: rule.Action, Tier: TierGlobal, RuleID: rule.ID}
	}
	return Applied{Action: r.defaultAction, Tier: TierImplied}
}

// bestMatch picks the winning rule containing addr.
func bestMatch(rules []Rule, addr netip.Addr) (Rule, bool) {
	var (
		best  Rule
		found bool
	)
	for _, rule := range rules {
		if !rule.Contains(addr) {
			continue
		}
		if !found || rule.beats(best) {
			best, found = rule, true
		}
	}
	return best, found
}
