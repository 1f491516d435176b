// Package netrule stores tiered network access rules and resolves the single
// action that applies to a host address.
//
// Resolution order is disallowed hosts, then instance rules, then owner
// rules, then global rules, then the configured default. Within a tier the
// most specific matching rule wins, then the higher precedence, then Deny.
package netrule

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/developingchet/authguard/internal/apperr"
	"github.com/developingchet/authguard/internal/netaddr"
	"github.com/developingchet/authguard/internal/storage"
)

// Tier labels where a decision came from.
type Tier string

const (
	TierDisallowed Tier = "disallowed"
	TierInstance   Tier = "instance"
	TierOwner      Tier = "owner"
	TierGlobal     Tier = "global"
	// TierImplied marks a decision taken from the default action.
	TierImplied Tier = "implied"
)

// Action is the outcome of a rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// ParseAction accepts "allow" or "deny" in any case.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionAllow:
		return ActionAllow, nil
	case ActionDeny:
		return ActionDeny, nil
	}
	return "", apperr.Invalid("action", "must be allow or deny; got %q", s)
}

// ValidationError is returned for rule input rejected before any state change.
type ValidationError = apperr.ValidationError

var (
	// ErrNotFound is wrapped by lookups, updates and deletes of unknown ids.
	ErrNotFound = apperr.ErrNotFound

	// ErrPrecedenceRequired rejects a rule without an explicit precedence when
	// another rule in its scope overlaps it at equal specificity.
	ErrPrecedenceRequired error = &apperr.ValidationError{
		Field:  "precedence",
		Reason: "required when another rule in the same scope overlaps at equal specificity",
	}

	// ErrDuplicateHost rejects a second disallowed entry for one address.
	ErrDuplicateHost = errors.New("host is already disallowed")

	// ErrHostNotOwned rejects a delete by a source other than the one that
	// created the entry.
	ErrHostNotOwned = errors.New("disallowed host belongs to another source")
)

// Rule is a network rule. Either Network is valid or the rule covers the
// inclusive range [RangeLower, RangeUpper].
type Rule struct {
	ID         string
	Tier       Tier
	ScopeID    string
	Network    netip.Prefix
	RangeLower netip.Addr
	RangeUpper netip.Addr
	Action     Action
	Precedence int
	UpdatedAt  time.Time
}

// IsRange reports whether the rule targets an address range.
func (r Rule) IsRange() bool {
	return !r.Network.IsValid()
}

// Contains reports whether host is covered by the rule.
func (r Rule) Contains(host netip.Addr) bool {
	if r.IsRange() {
		return netaddr.InRange(host, r.RangeLower, r.RangeUpper)
	}
	return netaddr.InNetwork(host, r.Network)
}

// Specificity is the prefix length, or for ranges the prefix length of the
// smallest network covering the range.
func (r Rule) Specificity() int {
	if r.IsRange() {
		return netaddr.CoveringBits(r.RangeLower, r.RangeUpper)
	}
	return r.Network.Bits()
}

// bounds returns the first and last address the rule covers.
func (r Rule) bounds() (netip.Addr, netip.Addr) {
	if r.IsRange() {
		return r.RangeLower, r.RangeUpper
	}
	return netaddr.Bounds(r.Network)
}

// Target renders the rule's network or range.
func (r Rule) Target() string {
	if r.IsRange() {
		return r.RangeLower.String() + "-" + r.RangeUpper.String()
	}
	return r.Network.String()
}

// beats reports whether r wins over other inside one tier.
func (r Rule) beats(other Rule) bool {
	if a, b := r.Specificity(), other.Specificity(); a != b {
		return a > b
	}
	if r.Precedence != other.Precedence {
		return r.Precedence > other.Precedence
	}
	return r.Action == ActionDeny && other.Action == ActionAllow
}

// RuleParams is the mutable part of a rule. Set Network, or both RangeLower
// and RangeUpper. A nil Precedence means "not specified".
type RuleParams struct {
	Network    string
	RangeLower string
	RangeUpper string
	Action     Action
	Precedence *int
}

// Precedence returns a pointer to p for RuleParams literals.
func Precedence(p int) *int {
	return &p
}

// target holds validated addressing and the canonical action.
type target struct {
	network netip.Prefix
	lower   netip.Addr
	upper   netip.Addr
	action  Action
}

func (t target) rule() Rule {
	return Rule{Network: t.network, RangeLower: t.lower, RangeUpper: t.upper, Action: t.action}
}

// ambiguousWith reports whether t and r share addresses at equal specificity.
// Such rules would only be ordered by precedence, so one must be explicit.
func (t target) ambiguousWith(r Rule) bool {
	self := t.rule()
	if self.Specificity() != r.Specificity() {
		return false
	}
	lo, hi := self.bounds()
	rlo, rhi := r.bounds()
	if lo.BitLen() != rlo.BitLen() {
		return false
	}
	return lo.Compare(rhi) <= 0 && rlo.Compare(hi) <= 0
}

func (p RuleParams) validate() (target, error) {
	action, err := ParseAction(string(p.Action))
	if err != nil {
		return target{}, err
	}
	hasNet := strings.TrimSpace(p.Network) != ""
	hasRange := strings.TrimSpace(p.RangeLower) != "" || strings.TrimSpace(p.RangeUpper) != ""
	switch {
	case hasNet && hasRange:
		return target{}, apperr.Invalid("network", "set either a network or a range, not both")
	case hasNet:
		prefix, err := netaddr.ParseNetwork(p.Network)
		if err != nil {
			return target{}, apperr.Invalid("network", "%v", err)
		}
		return target{network: prefix, action: action}, nil
	case hasRange:
		lower, err := netaddr.ParseHost(p.RangeLower)
		if err != nil {
			return target{}, apperr.Invalid("range_lower", "%v", err)
		}
		upper, err := netaddr.ParseHost(p.RangeUpper)
		if err != nil {
			return target{}, apperr.Invalid("range_upper", "%v", err)
		}
		if lower.Is4() != upper.Is4() {
			return target{}, apperr.Invalid("range", "bounds %s and %s are different address families", lower, upper)
		}
		if upper.Less(lower) {
			return target{}, apperr.Invalid("range", "lower bound %s is above upper bound %s", lower, upper)
		}
		return target{lower: lower, upper: upper, action: action}, nil
	}
	return target{}, apperr.Invalid("network", "a network or a range is required")
}

// Sources of disallowed hosts. Only the source that created an entry may
// remove it by address.
const (
	SourceManual   = "manual"
	SourceCrowdSec = "crowdsec"
)

// DisallowedHost is an absolute deny for one address.
type DisallowedHost struct {
	ID        string
	Host      netip.Addr
	Source    string
	CreatedAt time.Time
}

// Applied is the resolved decision for a host.
type Applied struct {
	Action Action
	Tier   Tier
	// RuleID is empty when the default action applied.
	RuleID string
}

// Allowed reports whether the decision admits the host.
func (a Applied) Allowed() bool {
	return a.Action == ActionAllow
}

// ---- persistence mapping ----------------------------------------------------

func (r Rule) record() storage.RuleRecord {
	rec := storage.RuleRecord{
		ID:         r.ID,
		Tier:       string(r.Tier),
		ScopeID:    r.ScopeID,
		Action:     string(r.Action),
		Precedence: r.Precedence,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.IsRange() {
		rec.RangeLower = r.RangeLower.String()
		rec.RangeUpper = r.RangeUpper.String()
	} else {
		rec.Network = r.Network.String()
	}
	return rec
}

func ruleFromRecord(rec storage.RuleRecord) (Rule, error) {
	action, err := ParseAction(rec.Action)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", rec.ID, err)
	}
	t, err := RuleParams{
		Network:    rec.Network,
		RangeLower: rec.RangeLower,
		RangeUpper: rec.RangeUpper,
		Action:     action,
	}.validate()
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", rec.ID, err)
	}
	return Rule{
		ID:         rec.ID,
		Tier:       Tier(rec.Tier),
		ScopeID:    rec.ScopeID,
		Network:    t.network,
		RangeLower: t.lower,
		RangeUpper: t.upper,
		Action:     action,
		Precedence: rec.Precedence,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}
