package netrule

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/developingchet/authguard/internal/apperr"
	"github.com/developingchet/authguard/internal/metrics"
	"github.com/developingchet/authguard/internal/netaddr"
	"github.com/developingchet/authguard/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// snapshot is an immutable view of every rule and disallowed host. Writers
// copy the parts they change and publish a new snapshot.
type snapshot struct {
	// scopes maps tier -> scope id -> rules. Global rules use scope "".
	scopes    map[Tier]map[string][]Rule
	byID      map[string]Rule
	hosts     map[string]DisallowedHost // keyed by canonical address
	hostsByID map[string]DisallowedHost
}

func emptySnapshot() *snapshot {
	return &snapshot{
		scopes: map[Tier]map[string][]Rule{
			TierGlobal:   {},
			TierOwner:    {},
			TierInstance: {},
		},
		byID:      map[string]Rule{},
		hosts:     map[string]DisallowedHost{},
		hostsByID: map[string]DisallowedHost{},
	}
}

// withRule returns a copy of s where rule replaces any rule with its id.
func (s *snapshot) withRule(rule Rule) *snapshot {
	next := s.withoutRule(rule.Tier, rule.ScopeID, rule.ID)
	scope := next.scopes[rule.Tier]
	scope[rule.ScopeID] = append(scope[rule.ScopeID], rule)
	next.byID[rule.ID] = rule
	return next
}

// withoutRule returns a copy of s without the rule id in (tier, scope).
func (s *snapshot) withoutRule(tier Tier, scopeID, id string) *snapshot {
	next := &snapshot{
		scopes:    make(map[Tier]map[string][]Rule, len(s.scopes)),
		byID:      make(map[string]Rule, len(s.byID)+1),
		hosts:     s.hosts,
		hostsByID: s.hostsByID,
	}
	for t, scopes := range s.scopes {
		next.scopes[t] = scopes
	}
	for k, v := range s.byID {
		next.byID[k] = v
	}
	delete(next.byID, id)

	scopes := make(map[string][]Rule, len(s.scopes[tier])+1)
	for k, v := range s.scopes[tier] {
		scopes[k] = v
	}
	old := scopes[scopeID]
	kept := make([]Rule, 0, len(old)+1)
	for _, r := range old {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(scopes, scopeID)
	} else {
		scopes[scopeID] = kept
	}
	next.scopes[tier] = scopes
	return next
}

func (s *snapshot) withHosts(mutate func(hosts, byID map[string]DisallowedHost)) *snapshot {
	next := *s
	next.hosts = make(map[string]DisallowedHost, len(s.hosts)+1)
	next.hostsByID = make(map[string]DisallowedHost, len(s.hostsByID)+1)
	for k, v := range s.hosts {
		next.hosts[k] = v
	}
	for k, v := range s.hostsByID {
		next.hostsByID[k] = v
	}
	mutate(next.hosts, next.hostsByID)
	return &next
}

// Repository owns network rules and disallowed hosts. Reads are lock-free
// against the current snapshot. Writes are serialized per scope, persisted to
// the RuleStore and then published.
type Repository struct {
	store storage.RuleStore
	now   func() time.Time
	log   zerolog.Logger

	snap atomic.Pointer[snapshot]

	scopeLocks sync.Map // scope key -> *sync.Mutex
	publishMu  sync.Mutex
}

// NewRepository returns an empty Repository persisting through store. Call
// Load to hydrate it from previously persisted records.
func NewRepository(store storage.RuleStore, log zerolog.Logger) *Repository {
	r := &Repository{store: store, now: time.Now, log: log}
	r.snap.Store(emptySnapshot())
	return r
}

func (r *Repository) current() *snapshot {
	return r.snap.Load()
}

// lockScope serializes writers of one (tier, scope).
func (r *Repository) lockScope(tier Tier, scopeID string) func() {
	v, _ := r.scopeLocks.LoadOrStore(string(tier)+"/"+scopeID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// publish applies change to the latest snapshot and swaps it in.
func (r *Repository) publish(change func(*snapshot) *snapshot) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	next := change(r.current())
	r.snap.Store(next)
	updateRuleGauges(next)
}

func updateRuleGauges(s *snapshot) {
	for _, tier := range []Tier{TierGlobal, TierOwner, TierInstance} {
		n := 0
		for _, rules := range s.scopes[tier] {
			n += len(rules)
		}
		metrics.NetworkRules.WithLabelValues(string(tier)).Set(float64(n))
	}
	metrics.NetworkRules.WithLabelValues(string(TierDisallowed)).Set(float64(len(s.hosts)))
}

// Load replaces the in-memory state with everything persisted in the store.
func (r *Repository) Load() error {
	next := emptySnapshot()
	for _, tier := range storage.Tiers {
		records, err := r.store.ListRules(tier)
		if err != nil {
			return fmt.Errorf("load %s rules: %w", tier, err)
		}
		for _, rec := range records {
			rule, err := ruleFromRecord(rec)
			if err != nil {
				r.log.Warn().Err(err).Str("tier", tier).Msg("skipping unreadable rule")
				continue
			}
			rule.Tier = Tier(tier)
			next.scopes[rule.Tier][rule.ScopeID] = append(next.scopes[rule.Tier][rule.ScopeID], rule)
			next.byID[rule.ID] = rule
		}
	}
	hosts, err := r.store.ListHosts()
	if err != nil {
		return fmt.Errorf("load disallowed hosts: %w", err)
	}
	for _, rec := range hosts {
		addr, err := netaddr.ParseHost(rec.Host)
		if err != nil {
			r.log.Warn().Err(err).Str("id", rec.ID).Msg("skipping unreadable disallowed host")
			continue
		}
		source := rec.Source
		if source == "" {
			source = SourceManual
		}
		h := DisallowedHost{ID: rec.ID, Host: addr, Source: source, CreatedAt: rec.CreatedAt}
		next.hosts[addr.String()] = h
		next.hostsByID[rec.ID] = h
	}
	r.publish(func(*snapshot) *snapshot { return next })
	r.log.Info().Int("rules", len(next.byID)).Int("disallowed_hosts", len(next.hosts)).Msg("network rules loaded")
	return nil
}

// ---- Rules ------------------------------------------------------------------

// CreateGlobalRule adds a rule that applies to every instance.
func (r *Repository) CreateGlobalRule(p RuleParams) (Rule, error) {
	return r.createRule(TierGlobal, "", p)
}

// UpdateGlobalRule replaces the parameters of a global rule.
func (r *Repository) UpdateGlobalRule(id string, p RuleParams) (Rule, error) {
	return r.updateRule(TierGlobal, "", id, p)
}

// DeleteGlobalRule removes a global rule.
func (r *Repository) DeleteGlobalRule(id string) error {
	return r.deleteRule(TierGlobal, "", id)
}

// CreateOwnerRule adds a rule for every instance of ownerID.
func (r *Repository) CreateOwnerRule(ownerID string, p RuleParams) (Rule, error) {
	if ownerID == "" {
		return Rule{}, apperr.Invalid("owner_id", "required for owner rules")
	}
	return r.createRule(TierOwner, ownerID, p)
}

// UpdateOwnerRule replaces the parameters of an owner rule.
func (r *Repository) UpdateOwnerRule(ownerID, id string, p RuleParams) (Rule, error) {
	if ownerID == "" {
		return Rule{}, apperr.Invalid("owner_id", "required for owner rules")
	}
	return r.updateRule(TierOwner, ownerID, id, p)
}

// DeleteOwnerRule removes an owner rule.
func (r *Repository) DeleteOwnerRule(ownerID, id string) error {
	if ownerID == "" {
		return apperr.Invalid("owner_id", "required for owner rules")
	}
	return r.deleteRule(TierOwner, ownerID, id)
}

// CreateInstanceRule adds a rule for one instance.
func (r *Repository) CreateInstanceRule(instanceID string, p RuleParams) (Rule, error) {
	if instanceID == "" {
		return Rule{}, apperr.Invalid("instance_id", "required for instance rules")
	}
	return r.createRule(TierInstance, instanceID, p)
}

// UpdateInstanceRule replaces the parameters of an instance rule.
func (r *Repository) UpdateInstanceRule(instanceID, id string, p RuleParams) (Rule, error) {
	if instanceID == "" {
		return Rule{}, apperr.Invalid("instance_id", "required for instance rules")
	}
	return r.updateRule(TierInstance, instanceID, id, p)
}

// DeleteInstanceRule removes an instance rule.
func (r *Repository) DeleteInstanceRule(instanceID, id string) error {
	if instanceID == "" {
		return apperr.Invalid("instance_id", "required for instance rules")
	}
	return r.deleteRule(TierInstance, instanceID, id)
}

// GetRule looks a rule up by id in any tier.
func (r *Repository) GetRule(id string) (Rule, error) {
	rule, ok := r.current().byID[id]
	if !ok {
		return Rule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return rule, nil
}

// ListRules returns the rules of one scope, most specific first. scopeID is
// ignored for the global tier.
func (r *Repository) ListRules(tier Tier, scopeID string) []Rule {
	if tier == TierGlobal {
		scopeID = ""
	}
	rules := append([]Rule(nil), r.current().scopes[tier][scopeID]...)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].beats(rules[j]) != rules[j].beats(rules[i]) {
			return rules[i].beats(rules[j])
		}
		return rules[i].ID < rules[j].ID
	})
	return rules
}

// Scopes returns the scope ids that hold rules in tier.
func (r *Repository) Scopes(tier Tier) []string {
	scopes := r.current().scopes[tier]
	ids := make([]string, 0, len(scopes))
	for id := range scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Repository) createRule(tier Tier, scopeID string, p RuleParams) (Rule, error) {
	t, err := p.validate()
	if err != nil {
		return Rule{}, err
	}
	unlock := r.lockScope(tier, scopeID)
	defer unlock()

	precedence := 0
	if p.Precedence != nil {
		precedence = *p.Precedence
	} else if r.collides(tier, scopeID, "", t) {
		return Rule{}, ErrPrecedenceRequired
	}

	rule := Rule{
		ID:         uuid.NewString(),
		Tier:       tier,
		ScopeID:    scopeID,
		Network:    t.network,
		RangeLower: t.lower,
		RangeUpper: t.upper,
		Action:     t.action,
		Precedence: precedence,
		UpdatedAt:  r.now().UTC(),
	}
	if err := r.store.PutRule(rule.record()); err != nil {
		return Rule{}, fmt.Errorf("persist %s rule: %w", tier, err)
	}
	r.publish(func(s *snapshot) *snapshot { return s.withRule(rule) })
	r.log.Info().Str("id", rule.ID).Str("tier", string(tier)).Str("scope", scopeID).
		Str("target", rule.Target()).Str("action", string(rule.Action)).Msg("network rule created")
	return rule, nil
}

func (r *Repository) updateRule(tier Tier, scopeID, id string, p RuleParams) (Rule, error) {
	t, err := p.validate()
	if err != nil {
		return Rule{}, err
	}
	unlock := r.lockScope(tier, scopeID)
	defer unlock()

	existing, err := r.ruleInScope(tier, scopeID, id)
	if err != nil {
		return Rule{}, err
	}
	precedence := existing.Precedence
	if p.Precedence != nil {
		precedence = *p.Precedence
	} else if r.collides(tier, scopeID, id, t) {
		return Rule{}, ErrPrecedenceRequired
	}

	rule := existing
	rule.Network, rule.RangeLower, rule.RangeUpper = t.network, t.lower, t.upper
	rule.Action = t.action
	rule.Precedence = precedence
	rule.UpdatedAt = r.now().UTC()
	if err := r.store.PutRule(rule.record()); err != nil {
		return Rule{}, fmt.Errorf("persist %s rule: %w", tier, err)
	}
	r.publish(func(s *snapshot) *snapshot { return s.withRule(rule) })
	r.log.Info().Str("id", id).Str("tier", string(tier)).Str("target", rule.Target()).Msg("network rule updated")
	return rule, nil
}

func (r *Repository) deleteRule(tier Tier, scopeID, id string) error {
	unlock := r.lockScope(tier, scopeID)
	defer unlock()

	if _, err := r.ruleInScope(tier, scopeID, id); err != nil {
		return err
	}
	if _, err := r.store.DeleteRule(string(tier), id); err != nil {
		return fmt.Errorf("delete %s rule: %w", tier, err)
	}
	r.publish(func(s *snapshot) *snapshot { return s.withoutRule(tier, scopeID, id) })
	r.log.Info().Str("id", id).Str("tier", string(tier)).Msg("network rule deleted")
	return nil
}

func (r *Repository) ruleInScope(tier Tier, scopeID, id string) (Rule, error) {
	rule, ok := r.current().byID[id]
	if !ok || rule.Tier != tier || rule.ScopeID != scopeID {
		return Rule{}, fmt.Errorf("%s rule %s: %w", tier, id, ErrNotFound)
	}
	return rule, nil
}

// collides reports whether another rule in the scope overlaps t at equal
// specificity. Callers hold the scope lock, so the scope cannot change
// underneath.
func (r *Repository) collides(tier Tier, scopeID, selfID string, t target) bool {
	for _, rule := range r.current().scopes[tier][scopeID] {
		if rule.ID != selfID && t.ambiguousWith(rule) {
			return true
		}
	}
	return false
}

// ---- Disallowed hosts -------------------------------------------------------

const hostScope = "hosts"

// CreateDisallowedHost adds an operator-owned absolute deny for host.
func (r *Repository) CreateDisallowedHost(host string) (DisallowedHost, error) {
	return r.CreateDisallowedHostFrom(host, SourceManual)
}

// CreateDisallowedHostFrom adds an absolute deny for host owned by source.
// An existing entry is returned along with ErrDuplicateHost, whatever its
// source.
func (r *Repository) CreateDisallowedHostFrom(host, source string) (DisallowedHost, error) {
	addr, err := netaddr.ParseHost(host)
	if err != nil {
		return DisallowedHost{}, apperr.Invalid("host", "%v", err)
	}
	if strings.TrimSpace(source) == "" {
		return DisallowedHost{}, apperr.Invalid("source", "is required")
	}
	unlock := r.lockScope(TierDisallowed, hostScope)
	defer unlock()

	if existing, ok := r.current().hosts[addr.String()]; ok {
		return existing, fmt.Errorf("%s: %w", addr, ErrDuplicateHost)
	}
	h := DisallowedHost{ID: uuid.NewString(), Host: addr, Source: source, CreatedAt: r.now().UTC()}
	rec := storage.HostRecord{ID: h.ID, Host: addr.String(), Source: source, CreatedAt: h.CreatedAt}
	if err := r.store.PutHost(rec); err != nil {
		return DisallowedHost{}, fmt.Errorf("persist disallowed host: %w", err)
	}
	r.publish(func(s *snapshot) *snapshot {
		return s.withHosts(func(hosts, byID map[string]DisallowedHost) {
			hosts[addr.String()] = h
			byID[h.ID] = h
		})
	})
	r.log.Info().Str("id", h.ID).Str("host", addr.String()).Str("source", source).Msg("host disallowed")
	return h, nil
}

// DeleteDisallowedHost removes the entry with id, whatever its source.
func (r *Repository) DeleteDisallowedHost(id string) error {
	unlock := r.lockScope(TierDisallowed, hostScope)
	defer unlock()

	h, ok := r.current().hostsByID[id]
	if !ok {
		return fmt.Errorf("disallowed host %s: %w", id, ErrNotFound)
	}
	return r.removeHost(h)
}

// DeleteDisallowedHostAddr removes the entry for host, whatever its source.
func (r *Repository) DeleteDisallowedHostAddr(host string) error {
	return r.deleteHostAddr(host, "")
}

// DeleteDisallowedHostFrom removes the entry for host only if source created
// it; otherwise it returns ErrHostNotOwned and leaves the entry in place.
func (r *Repository) DeleteDisallowedHostFrom(host, source string) error {
	if strings.TrimSpace(source) == "" {
		return apperr.Invalid("source", "is required")
	}
	return r.deleteHostAddr(host, source)
}

func (r *Repository) deleteHostAddr(host, source string) error {
	addr, err := netaddr.ParseHost(host)
	if err != nil {
		return apperr.Invalid("host", "%v", err)
	}
	unlock := r.lockScope(TierDisallowed, hostScope)
	defer unlock()

	h, ok := r.current().hosts[addr.String()]
	if !ok {
		return fmt.Errorf("disallowed host %s: %w", addr, ErrNotFound)
	}
	if source != "" && h.Source != source {
		return fmt.Errorf("disallowed host %s (source %s): %w", addr, h.Source, ErrHostNotOwned)
	}
	return r.removeHost(h)
}

func (r *Repository) removeHost(h DisallowedHost) error {
	if _, err := r.store.DeleteHost(h.ID); err != nil {
		return fmt.Errorf("delete disallowed host: %w", err)
	}
	r.publish(func(s *snapshot) *snapshot {
		return s.withHosts(func(hosts, byID map[string]DisallowedHost) {
			delete(hosts, h.Host.String())
			delete(byID, h.ID)
		})
	})
	r.log.Info().Str("id", h.ID).Str("host", h.Host.String()).Msg("disallowed host removed")
	return nil
}

// GetDisallowedHostByID looks an entry up by id.
func (r *Repository) GetDisallowedHostByID(id string) (DisallowedHost, error) {
	h, ok := r.current().hostsByID[id]
	if !ok {
		return DisallowedHost{}, fmt.Errorf("disallowed host %s: %w", id, ErrNotFound)
	}
	return h, nil
}

// GetDisallowedHostByHost looks an entry up by address.
func (r *Repository) GetDisallowedHostByHost(host string) (DisallowedHost, error) {
	addr, err := netaddr.ParseHost(host)
	if err != nil {
		return DisallowedHost{}, apperr.Invalid("host", "%v", err)
	}
	h, ok := r.current().hosts[addr.String()]
	if !ok {
		return DisallowedHost{}, fmt.Errorf("disallowed host %s: %w", addr, ErrNotFound)
	}
	return h, nil
}

// HostDisallowed reports whether host is on the disallowed list.
func (r *Repository) HostDisallowed(host string) (bool, error) {
	addr, err := netaddr.ParseHost(host)
	if err != nil {
		return false, apperr.Invalid("host", "%v", err)
	}
	_, ok := r.current().hosts[addr.String()]
	return ok, nil
}

// ListDisallowedHosts returns every entry ordered by address.
func (r *Repository) ListDisallowedHosts() []DisallowedHost {
	hosts := r.current().hosts
	out := make([]DisallowedHost, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host.Less(out[j].Host) })
	return out
}
