// Package access answers "should this login attempt proceed" by combining
// the network rule resolver with per-host and per-identifier rate limits.
package access

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/authguard/internal/limiter"
	"github.com/developingchet/authguard/internal/metrics"
	"github.com/developingchet/authguard/internal/netaddr"
	"github.com/developingchet/authguard/internal/netrule"
	"github.com/rs/zerolog"
)

// Counter types used by the facade.
const (
	CounterByHost       limiter.CounterType = "login_attempt_by_host"
	CounterByIdentifier limiter.CounterType = "login_attempt_by_identifier"
)

// CounterTypes lists the tags an Engine must accept to serve a Checker.
var CounterTypes = []limiter.CounterType{CounterByHost, CounterByIdentifier}

// Reason explains a Decision.
type Reason string

const (
	ReasonAllowed     Reason = "allowed"
	ReasonNetwork     Reason = "network_rule"
	ReasonRateLimited Reason = "rate_limited"
)

// Attempt describes one authentication attempt.
type Attempt struct {
	Host       string
	Identifier string
	InstanceID string
	OwnerID    string
}

// Limit is a scale and limit for one counter type.
type Limit struct {
	Scale time.Duration
	Limit int64
}

// Limits configures the facade's two counters.
type Limits struct {
	ByHost       Limit
	ByIdentifier Limit
}

// Decision is the facade's answer. On a rate-limit denial Counter names the
// offending counter and Count, Limit and RetryAfter come from its result.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Network    netrule.Applied
	Counter    limiter.CounterType
	Count      int64
	Limit      int64
	RetryAfter time.Duration
}

// Resolver is the network side of a check. *netrule.Resolver satisfies it.
type Resolver interface {
	Resolve(host, instanceID, ownerID string) (netrule.Applied, error)
}

// Checker is the access decision facade.
type Checker struct {
	resolver Resolver
	byHost   limiter.RateCheck
	byIdent  limiter.RateCheck
	log      zerolog.Logger
}

// New builds a Checker. engine must accept CounterTypes.
func New(resolver Resolver, engine *limiter.Engine, limits Limits, log zerolog.Logger) *Checker {
	return &Checker{
		resolver: resolver,
		byHost:   engine.CheckRateFunc(CounterByHost, limits.ByHost.Scale.Milliseconds(), limits.ByHost.Limit),
		byIdent:  engine.CheckRateFunc(CounterByIdentifier, limits.ByIdentifier.Scale.Milliseconds(), limits.ByIdentifier.Limit),
		log:      log,
	}
}

// Check evaluates an attempt. The resolver runs first and a network denial
// returns without touching counters. Counters are incremented at attempt
// time, so an admitted attempt counts even if the credential check later
// fails. An empty Identifier skips the identifier counter.
func (c *Checker) Check(ctx context.Context, a Attempt) (Decision, error) {
	applied, err := c.resolver.Resolve(a.Host, a.InstanceID, a.OwnerID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve network rule: %w", err)
	}
	if !applied.Allowed() {
		return c.finish(a, Decision{Reason: ReasonNetwork, Network: applied}), nil
	}

	// The resolver accepted the host, so it parses; the canonical form keys
	// mapped and plain IPv4 spellings to one counter.
	addr, err := netaddr.ParseHost(a.Host)
	if err != nil {
		return Decision{}, err
	}
	checks := []struct {
		check limiter.RateCheck
		id    string
	}{
		{c.byHost, addr.String()},
		{c.byIdent, a.Identifier},
	}
	for _, ch := range checks {
		if ch.id == "" {
			continue
		}
		res, err := ch.check.Evaluate(ctx, ch.id)
		if err != nil {
			return Decision{}, err
		}
		if !res.Allowed {
			return c.finish(a, Decision{
				Reason:     ReasonRateLimited,
				Network:    applied,
				Counter:    ch.check.Type,
				Count:      res.Count,
				Limit:      res.Limit,
				RetryAfter: res.RetryAfter,
			}), nil
		}
	}
	return c.finish(a, Decision{Allowed: true, Reason: ReasonAllowed, Network: applied}), nil
}

func (c *Checker) finish(a Attempt, d Decision) Decision {
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	metrics.AccessDecisions.WithLabelValues(outcome, string(d.Reason)).Inc()
	c.log.Debug().
		Str("host", a.Host).
		Str("identifier", a.Identifier).
		Str("instance_id", a.InstanceID).
		Str("owner_id", a.OwnerID).
		Bool("allowed", d.Allowed).
		Str("reason", string(d.Reason)).
		Str("tier", string(d.Network.Tier)).
		Str("counter", string(d.Counter)).
		Msg("access decision")
	return d
}
