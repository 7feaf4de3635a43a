// Package ucel is the unified exchange adapter layer: every venue
// operation passes a capability/policy gate, and private operations draw
// credentials from a health-tracked key pool before going out over the
// resilient transport.
package ucel

import (
	"fmt"
	"sort"

	"marketlake/config"
	"marketlake/internal/model"
)

// Operation names. Capability sets in the venue config use these.
const (
	OpFetchOrderBook = "fetch_orderbook"
	OpFetchTrades    = "fetch_trades"
	OpFetchOHLCV     = "fetch_ohlcv"
	OpFetchTicker    = "fetch_ticker"
	OpSubscribe      = "subscribe"
	OpFetchBalances  = "fetch_balances"
	OpPlaceOrder     = "place_order"
	OpCancelOrder    = "cancel_order"
)

var opRequiresAuth = map[string]bool{
	OpFetchBalances: true,
	OpPlaceOrder:    true,
	OpCancelOrder:   true,
}

var opStateChanging = map[string]bool{
	OpPlaceOrder:  true,
	OpCancelOrder: true,
}

// GateError carries the stable rejection code callers branch on.
type GateError struct {
	Code  string
	Venue string
	Op    string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("operation %s on %s rejected: %s", e.Op, e.Venue, e.Code)
}

// Gate evaluates capability and policy checks, in order, before any
// network dispatch.
type Gate struct {
	caps             map[string]map[string]struct{}
	allowedOps       map[string]struct{}
	pools            map[string]*KeyPool
	executionEnabled bool
	liveTrading      bool
}

func NewGate(venues map[string]config.VenueConfig, policy config.PolicyConfig) *Gate {
	g := &Gate{
		caps:             make(map[string]map[string]struct{}),
		pools:            make(map[string]*KeyPool),
		executionEnabled: policy.ExecutionEnabled,
		liveTrading:      policy.LiveTrading,
	}
	for venue, vc := range venues {
		ops := make(map[string]struct{}, len(vc.Capabilities))
		for _, op := range vc.Capabilities {
			ops[op] = struct{}{}
		}
		g.caps[venue] = ops
		g.pools[venue] = NewKeyPool(vc.Credentials, policy)
	}
	if len(policy.AllowedOps) > 0 {
		g.allowedOps = make(map[string]struct{}, len(policy.AllowedOps))
		for _, op := range policy.AllowedOps {
			g.allowedOps[op] = struct{}{}
		}
	}
	return g
}

// Pool returns the credential pool for a venue, nil when none exists.
func (g *Gate) Pool(venue string) *KeyPool {
	return g.pools[venue]
}

// Capabilities reports the configured operation set per venue, sorted
// for stable health output.
func (g *Gate) Capabilities() map[string][]string {
	out := make(map[string][]string, len(g.caps))
	for venue, ops := range g.caps {
		names := make([]string, 0, len(ops))
		for op := range ops {
			names = append(names, op)
		}
		sort.Strings(names)
		out[venue] = names
	}
	return out
}

// Check runs the five policy checks in their required order. Each
// rejection carries a distinct stable code.
func (g *Gate) Check(venue, op string) error {
	caps, known := g.caps[venue]
	if !known {
		return &GateError{Code: model.ReasonNotSupported, Venue: venue, Op: op}
	}
	if _, ok := caps[op]; !ok {
		return &GateError{Code: model.ReasonNotSupported, Venue: venue, Op: op}
	}
	if g.allowedOps != nil {
		if _, ok := g.allowedOps[op]; !ok {
			return &GateError{Code: model.ReasonNotAllowedOp, Venue: venue, Op: op}
		}
	}
	if opRequiresAuth[op] {
		pool := g.pools[venue]
		if pool == nil || !pool.HasCredentials() {
			return &GateError{Code: model.ReasonMissingAuth, Venue: venue, Op: op}
		}
	}
	if opStateChanging[op] {
		if !g.executionEnabled {
			return &GateError{Code: model.ReasonFeatureDisabled, Venue: venue, Op: op}
		}
		if !g.liveTrading {
			return &GateError{Code: model.ReasonDryRunOnly, Venue: venue, Op: op}
		}
	}
	return nil
}
