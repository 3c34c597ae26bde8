// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

package vbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrHubUnavailable is returned while the dial guard is open: recent dial
// attempts failed and the backoff window has not elapsed yet.
var ErrHubUnavailable = errors.New("virtual-bus hub unavailable")

type guardState int

const (
	guardClosed guardState = iota
	guardHalfOpen
	guardOpen
)

func (s guardState) String() string {
	switch s {
	case guardClosed:
		return "closed"
	case guardHalfOpen:
		return "half_open"
	case guardOpen:
		return "open"
	default:
		return "unknown"
	}
}

// GuardConfig tunes the dial guard.
type GuardConfig struct {
	// MaxFailures is how many consecutive dial failures open the guard.
	MaxFailures int

	// ResetTimeout is how long an open guard rejects dials before letting
	// one probe attempt through.
	ResetTimeout time.Duration
}

// DialGuard wraps a Dialer with a circuit breaker. A hub that refuses
// connections trips the guard, so bursts of start commands fail fast
// instead of each waiting out a full dial timeout against a dead peer.
type DialGuard struct {
	dial   Dialer
	config GuardConfig

	mu       sync.Mutex
	state    guardState
	failures int
	openedAt time.Time
}

// NewDialGuard wraps dial. Zero config fields get working defaults.
func NewDialGuard(dial Dialer, cfg GuardConfig) *DialGuard {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	return &DialGuard{dial: dial, config: cfg}
}

// Dial is a Dialer. While the guard is open it fails immediately with
// ErrHubUnavailable; after the reset timeout a single attempt probes the
// hub and its outcome decides whether the guard closes again.
func (g *DialGuard) Dial(ctx context.Context, device string) (Bus, error) {
	if err := g.admit(); err != nil {
		return nil, err
	}

	bus, err := g.dial(ctx, device)
	g.record(err == nil)
	if err != nil {
		return nil, err
	}
	return bus, nil
}

func (g *DialGuard) admit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == guardOpen {
		if time.Since(g.openedAt) < g.config.ResetTimeout {
			return fmt.Errorf("%w: retry in %s", ErrHubUnavailable,
				(g.config.ResetTimeout - time.Since(g.openedAt)).Round(time.Millisecond))
		}
		g.state = guardHalfOpen
	}
	return nil
}

func (g *DialGuard) record(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ok {
		g.state = guardClosed
		g.failures = 0
		return
	}

	g.failures++
	if g.state == guardHalfOpen || g.failures >= g.config.MaxFailures {
		g.state = guardOpen
		g.openedAt = time.Now()
	}
}
