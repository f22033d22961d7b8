package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ChallengeDetector parks a session on an anti-automation interstitial until
// a human clears it. It never tries to solve the challenge itself.
type ChallengeDetector struct {
	Marker         Locator
	ProbeTimeout   time.Duration
	ResolveTimeout time.Duration
	ClearTimeout   time.Duration
	Resolver       Resolver
}

func NewChallengeDetector(config *Config, resolver Resolver) *ChallengeDetector {
	return &ChallengeDetector{
		Marker:         config.Selectors.Challenge,
		ProbeTimeout:   msDuration(config.Timeouts.ChallengeProbeMs),
		ResolveTimeout: time.Duration(config.Timeouts.ChallengeResolveSec) * time.Second,
		ClearTimeout:   time.Duration(config.Timeouts.ChallengeClearSec) * time.Second,
		Resolver:       resolver,
	}
}

// CheckAndResolve returns nil straight away when no marker shows up within
// ProbeTimeout. Otherwise it waits for the human signal and then for the
// marker to disappear, failing with ErrChallengeUnresolved if either never happens.
func (c *ChallengeDetector) CheckAndResolve(ctx context.Context, drv Driver, sessionID string, log zerolog.Logger) error {
	if c == nil || c.Marker.IsZero() {
		return nil
	}

	_, err := drv.WaitFor(ctx, c.Marker, c.ProbeTimeout)
	if err != nil {
		if errors.Is(err, ErrElementTimeout) || errors.Is(err, ErrElementNotFound) {
			log.Debug().Msg("No challenge detected")
			return nil
		}
		return fmt.Errorf("challenge probe: %w", err)
	}

	recordChallenge("detected")
	log.Warn().Str("resolve_id", shortID(sessionID)).Msg("🚨 Challenge detected - solve it in the browser window, then press Enter (or POST /challenges/{id}/resolve)")

	if c.Resolver == nil {
		recordChallenge("abandoned")
		return fmt.Errorf("%w: no resolver configured", ErrChallengeUnresolved)
	}

	waitCtx := ctx
	if c.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.ResolveTimeout)
		defer cancel()
	}
	if err := c.Resolver.Await(waitCtx, sessionID); err != nil {
		recordChallenge("abandoned")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: no human signal within %v", ErrChallengeUnresolved, c.ResolveTimeout)
	}

	log.Info().Msg("Continuing... waiting for challenge page to disappear")

	if err := drv.WaitGone(ctx, c.Marker, c.ClearTimeout); err != nil {
		recordChallenge("abandoned")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: marker still present after %v: %v", ErrChallengeUnresolved, c.ClearTimeout, err)
	}

	recordChallenge("resolved")
	log.Info().Msg("✓ Challenge cleared, proceeding")
	return nil
}
