// retry.go - Shared retry logic with exponential backoff.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retry provides shared retry logic with exponential backoff, and a
// bounded polling combinator for converging on eventually-consistent state.
package retry

import (
	"context"
	"math"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// Default retry configuration constants
const (
	// DefaultMaxAttempts is the default maximum number of retry attempts
	DefaultMaxAttempts = 10

	// DefaultBaseDelay is the default base delay between retries
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0)
	DefaultJitter = 0.2
)

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	// Calculate exponential delay
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))

	// Cap at maxDelay
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - jitter + r.Float64()*2*jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.  This includes network timeouts, connection refused, connection
// reset, etc.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"temporarily unavailable",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"eof",
		"broken pipe",
		"connection closed",
	}

	lowerErr := strings.ToLower(errStr)
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	if netErr, ok := err.(net.Error); ok {
		if netErr.Timeout() {
			return true
		}
		if netErr.Temporary() {
			return true
		}
	}

	return false
}

// Outcome is the terminal state of a bounded poll.
type Outcome int

const (
	// Converged means the condition was observed to hold.
	Converged Outcome = iota

	// TimedOut means the attempt budget was exhausted before the condition
	// held.  Exhaustion is an expected outcome, not an error.
	TimedOut
)

// String returns the outcome as a string.
func (o Outcome) String() string {
	switch o {
	case Converged:
		return "Converged"
	case TimedOut:
		return "TimedOut"
	default:
		return "Outcome(unknown)"
	}
}

// PollConfig parameterizes a bounded poll.
type PollConfig struct {
	// MaxAttempts is the attempt budget.
	MaxAttempts int

	// BaseDelay is the delay after the first attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Jitter is the jitter factor (0.0 to 1.0).
	Jitter float64
}

// DefaultPollConfig returns a PollConfig with the package defaults.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Poll repeatedly evaluates cond until it holds, the attempt budget is
// exhausted, or ctx is canceled.  A transient error from cond counts as the
// condition not holding yet; any other error aborts the poll.  Budget
// exhaustion returns (TimedOut, nil): callers asserting on eventually
// consistent state must treat it as a distinct outcome, not a failure.
func Poll(ctx context.Context, cfg PollConfig, cond func(context.Context) (bool, error)) (Outcome, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := Delay(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter, attempt-1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return TimedOut, ctx.Err()
			case <-timer.C:
			}
		}

		ok, err := cond(ctx)
		if err != nil && !IsTransientError(err) {
			return TimedOut, err
		}
		if ok {
			return Converged, nil
		}
	}

	return TimedOut, nil
}

// Do invokes op, retrying with exponential backoff for as long as it fails
// with a transient error and the attempt budget lasts.  The last error is
// returned when the budget is exhausted.
func Do(ctx context.Context, cfg PollConfig, op func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := Delay(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter, attempt-1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransientError(lastErr) {
			return lastErr
		}
	}

	return lastErr
}
