// retry_test.go - Tests for shared retry logic.
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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		d0 := Delay(baseDelay, maxDelay, 0, 0)
		require.Equal(100*time.Millisecond, d0)

		d1 := Delay(baseDelay, maxDelay, 0, 1)
		require.Equal(200*time.Millisecond, d1)

		d2 := Delay(baseDelay, maxDelay, 0, 2)
		require.Equal(400*time.Millisecond, d2)

		d3 := Delay(baseDelay, maxDelay, 0, 3)
		require.Equal(800*time.Millisecond, d3)
	})

	t.Run("max delay cap", func(t *testing.T) {
		d10 := Delay(baseDelay, maxDelay, 0, 10)
		require.Equal(maxDelay, d10)
	})

	t.Run("jitter range", func(t *testing.T) {
		jitter := 0.2
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, jitter, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	t.Run("nil error", func(t *testing.T) {
		require.False(IsTransientError(nil))
	})

	t.Run("connection refused", func(t *testing.T) {
		err := errors.New("dial tcp 127.0.0.1:8080: connect: connection refused")
		require.True(IsTransientError(err))
	})

	t.Run("connection reset", func(t *testing.T) {
		err := errors.New("read: connection reset by peer")
		require.True(IsTransientError(err))
	})

	t.Run("i/o timeout", func(t *testing.T) {
		err := errors.New("read tcp 127.0.0.1:4242: i/o timeout")
		require.True(IsTransientError(err))
	})

	t.Run("permanent error", func(t *testing.T) {
		err := errors.New("invalid signature")
		require.False(IsTransientError(err))
	})
}

func testPollConfig(attempts int) PollConfig {
	return PollConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0,
	}
}

func TestPoll(t *testing.T) {
	require := require.New(t)

	t.Run("immediate convergence", func(t *testing.T) {
		calls := 0
		outcome, err := Poll(context.Background(), testPollConfig(5), func(context.Context) (bool, error) {
			calls++
			return true, nil
		})
		require.NoError(err)
		require.Equal(Converged, outcome)
		require.Equal(1, calls)
	})

	t.Run("eventual convergence", func(t *testing.T) {
		calls := 0
		outcome, err := Poll(context.Background(), testPollConfig(10), func(context.Context) (bool, error) {
			calls++
			return calls >= 3, nil
		})
		require.NoError(err)
		require.Equal(Converged, outcome)
		require.Equal(3, calls)
	})

	t.Run("budget exhaustion is not an error", func(t *testing.T) {
		calls := 0
		outcome, err := Poll(context.Background(), testPollConfig(4), func(context.Context) (bool, error) {
			calls++
			return false, nil
		})
		require.NoError(err)
		require.Equal(TimedOut, outcome)
		require.Equal(4, calls)
	})

	t.Run("transient errors keep polling", func(t *testing.T) {
		calls := 0
		outcome, err := Poll(context.Background(), testPollConfig(10), func(context.Context) (bool, error) {
			calls++
			if calls < 3 {
				return false, errors.New("connection refused")
			}
			return true, nil
		})
		require.NoError(err)
		require.Equal(Converged, outcome)
	})

	t.Run("permanent errors abort", func(t *testing.T) {
		permErr := errors.New("channel is not open")
		calls := 0
		outcome, err := Poll(context.Background(), testPollConfig(10), func(context.Context) (bool, error) {
			calls++
			return false, permErr
		})
		require.ErrorIs(err, permErr)
		require.Equal(TimedOut, outcome)
		require.Equal(1, calls)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		outcome, err := Poll(ctx, testPollConfig(10), func(context.Context) (bool, error) {
			return false, nil
		})
		require.ErrorIs(err, context.Canceled)
		require.Equal(TimedOut, outcome)
	})
}

func TestDo(t *testing.T) {
	require := require.New(t)

	t.Run("success first try", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), testPollConfig(5), func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(err)
		require.Equal(1, calls)
	})

	t.Run("transient then success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), testPollConfig(5), func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(err)
		require.Equal(3, calls)
	})

	t.Run("permanent error returned at once", func(t *testing.T) {
		permErr := errors.New("invalid signature")
		calls := 0
		err := Do(context.Background(), testPollConfig(5), func(context.Context) error {
			calls++
			return permErr
		})
		require.ErrorIs(err, permErr)
		require.Equal(1, calls)
	})

	t.Run("budget exhaustion returns last error", func(t *testing.T) {
		transient := errors.New("connection reset by peer")
		calls := 0
		err := Do(context.Background(), testPollConfig(3), func(context.Context) error {
			calls++
			return transient
		})
		require.ErrorIs(err, transient)
		require.Equal(3, calls)
	})
}
