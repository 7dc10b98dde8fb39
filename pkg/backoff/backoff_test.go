package backoff

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitterBounds(t *testing.T) {
	j := NewJitterWithSource(10*time.Second, 20*time.Second, rand.NewPCG(1, 2))

	seen := make(map[time.Duration]bool)
	for i := 0; i < 5000; i++ {
		d := j.Next()
		require.GreaterOrEqual(t, d, 10*time.Second)
		require.LessOrEqual(t, d, 20*time.Second)
		assert.Zero(t, d%time.Second, "delays are whole seconds")
		seen[d] = true
	}

	// Both ends of the range are reachable
	assert.True(t, seen[10*time.Second])
	assert.True(t, seen[20*time.Second])
	assert.Len(t, seen, 11)
}

func TestJitterDegenerateRange(t *testing.T) {
	assert.Equal(t, 5*time.Second, NewJitter(5*time.Second, 5*time.Second).Next())
	assert.Equal(t, 7*time.Second, NewJitter(7*time.Second, 3*time.Second).Next())
}

func TestJitterDefaultSource(t *testing.T) {
	j := &Jitter{Min: time.Millisecond, Max: 2 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := j.Next()
		assert.GreaterOrEqual(t, d, time.Millisecond)
		assert.LessOrEqual(t, d, 2*time.Millisecond)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepZero(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), 0))
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name        string
		succeedOn   int
		maxAttempts int
		wantErr     error
		wantCalls   int
		wantWaits   int
	}{
		{name: "first try", succeedOn: 1, wantCalls: 1, wantWaits: 0},
		{name: "eventually", succeedOn: 4, wantCalls: 4, wantWaits: 3},
		{name: "ceiling", succeedOn: 100, maxAttempts: 3, wantErr: ErrExhausted, wantCalls: 3, wantWaits: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			var waits []time.Duration
			sleep := func(ctx context.Context, d time.Duration) error {
				waits = append(waits, d)
				return nil
			}

			err := Retry(context.Background(), Constant(15*time.Second), sleep, tt.maxAttempts,
				func(ctx context.Context) bool {
					calls++
					return calls >= tt.succeedOn
				}, nil)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
			assert.Len(t, waits, tt.wantWaits)
			for _, w := range waits {
				assert.Equal(t, 15*time.Second, w)
			}
		})
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Retry(ctx, Zero, nil, 0, func(ctx context.Context) bool {
		calls++
		if calls == 3 {
			cancel()
		}
		return false
	}, func(attempt int, wait time.Duration) {
		assert.Equal(t, time.Duration(0), wait)
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls)
}
