package engine

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/internal/target/targettest"
	"github.com/rendis/stepflow/pkg/schema"
)

var errFlaky = errors.New("connection reset by peer")

func newTestRetrier() *Retrier {
	return NewRetrier(nil, nil, nil).WithPollInterval(10 * time.Millisecond)
}

// failing returns an action that fails the first n calls and then returns "ok".
func failing(n int32, calls *int32) Action {
	return func(context.Context, int) (any, error) {
		c := atomic.AddInt32(calls, 1)
		if c <= n {
			return nil, errFlaky
		}
		return "ok", nil
	}
}

func readyCondition(timeout int) *schema.ConditionSpec {
	return &schema.ConditionSpec{
		Type:     schema.ConditionVariable,
		Name:     "ready",
		Operator: schema.OpEquals,
		Value:    true,
		Timeout:  schema.IntExpr(timeout),
	}
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		name     string
		strategy string
		max      time.Duration
		n        int
		want     time.Duration
	}{
		{"fixed first", schema.DelayFixed, 0, 1, base},
		{"fixed later", schema.DelayFixed, 0, 5, base},
		{"exponential first", schema.DelayExponential, 0, 1, base},
		{"exponential second", schema.DelayExponential, 0, 2, 200 * time.Millisecond},
		{"exponential fourth", schema.DelayExponential, 0, 4, 800 * time.Millisecond},
		{"exponential capped", schema.DelayExponential, 500 * time.Millisecond, 4, 500 * time.Millisecond},
		{"exponential huge n capped", schema.DelayExponential, time.Second, 200, time.Second},
		{"fixed capped", schema.DelayFixed, 50 * time.Millisecond, 1, 50 * time.Millisecond},
		{"exponential uncapped saturates", schema.DelayExponential, 0, 200, time.Duration(math.MaxInt64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.strategy, base, tt.max, tt.n))
		})
	}
	assert.Zero(t, ComputeBackoff(schema.DelayExponential, 0, 0, 3))

	prev := time.Duration(0)
	for n := 1; n <= 70; n++ {
		d := ComputeBackoff(schema.DelayExponential, time.Second, 0, n)
		require.GreaterOrEqual(t, d, prev, "retry %d", n)
		prev = d
	}
}

func TestRetrier_NilPolicyRunsOnce(t *testing.T) {
	var calls int32
	out, err := newTestRetrier().Do(context.Background(), nil, runctx.New(), failing(1, &calls))

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, 1, out.Attempts)
}

func TestRetrier_DisabledPolicyRunsOnce(t *testing.T) {
	var calls int32
	policy := &schema.RetryPolicy{Enabled: false, Count: schema.IntExpr(5)}
	_, err := newTestRetrier().Do(context.Background(), policy, runctx.New(), failing(1, &calls))

	require.Error(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestRetrier_CountSucceedsOnThirdAttempt(t *testing.T) {
	var calls int32
	policy := &schema.RetryPolicy{
		Enabled:       true,
		Strategy:      schema.RetryStrategyCount,
		Count:         schema.IntExpr(2),
		Delay:         schema.IntExpr(100),
		DelayStrategy: schema.DelayFixed,
	}

	start := time.Now()
	out, err := newTestRetrier().Do(context.Background(), policy, runctx.New(), failing(2, &calls))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", out.Result)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), calls)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}

func TestRetrier_CountExhaustedRunsNPlusOne(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		var calls int32
		policy := &schema.RetryPolicy{Enabled: true, Count: schema.IntExpr(n), Delay: schema.IntExpr(1)}
		out, err := newTestRetrier().Do(context.Background(), policy, runctx.New(), failing(100, &calls))

		require.Error(t, err)
		assert.ErrorIs(t, err, errFlaky)
		assert.Equal(t, int32(n+1), calls, "count=%d", n)
		assert.Equal(t, n+1, out.Attempts)
		if n > 0 {
			assert.True(t, schema.HasCode(err, schema.ErrCodeRetryExhausted))
		}
	}
}

func TestRetrier_ExponentialDelaysAreCapped(t *testing.T) {
	var stamps []time.Time
	action := func(context.Context, int) (any, error) {
		stamps = append(stamps, time.Now())
		return nil, errFlaky
	}
	policy := &schema.RetryPolicy{
		Enabled:       true,
		Count:         schema.IntExpr(3),
		Delay:         schema.IntExpr(40),
		DelayStrategy: schema.DelayExponential,
		MaxDelay:      schema.IntExpr(100),
	}

	_, err := newTestRetrier().Do(context.Background(), policy, runctx.New(), action)
	require.Error(t, err)
	require.Len(t, stamps, 4)

	// Expected gaps: 40ms, 80ms, 100ms (160 capped).
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 80*time.Millisecond)
	gap := stamps[3].Sub(stamps[2])
	assert.GreaterOrEqual(t, gap, 100*time.Millisecond)
	assert.Less(t, gap, 160*time.Millisecond)
}

func TestRetrier_FatalErrorsAreNotRetried(t *testing.T) {
	var calls int32
	action := func(context.Context, int) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, schema.NewError(schema.ErrCodeConfig, "missing url")
	}
	policy := &schema.RetryPolicy{Enabled: true, Count: schema.IntExpr(5)}

	_, err := newTestRetrier().Do(context.Background(), policy, runctx.New(), action)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
	assert.Equal(t, int32(1), calls)
}

func TestRetrier_InterpolatedPolicyFields(t *testing.T) {
	rc := runctx.New()
	rc.SetVariable("retries", 2)
	rc.SetVariable("backoff", "fixed")

	var calls int32
	policy := &schema.RetryPolicy{
		Enabled:       true,
		Count:         "${{variables.retries}}",
		Delay:         "5",
		DelayStrategy: "${{variables.backoff}}",
	}
	_, err := newTestRetrier().Do(context.Background(), policy, rc, failing(100, &calls))

	require.Error(t, err)
	assert.Equal(t, int32(3), calls)
}

func TestRetrier_FailSilentlySuppresses(t *testing.T) {
	var calls int32
	policy := &schema.RetryPolicy{Enabled: true, Count: schema.IntExpr(1), FailSilently: true}

	out, err := newTestRetrier().Do(context.Background(), policy, runctx.New(), failing(100, &calls))
	require.NoError(t, err)
	assert.True(t, out.Suppressed)
	assert.ErrorIs(t, out.Cause, errFlaky)
	assert.Equal(t, 2, out.Attempts)
}

func TestRetrier_UnknownStrategy(t *testing.T) {
	policy := &schema.RetryPolicy{Enabled: true, Strategy: "forever"}
	_, err := newTestRetrier().Do(context.Background(), policy, runctx.New(), failing(0, new(int32)))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
}

func TestRetrier_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	policy := &schema.RetryPolicy{Enabled: true, Count: schema.IntExpr(3), Delay: schema.IntExpr(5000)}
	start := time.Now()
	_, err := newTestRetrier().Do(ctx, policy, runctx.New(), failing(100, new(int32)))

	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetrier_UntilConditionRequiresCondition(t *testing.T) {
	var calls int32
	policy := &schema.RetryPolicy{Enabled: true, Strategy: schema.RetryStrategyUntilCondition}

	_, err := newTestRetrier().Do(context.Background(), policy, runctx.New(), failing(0, &calls))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
	assert.Zero(t, calls)
}

func TestRetrier_UntilConditionActionSucceeds(t *testing.T) {
	rc := runctx.New()
	rc.SetVariable("ready", false)

	var calls int32
	policy := &schema.RetryPolicy{
		Enabled:   true,
		Strategy:  schema.RetryStrategyUntilCondition,
		Condition: readyCondition(2000),
		Delay:     schema.IntExpr(10),
	}
	out, err := newTestRetrier().Do(context.Background(), policy, rc, failing(1, &calls))

	require.NoError(t, err)
	assert.Equal(t, "ok", out.Result)
	assert.False(t, out.ConditionMet)
	assert.Equal(t, 2, out.Attempts)
}

func TestRetrier_UntilConditionWinsRaceAndCancelsAction(t *testing.T) {
	rc := runctx.New()
	rc.SetVariable("ready", false)

	cancelled := make(chan struct{})
	action := func(ctx context.Context, _ int) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		rc.SetVariable("ready", true)
	}()

	policy := &schema.RetryPolicy{
		Enabled:   true,
		Strategy:  schema.RetryStrategyUntilCondition,
		Condition: readyCondition(2000),
	}
	start := time.Now()
	out, err := newTestRetrier().Do(context.Background(), policy, rc, action)

	require.NoError(t, err)
	assert.True(t, out.ConditionMet)
	assert.Less(t, time.Since(start), time.Second)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight attempt was not cancelled")
	}
}

func TestRetrier_UntilConditionSlowPollDoesNotHideResult(t *testing.T) {
	rc := runctx.New()
	rc.SetTarget(targettest.New("https://app.test"))

	action := func(context.Context, int) (any, error) {
		time.Sleep(60 * time.Millisecond)
		return "ok", nil
	}
	policy := &schema.RetryPolicy{
		Enabled:  true,
		Strategy: schema.RetryStrategyUntilCondition,
		Condition: &schema.ConditionSpec{
			Type:    schema.ConditionUIElement,
			Locator: "#never-rendered",
			Timeout: schema.IntExpr(2000),
		},
	}
	start := time.Now()
	out, err := newTestRetrier().Do(context.Background(), policy, rc, action)

	require.NoError(t, err)
	assert.Equal(t, "ok", out.Result)
	assert.False(t, out.ConditionMet)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetrier_UntilConditionCheckedAfterFailedAttempt(t *testing.T) {
	rc := runctx.New()
	rc.SetVariable("ready", false)

	var calls int32
	action := func(context.Context, int) (any, error) {
		atomic.AddInt32(&calls, 1)
		rc.SetVariable("ready", true)
		return nil, errFlaky
	}
	policy := &schema.RetryPolicy{
		Enabled:   true,
		Strategy:  schema.RetryStrategyUntilCondition,
		Condition: readyCondition(2000),
		Delay:     schema.IntExpr(500),
	}
	out, err := newTestRetrier().Do(context.Background(), policy, rc, action)

	require.NoError(t, err)
	assert.True(t, out.ConditionMet)
	assert.Equal(t, int32(1), calls)
}

func TestRetrier_UntilConditionTimesOut(t *testing.T) {
	rc := runctx.New()
	rc.SetVariable("ready", false)

	policy := &schema.RetryPolicy{
		Enabled:   true,
		Strategy:  schema.RetryStrategyUntilCondition,
		Condition: readyCondition(200),
		Delay:     schema.IntExpr(20),
	}
	start := time.Now()
	_, err := newTestRetrier().Do(context.Background(), policy, rc, failing(1000, new(int32)))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
	assert.Contains(t, err.Error(), "variable ready")
	assert.Contains(t, err.Error(), "200ms")
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestRetrier_UntilConditionBrokenConditionIsFatal(t *testing.T) {
	policy := &schema.RetryPolicy{
		Enabled:   true,
		Strategy:  schema.RetryStrategyUntilCondition,
		Condition: &schema.ConditionSpec{Type: "telepathy"},
	}
	_, err := newTestRetrier().Do(context.Background(), policy, runctx.New(), failing(1000, new(int32)))
	assert.True(t, schema.HasCode(err, schema.ErrCodeCondition))
}
