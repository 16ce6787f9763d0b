package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/taskmesh/orchestrator/internal/task"
)

// jitterFrac is the uniform jitter applied to exponential/linear delays,
// per spec §4.3 ("plus 10% uniform jitter").
const jitterFrac = 0.10

// Delay computes the wait before the next attempt for the given strategy,
// capped at max. pattern is only consulted by the adaptive strategy.
func Delay(strategy task.RetryStrategy, base, max time.Duration, attempt int, pattern *task.FailurePattern, rng *rand.Rand) time.Duration {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	switch strategy {
	case task.StrategyExponential:
		return capDuration(jitter(time.Duration(float64(base)*math.Pow(2, float64(attempt-1))), rng), max)
	case task.StrategyLinear:
		return capDuration(jitter(base*time.Duration(attempt), rng), max)
	case task.StrategyImmediate:
		return time.Duration(rng.Float64() * float64(time.Second))
	case task.StrategyAdaptive:
		return adaptiveDelay(base, max, attempt, pattern, rng)
	default:
		return capDuration(jitter(time.Duration(float64(base)*math.Pow(2, float64(attempt-1))), rng), max)
	}
}

func adaptiveDelay(base, max time.Duration, attempt int, pattern *task.FailurePattern, rng *rand.Rand) time.Duration {
	if pattern == nil || pattern.Attempts == 0 {
		return capDuration(jitter(time.Duration(float64(base)*math.Pow(2, float64(attempt-1))), rng), max)
	}
	if pattern.SuccessRate() < 0.5 {
		return capDuration(jitter(time.Duration(float64(base)*math.Pow(2, float64(attempt))), rng), max)
	}
	return capDuration(time.Duration(1.5*float64(pattern.AvgRecoveryTime())), max)
}

func jitter(d time.Duration, rng *rand.Rand) time.Duration {
	delta := float64(d) * jitterFrac
	return d + time.Duration((rng.Float64()*2-1)*delta)
}

func capDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}
