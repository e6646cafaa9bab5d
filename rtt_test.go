package raknet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRttFirstSampleInitializesDirectly(t *testing.T) {
	var e rttEstimator
	e.sample(100 * time.Millisecond)
	require.Equal(t, 100*time.Millisecond, e.srtt)
	require.Equal(t, 50*time.Millisecond, e.rttvar)
}

func TestRttConvergesTowardStableSamples(t *testing.T) {
	var e rttEstimator
	for i := 0; i < 50; i++ {
		e.sample(100 * time.Millisecond)
	}
	require.InDelta(t, float64(100*time.Millisecond), float64(e.srtt), float64(time.Millisecond))
}

func TestRtoClampedToBounds(t *testing.T) {
	var e rttEstimator
	e.sample(time.Microsecond) // tiny RTT must still clamp up to rtoMin
	require.Equal(t, rtoMin, e.rto())

	var big rttEstimator
	big.sample(10 * time.Second) // huge RTT must still clamp down to rtoMax
	require.Equal(t, rtoMax, big.rto())
}

func TestRtoUninitializedIsConservativeDefault(t *testing.T) {
	var e rttEstimator
	require.Greater(t, e.rto(), time.Duration(0))
	require.LessOrEqual(t, e.rto(), rtoMax)
}

func TestRttIgnoresNegativeSamples(t *testing.T) {
	var e rttEstimator
	e.sample(-1 * time.Second)
	require.False(t, e.initialized)
}

func TestRtoWidensWithVariance(t *testing.T) {
	var stable, jittery rttEstimator
	for i := 0; i < 20; i++ {
		stable.sample(100 * time.Millisecond)
	}
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			jittery.sample(50 * time.Millisecond)
		} else {
			jittery.sample(150 * time.Millisecond)
		}
	}
	require.Greater(t, jittery.rto(), stable.rto(), "higher variance must produce a wider RTO")
}
