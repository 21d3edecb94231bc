package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClock_FiresAfterDuration(t *testing.T) {
	c := New()
	require.False(t, c.Fired())

	c.Arm(20 * time.Millisecond)
	require.False(t, c.Fired())

	time.Sleep(60 * time.Millisecond)
	require.True(t, c.Fired())
}

func TestClock_DisarmCancelsPendingFire(t *testing.T) {
	c := New()
	c.Arm(20 * time.Millisecond)
	c.Disarm()

	time.Sleep(60 * time.Millisecond)
	require.False(t, c.Fired(), "disarmed clock must never report fired")
}

func TestClock_RearmClearsPreviousFire(t *testing.T) {
	c := New()
	c.Arm(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.True(t, c.Fired())

	c.Arm(100 * time.Millisecond)
	require.False(t, c.Fired(), "re-arming must clear a stale fired flag")
}
