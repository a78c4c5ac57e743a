package headless

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStealthDeterministicWithSeed(t *testing.T) {
	t.Parallel()

	a := NewStealth(StealthConfig{}, rand.NewPCG(1, 2))
	b := NewStealth(StealthConfig{}, rand.NewPCG(1, 2))
	for range 20 {
		wa, ha := a.Viewport()
		wb, hb := b.Viewport()
		assert.Equal(t, wa, wb)
		assert.Equal(t, ha, hb)
		assert.GreaterOrEqual(t, wa, int64(1920))
		assert.Less(t, wa, int64(2020))
		assert.GreaterOrEqual(t, ha, int64(1080))
		assert.Less(t, ha, int64(1180))

		d := a.NextDelay()
		assert.Equal(t, d, b.NextDelay())
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}

func TestStealthBetween(t *testing.T) {
	t.Parallel()

	s := NewStealth(StealthConfig{}, rand.NewPCG(3, 4))
	for range 50 {
		d := s.Between(2*time.Second, 5*time.Second)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 5*time.Second)
	}
	assert.Equal(t, time.Second, s.Between(time.Second, time.Second))
}

func TestStealthHeaders(t *testing.T) {
	t.Parallel()

	h := NewStealth(StealthConfig{}, nil).Headers()
	assert.Equal(t, "en-US,en;q=0.9", h["Accept-Language"])
	assert.Equal(t, "https://www.google.com/", h["Referer"])
	assert.Equal(t, "keep-alive", h["Connection"])
	assert.Contains(t, h["Accept"], "text/html")
}

func TestStealthDelayCancellable(t *testing.T) {
	t.Parallel()

	s := NewStealth(StealthConfig{DelayMin: time.Hour, DelayMax: 2 * time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Delay(ctx), context.Canceled)

	quick := NewStealth(StealthConfig{DelayMin: time.Millisecond, DelayMax: 2 * time.Millisecond}, nil)
	require.NoError(t, quick.Delay(context.Background()))
}

func TestDefaultFlagsHideAutomation(t *testing.T) {
	t.Parallel()

	flags := DefaultFlags()
	assert.Equal(t, false, flags["enable-automation"])
	assert.Equal(t, "AutomationControlled", flags["disable-blink-features"])
	assert.Equal(t, "1920,1080", flags["window-size"])
	assert.Equal(t, true, flags["no-sandbox"])
}
