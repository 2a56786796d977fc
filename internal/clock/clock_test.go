package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_Monotonic(t *testing.T) {
	mono := int64(0)
	clk := New(func() int64 { return mono })

	assert.EqualValues(t, 0, clk.NowMs())
	mono = 5000
	assert.EqualValues(t, 5000, clk.NowMs())
}

func TestClock_WallInvalidUntilSet(t *testing.T) {
	clk := New(func() int64 { return 0 })

	assert.False(t, clk.IsValid())
	_, ok := clk.Now()
	assert.False(t, ok)

	// MinTime之前的时间不被接受
	clk.SetTime(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, clk.IsValid())
}

func TestClock_WallAdvancesWithMono(t *testing.T) {
	mono := int64(0)
	clk := New(func() int64 { return mono })

	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	clk.SetTime(base)
	require.True(t, clk.IsValid())

	mono = 90_000
	now, ok := clk.Now()
	require.True(t, ok)
	assert.Equal(t, base.Add(90*time.Second), now)
}

func TestClock_StampAndResolve(t *testing.T) {
	mono := int64(0)
	clk := New(func() int64 { return mono })
	clk.SetBootNr(3)

	// 墙钟无效：仅记录单调刻度
	stamp := clk.Stamp()
	assert.False(t, stamp.Valid)
	assert.EqualValues(t, 3, stamp.BootNr)

	_, ok := clk.Resolve(stamp)
	assert.False(t, ok)

	// 2小时后同步墙钟，刻度可回溯重建
	mono = 2 * 3600 * 1000
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	clk.SetTime(base)

	resolved, ok := clk.Resolve(stamp)
	require.True(t, ok)
	assert.WithinDuration(t, base.Add(-2*time.Hour), resolved, 10*time.Second)
}

func TestClock_ResolveRejectsForeignBoot(t *testing.T) {
	mono := int64(0)
	clk := New(func() int64 { return mono })
	clk.SetBootNr(4)
	clk.SetTime(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))

	stamp := Timestamp{Mono: 1000, BootNr: 3}
	_, ok := clk.Resolve(stamp)
	assert.False(t, ok)
}

func TestClock_ResolveValidStamp(t *testing.T) {
	clk := New(func() int64 { return 0 })
	wall := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	resolved, ok := clk.Resolve(Timestamp{Wall: wall, Valid: true})
	require.True(t, ok)
	assert.Equal(t, wall, resolved)
}
