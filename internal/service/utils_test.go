package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestStringToFloat(t *testing.T) {
	f, err := StringToFloat("2650.5")
	assert.NoError(t, err)
	assert.Equal(t, 2650.5, f)

	for _, s := range []string{"abc", "", "NaN", "inf"} {
		_, err := StringToFloat(s)
		assert.Error(t, err, s)
	}
}

func TestAbsInt64(t *testing.T) {
	assert.Equal(t, int64(42), AbsInt64(-42))
	assert.Equal(t, int64(42), AbsInt64(42))
}

func TestDayStart(t *testing.T) {
	loc := FixedZone(8)
	// 2025-01-20 17:30 UTC == 2025-01-21 01:30 UTC+8
	now := time.Date(2025, 1, 20, 17, 30, 0, 0, time.UTC)
	start := DayStart(now, loc)
	assert.Equal(t, time.Date(2025, 1, 20, 16, 0, 0, 0, time.UTC), start.UTC())

	start = DayStart(now, FixedZone(-5))
	assert.Equal(t, time.Date(2025, 1, 20, 5, 0, 0, 0, time.UTC), start.UTC())
}

func TestInitLogger(t *testing.T) {
	InitLogger("debug")
	assert.True(t, Logger.Core().Enabled(zapcore.DebugLevel))

	InitLogger("nonsense")
	assert.False(t, Logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, Logger.Core().Enabled(zapcore.InfoLevel))
}
