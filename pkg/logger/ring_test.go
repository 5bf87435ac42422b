package logger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRingKeepsNewestEntries(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Add(Entry{Message: fmt.Sprintf("m%d", i)})
	}

	got := r.Entries()
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].Message)
	assert.Equal(t, "m4", got[2].Message)
}

func TestRingPartial(t *testing.T) {
	r := NewRing(0)
	r.Add(Entry{Message: "only"})
	assert.Len(t, r.Entries(), 1)
	assert.Len(t, r.entries, DefaultRingSize)
}

func TestRingCoreCapturesFields(t *testing.T) {
	r := NewRing(10)
	log := zap.New(r.Core(zapcore.InfoLevel)).With(zap.String("component", "outbox"))

	log.Debug("ignored")
	log.Warn("flush halted", zap.Int("remaining", 2))

	got := r.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, "flush halted", got[0].Message)
	assert.Equal(t, "warn", got[0].Level)
	assert.Equal(t, "outbox", got[0].Fields["component"])
	assert.EqualValues(t, 2, got[0].Fields["remaining"])
}

func TestNewWithRingTeesDebugIntoRing(t *testing.T) {
	r := NewRing(10)
	log, err := NewWithRing("error", r)
	require.NoError(t, err)

	log.Debug("subscription retry scheduled")
	assert.Len(t, r.Entries(), 1)
	assert.Same(t, r, log.With(zap.String("k", "v")).Ring())
}
