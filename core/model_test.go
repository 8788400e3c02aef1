package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"critical", LevelCritical},
		{"fatal", LevelCritical},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLevelOrdering(t *testing.T) {
	assert.Less(t, LevelDebug, LevelInfo)
	assert.Less(t, LevelInfo, LevelWarn)
	assert.Less(t, LevelWarn, LevelError)
	assert.Less(t, LevelError, LevelCritical)
	assert.Equal(t, "LEVEL(9)", Level(9).String())
}

func TestStatusHelpers(t *testing.T) {
	assert.Equal(t, StatusOK, OK().Code)
	assert.Equal(t, StatusUnset, Unset().Code)

	failed := Failed(errors.New("disk full"))
	assert.Equal(t, StatusError, failed.Code)
	assert.Equal(t, "disk full", failed.Description)
	assert.Equal(t, "ERROR", failed.Code.String())
}

func TestSpan_CloneIsDeep(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := Span{
		Name:       "op",
		StartTime:  start,
		Attributes: map[string]any{"k": "v"},
		Events:     []Event{{Name: "e", Attributes: map[string]any{"a": 1}}},
	}
	assert.False(t, s.Ended())
	assert.Zero(t, s.Duration())

	c := s.Clone()
	c.Attributes["k"] = "changed"
	c.Events[0].Attributes["a"] = 2
	c.Events = append(c.Events, Event{Name: "extra"})

	assert.Equal(t, "v", s.Attributes["k"])
	assert.Equal(t, 1, s.Events[0].Attributes["a"])
	assert.Len(t, s.Events, 1)

	s.EndTime = start.Add(150 * time.Millisecond)
	assert.True(t, s.Ended())
	assert.Equal(t, 150*time.Millisecond, s.Duration())
}

func TestFlushResultString(t *testing.T) {
	assert.Equal(t, "success", FlushSuccess.String())
	assert.Equal(t, "partial", FlushPartial.String())
	assert.Equal(t, "timeout", FlushTimeout.String())
}
