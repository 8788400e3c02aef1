package pluginconfig

import (
	"testing"
	"time"

	"github.com/logzai/logzai-go/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Threshold time.Duration `yaml:"threshold" validate:"gte=0"`
	Paths     []string      `yaml:"paths"`
	Mode      string        `yaml:"mode" validate:"oneof=fast slow"`
	Limit     int           `yaml:"limit" validate:"gte=1"`
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want sample
	}{
		{
			name: "nil keeps defaults",
			raw:  nil,
			want: sample{Threshold: time.Second, Mode: "fast", Limit: 10},
		},
		{
			name: "string duration",
			raw:  map[string]any{"threshold": "250ms"},
			want: sample{Threshold: 250 * time.Millisecond, Mode: "fast", Limit: 10},
		},
		{
			name: "typed duration",
			raw:  map[string]any{"threshold": 3 * time.Second},
			want: sample{Threshold: 3 * time.Second, Mode: "fast", Limit: 10},
		},
		{
			name: "lists and ints",
			raw:  map[string]any{"paths": []string{"/health", "/ready"}, "limit": 5, "mode": "slow"},
			want: sample{Threshold: time.Second, Paths: []string{"/health", "/ready"}, Mode: "slow", Limit: 5},
		},
		{
			name: "unknown keys ignored",
			raw:  map[string]any{"other": true},
			want: sample{Threshold: time.Second, Mode: "fast", Limit: 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sample{Threshold: time.Second, Mode: "fast", Limit: 10}
			require.NoError(t, Decode(tt.raw, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_ReportsEveryBadField(t *testing.T) {
	got := sample{Threshold: time.Second, Mode: "fast", Limit: 10}

	err := Decode(map[string]any{"mode": "medium", "limit": 0}, &got)

	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.True(t, cfgErr.Has("mode"))
	assert.True(t, cfgErr.Has("limit"))
	assert.True(t, core.IsConfigurationError(err))
}

func TestDecode_TypeMismatch(t *testing.T) {
	got := sample{Mode: "fast", Limit: 1}

	err := Decode(map[string]any{"limit": "many"}, &got)

	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.True(t, cfgErr.Has("config"))
}
