package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "seconds", input: "30s", expected: 30 * time.Second},
		{name: "minutes", input: "15m", expected: 15 * time.Minute},
		{name: "hours", input: "2h", expected: 2 * time.Hour},
		{name: "days suffix", input: "14d", expected: 14 * 24 * time.Hour},
		{name: "fractional days", input: "0.5d", expected: 12 * time.Hour},
		{name: "whitespace", input: " 1m ", expected: time.Minute},
		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "soon", wantErr: true},
		{name: "bad day count", input: "xd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
		wantErr  bool
	}{
		{name: "bare bytes", input: "1024", expected: 1024},
		{name: "bytes suffix", input: "512b", expected: 512},
		{name: "kilobytes", input: "4kb", expected: 4 << 10},
		{name: "megabytes", input: "25mb", expected: 25 << 20},
		{name: "gigabytes", input: "1gb", expected: 1 << 30},
		{name: "uppercase", input: "2MB", expected: 2 << 20},
		{name: "empty", input: "", wantErr: true},
		{name: "negative", input: "-1mb", wantErr: true},
		{name: "garbage", input: "lots", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
