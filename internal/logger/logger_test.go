package logger

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"warning", WARN, false},
		{"error", ERROR, false},
		{"none", SILENT, false},
		{"loud", INFO, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_ModuleField(t *testing.T) {
	var buf bytes.Buffer
	l := New(INFO, &buf, false)

	l.Info("Pipeline", "processed %d frames", 3)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Pipeline", line["module"])
	assert.Equal(t, "processed 3 frames", line["message"])
	assert.Equal(t, "info", line["level"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Debug("Engine", "hidden")
	l.Info("Engine", "hidden")
	assert.Zero(t, buf.Len())

	l.Warn("Engine", "shown")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	l.SetLevel(SILENT)
	l.Error("Engine", "hidden")
	assert.Zero(t, buf.Len())
	assert.Equal(t, SILENT, l.GetLevel())
}
