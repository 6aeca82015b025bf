package ui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStage_String(t *testing.T) {
	tests := []struct {
		stage Stage
		want  string
	}{
		{StageScanning, "Scanning"},
		{StageClassifying, "Classifying"},
		{StageChunking, "Chunking"},
		{StageEmbedding, "Embedding"},
		{StageFinalizing, "Finalizing"},
		{StageComplete, "Complete"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.stage.String())
		})
	}
}

func TestStage_Icon(t *testing.T) {
	tests := []struct {
		stage Stage
		want  string
	}{
		{StageScanning, "SCAN"},
		{StageClassifying, "DIFF"},
		{StageChunking, "CHUNK"},
		{StageEmbedding, "EMBED"},
		{StageFinalizing, "FLUSH"},
		{StageComplete, "DONE"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.stage.Icon())
		})
	}
}

func TestIsTTY_WithBuffer_ReturnsFalse(t *testing.T) {
	buf := &bytes.Buffer{}
	assert.False(t, IsTTY(buf))
}

func TestIsTTY_WithNil_ReturnsFalse(t *testing.T) {
	assert.False(t, IsTTY(nil))
}

func TestNewConfig_WithOptions(t *testing.T) {
	buf := &bytes.Buffer{}

	cfg := NewConfig(buf, WithNoColor(true), WithProjectDir("/tmp/proj"))

	assert.Equal(t, buf, cfg.Output)
	assert.True(t, cfg.NoColor)
	assert.Equal(t, "/tmp/proj", cfg.ProjectDir)
}

func TestNewRenderer_NonTTYIsPlainWithoutColor(t *testing.T) {
	buf := &bytes.Buffer{}

	r := NewRenderer(NewConfig(buf))

	plain, ok := r.(*PlainRenderer)
	assert.True(t, ok, "non-TTY output must get the plain renderer")
	plain.AddError(ErrorEvent{Err: assert.AnError})
	assert.NotContains(t, buf.String(), "\x1b[", "non-TTY output must carry no ANSI codes")
}

func TestDetectNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.True(t, DetectNoColor())
}
