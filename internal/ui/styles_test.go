package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoColorStylesRenderPlainText(t *testing.T) {
	styles := NoColorStyles()
	assert.Equal(t, "hello", styles.Header.Render("hello"))
	assert.Equal(t, "hello", styles.Error.Render("hello"))
}

func TestGetStylesHonorsNoColor(t *testing.T) {
	assert.Equal(t, NoColorStyles(), GetStyles(true))
}
