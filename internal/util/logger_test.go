package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestLevelOf(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, levelOf("debug"))
	assert.Equal(t, zapcore.WarnLevel, levelOf("warn"))
	assert.Equal(t, zapcore.WarnLevel, levelOf("warning"))
	assert.Equal(t, zapcore.ErrorLevel, levelOf("error"))
	assert.Equal(t, zapcore.InfoLevel, levelOf("verbose"))
	assert.Equal(t, zapcore.InfoLevel, levelOf(""))
}
