package logger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInit_BindsDefaultContextLogger Init后裸context也能取到可用的logger
func TestInit_BindsDefaultContextLogger(t *testing.T) {
	prev := zerolog.DefaultContextLogger
	defer func() { zerolog.DefaultContextLogger = prev }()

	Init(Config{Level: "info", Format: "json"})

	require.NotNil(t, zerolog.DefaultContextLogger, "Init应设置DefaultContextLogger")
	ctxLogger := Ctx(context.Background())
	assert.NotEqual(t, zerolog.Disabled, ctxLogger.GetLevel(), "裸context取到的logger不应是禁用状态")
}

// TestInit_ParsesLevel 非法级别应回退到info
func TestInit_ParsesLevel(t *testing.T) {
	prev := zerolog.DefaultContextLogger
	defer func() { zerolog.DefaultContextLogger = prev }()

	Init(Config{Level: "not-a-level"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
