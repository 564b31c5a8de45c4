package logger_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mastra-agents/chatgateway/internal/logger"
)

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(&logger.Config{Level: "warn", Component: "test", Output: &buf})

	l.Debug("should not appear")
	l.Info("should not appear either")
	require.Empty(t, buf.String())

	l.Warn("visible warning")
	require.Contains(t, buf.String(), "visible warning")
}

func TestWithComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(&logger.Config{Level: "info", Component: "base", Output: &buf})
	scoped := l.WithComponent("scheduler")
	scoped.Info("tick")
	require.Contains(t, buf.String(), `"component":"scheduler"`)
}
