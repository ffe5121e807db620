package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tclog "github.com/testcontainers/testcontainers-go/log"
)

// containerLogger forwards testcontainers' printf-style lifecycle messages to slog. Routine
// lifecycle chatter is demoted to debug so that only the CLI's own output shows up by default.
type containerLogger struct {
	logger *slog.Logger
}

func NewTestcontainersAdapter(logger *slog.Logger) *containerLogger {
	return &containerLogger{logger: logger.With("component", "testcontainers")}
}

func (c *containerLogger) Printf(format string, args ...any) {
	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	if msg == "" || strings.Contains(msg, "Connected to docker:") {
		return
	}
	ctx := context.Background()
	switch {
	case strings.HasPrefix(msg, "❌"):
		c.logger.ErrorContext(ctx, msg)
	case strings.HasPrefix(msg, "✅"), strings.HasPrefix(msg, "🐳"), strings.HasPrefix(msg, "🔔"),
		strings.HasPrefix(msg, "⏳"), strings.HasPrefix(msg, "🚫"):
		c.logger.DebugContext(ctx, msg)
	default:
		c.logger.InfoContext(ctx, msg)
	}
}

// SetTestcontainersLogger routes the testcontainers default logger through logger.
func SetTestcontainersLogger(logger *slog.Logger) {
	tclog.SetDefault(NewTestcontainersAdapter(logger))
}
