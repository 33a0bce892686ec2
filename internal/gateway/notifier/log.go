package notifier

import (
	"context"

	"keeper/internal/logger"
)

// LogSink writes notifications to the process log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, userID int64, text string) error {
	logger.InfoBlock("notify user="+itoa(userID), text)
	return nil
}
