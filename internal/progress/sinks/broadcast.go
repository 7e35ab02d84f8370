package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/progress"
)

// BroadcastSink forwards progress events to the event broadcaster on the
// crawl progress topic so UI clients can follow a run live. Publish failures
// are logged and do not fail the batch.
type BroadcastSink struct {
	broadcaster cve.EventBroadcaster
	logger      *zap.Logger
}

// NewBroadcastSink constructs a BroadcastSink for the provided broadcaster.
func NewBroadcastSink(broadcaster cve.EventBroadcaster, logger *zap.Logger) *BroadcastSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BroadcastSink{broadcaster: broadcaster, logger: logger}
}

// Consume publishes each event in the batch on the progress topic.
func (s *BroadcastSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.broadcaster == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.broadcaster.Publish(ctx, cve.TopicProgress, evt); err != nil {
			s.logger.Warn("progress broadcast failed",
				zap.String("job", evt.Job),
				zap.String("stage", evt.Stage),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *BroadcastSink) Close(context.Context) error {
	return nil
}
