package session

import (
	"context"
	"errors"

	"github.com/ternarybob/arbor"

	"manimate/common"
	"manimate/shared/kafka"
)

// SubmissionMessage is a generation request arriving over Kafka
type SubmissionMessage struct {
	OwnerID   string `json:"uid"`
	Topic     string `json:"text"`
	SessionID string `json:"chatID"`
}

// NewSubmissionHandler turns Kafka messages into async submissions.
// Messages are always marked; a rejected submission is logged, not retried.
func NewSubmissionHandler(svc *Service, logger arbor.ILogger) *kafka.TypedMessageHandler[SubmissionMessage] {
	if logger == nil {
		logger = common.NewNopLogger()
	}
	return &kafka.TypedMessageHandler[SubmissionMessage]{
		Validate: func(msg *SubmissionMessage) bool {
			if msg.OwnerID == "" || msg.Topic == "" || msg.SessionID == "" {
				logger.Warn().Str("session", msg.SessionID).Msg("submission message missing fields, skipping")
				return false
			}
			return true
		},
		Process: func(ctx context.Context, msg *SubmissionMessage) error {
			out, err := svc.Submit(ctx, Request{
				OwnerID:   msg.OwnerID,
				Topic:     msg.Topic,
				SessionID: msg.SessionID,
				Mode:      ModeAsync,
			})
			switch {
			case errors.Is(err, ErrAlreadyRunning):
				logger.Info().Str("session", msg.SessionID).Msg("submission ignored, generation already running")
			case err != nil:
				logger.Error().Err(err).Str("session", msg.SessionID).Msg("queued submission failed")
			default:
				logger.Info().Str("session", out.SessionID).Int("tokens", out.Requested).Msg("queued submission started")
			}
			return nil
		},
		AlwaysMark: true,
		Logger:     logger,
	}
}
