package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// TransferStream holds outbound transfer instructions.
	TransferStream = "MARKET_TRANSFERS"
	// TransferSubjectPrefix is followed by the transfer type.
	TransferSubjectPrefix = "market.transfers."
)

// NATSSink publishes instructions to JetStream subjects
// market.transfers.{type}. The transfer id doubles as the JetStream message
// id, so redeliveries inside the stream's duplicate window are dropped.
type NATSSink struct {
	js jetstream.JetStream
}

func NewNATSSink(js jetstream.JetStream) *NATSSink {
	return &NATSSink{js: js}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, msg Message) error {
	_, err := s.js.Publish(ctx, TransferSubjectPrefix+msg.Kind, msg.Payload, jetstream.WithMsgID(msg.Key))
	return err
}

// Close is a no-op; the connection belongs to the caller.
func (s *NATSSink) Close() error { return nil }

// EnsureTransferStream creates the outbound transfer stream.
func EnsureTransferStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       TransferStream,
		Subjects:   []string{TransferSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create transfer stream: %w", err)
	}
	logger.Info().Str("stream", TransferStream).Msg("ensured transfer stream")
	return nil
}
