package ingestion

import (
	"ListingLedger/internal/command"
	"ListingLedger/internal/core"
	"ListingLedger/internal/observability"
	"context"

	"github.com/rs/zerolog"
)

// Forward parses raw NATS commands and hands them to the processor loop.
//
// A message is acked once it is parsed and queued, not after it is
// applied, so slow commits never trip AckWait; backpressure reaches NATS
// through the blocking send. Unparseable messages are acked and dropped
// since redelivery cannot fix them.
func Forward(
	ctx context.Context,
	rawChan <-chan RawCommand,
	out chan<- core.Submission,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			if metrics != nil {
				metrics.IngestReceived.WithLabelValues("nats").Inc()
			}

			commandType := CommandTypeFromSubject(raw.Subject)
			if commandType == command.CommandTypeUnknown {
				logger.Warn().Str("subject", raw.Subject).Msg("unknown command subject")
				raw.AckFunc()
				continue
			}

			cmd, err := ParseRawCommand(raw, commandType)
			if err != nil {
				if metrics != nil {
					metrics.IngestParseErrors.WithLabelValues(commandType.String()).Inc()
				}
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
				raw.AckFunc()
				continue
			}

			select {
			case out <- core.Submission{Command: cmd, ReceivedAt: raw.Timestamp}:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}
