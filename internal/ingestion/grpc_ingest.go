package ingestion

import (
	"ListingLedger/internal/command"
	"ListingLedger/internal/core"
	"ListingLedger/internal/ledger"
	"ListingLedger/internal/observability"
	"context"
	"fmt"
	"time"
)

// CommandService accepts commands synchronously from the gRPC and HTTP
// surfaces. NATS remains the high-throughput path; this one waits for the
// settlement so the caller sees the outcome.
type CommandService struct {
	submitChan chan<- core.Submission
	metrics    *observability.Metrics
	timeout    time.Duration
}

func NewCommandService(submitChan chan<- core.Submission, metrics *observability.Metrics) *CommandService {
	return &CommandService{
		submitChan: submitChan,
		metrics:    metrics,
		timeout:    10 * time.Second,
	}
}

// Submit applies a typed command and returns its settlement.
func (s *CommandService) Submit(ctx context.Context, cmd command.Command, source string) (*ledger.Settlement, error) {
	if s.metrics != nil {
		s.metrics.IngestReceived.WithLabelValues(source).Inc()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return core.Submit(ctx, s.submitChan, cmd)
}

// SubmitJSON parses the wire form of the named command and applies it.
func (s *CommandService) SubmitJSON(ctx context.Context, name string, data []byte, source string) (*ledger.Settlement, error) {
	commandType := command.ParseCommandType(name)
	if commandType == command.CommandTypeUnknown {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	cmd, err := ParseRawCommand(RawCommand{Data: data, Timestamp: time.Now()}, commandType)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IngestParseErrors.WithLabelValues(commandType.String()).Inc()
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return s.Submit(ctx, cmd, source)
}
