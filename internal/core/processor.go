package core

import (
	"ListingLedger/internal/command"
	"ListingLedger/internal/ledger"
	"ListingLedger/internal/listing"
	"ListingLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrDuplicateCommand is returned for a command whose idempotency key was
// already committed. The original result stands.
var ErrDuplicateCommand = errors.New("duplicate command")

// AssetResolver supplies the decimals an operation is priced with.
type AssetResolver interface {
	Lookup(assetID uint64) (listing.Asset, error)
}

// CoreOutput is one committed command, fanned out to the event log.
type CoreOutput struct {
	Envelope   *command.Envelope
	Settlement *ledger.Settlement
}

// Submission carries a command into the processor loop. Reply, when set,
// receives exactly one Result and must be buffered.
type Submission struct {
	Command    command.Command
	ReceivedAt time.Time
	Reply      chan<- Result
}

type Result struct {
	Settlement *ledger.Settlement
	Err        error
}

// Processor is the single command loop in front of the ledger.
type Processor struct {
	ledger      *ledger.Ledger
	assets      AssetResolver
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	persistChan chan<- CoreOutput
	relayNotify chan<- struct{}
}

// Config wires a Processor. Channels and DBChecker may be nil.
type Config struct {
	Ledger      *ledger.Ledger
	Assets      AssetResolver
	PersistChan chan<- CoreOutput
	RelayNotify chan<- struct{}
	DBChecker   DBIdempotencyChecker
	LRUCapacity int
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
	Clock       func() time.Time
}

func NewProcessor(cfg Config) *Processor {
	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Processor{
		ledger:      cfg.Ledger,
		assets:      cfg.Assets,
		idempotency: NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         clock,
		persistChan: cfg.PersistChan,
		relayNotify: cfg.RelayNotify,
	}
}

// Process applies one command. Rejections leave the ledger untouched.
func (p *Processor) Process(cmd command.Command) (*ledger.Settlement, error) {
	return p.process(Submission{Command: cmd})
}

func (p *Processor) process(sub Submission) (*ledger.Settlement, error) {
	start := time.Now()
	cmd := sub.Command
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: idempotency check (two-tier)
	if p.idempotency.IsDuplicate(commandType, idempotencyKey) {
		p.reject(commandType, "duplicate")
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateCommand, commandType, idempotencyKey)
	}

	// Step 2: resolve pricing precision
	asset, err := p.assets.Lookup(cmd.ListingKey().AssetID)
	if err != nil {
		p.reject(commandType, listing.Reason(err))
		return nil, err
	}

	// Step 3: apply to the ledger
	s, err := p.dispatch(cmd, asset)
	if err != nil {
		p.reject(commandType, listing.Reason(err))
		p.logger.Debug().
			Err(err).
			Str("command_type", commandType).
			Str("idempotency_key", idempotencyKey).
			Msg("command rejected")
		return nil, err
	}

	// Step 4: emit
	payload, err := json.Marshal(cmd)
	if err != nil {
		// The settlement is already committed; an unencodable payload only
		// costs the event log its copy of the input.
		p.logger.Error().Err(err).Uint64("sequence", s.Sequence).Msg("encode command payload")
	}

	output := CoreOutput{
		Envelope: &command.Envelope{
			Sequence:       s.Sequence,
			IdempotencyKey: idempotencyKey,
			CommandType:    cmd.CommandType(),
			Listing:        s.Key,
			Timestamp:      p.now(),
			Payload:        payload,
			StateHash:      s.StateHash,
			PrevHash:       s.PrevHash,
		},
		Settlement: s,
	}

	// Persistence: blocking send. The loop stalls until the event log
	// worker drains so no committed command goes unlogged.
	if p.persistChan != nil {
		select {
		case p.persistChan <- output:
		default:
			if p.metrics != nil {
				p.metrics.PersistBackpressure.Inc()
			}
			p.persistChan <- output
		}
	}

	// Relay wake-up: non-blocking; one pending signal is enough because
	// the relay drains the whole outbox.
	if p.relayNotify != nil && len(s.Outbound()) > 0 {
		select {
		case p.relayNotify <- struct{}{}:
		default:
			if p.metrics != nil {
				p.metrics.RelayNotifyDrops.Inc()
			}
		}
	}

	// Step 5: remember the key
	p.idempotency.MarkProcessed(commandType, idempotencyKey)

	if p.metrics != nil {
		p.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		p.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		p.metrics.CoreSequence.Set(float64(s.Sequence))
		for _, t := range s.Transfers {
			p.metrics.CoreTransfers.WithLabelValues(t.TransferType.String()).Inc()
		}
		switch cmd.CommandType() {
		case command.CommandTypeCreateListing:
			p.metrics.LiveListings.Inc()
		case command.CommandTypeWithdraw:
			p.metrics.LiveListings.Dec()
		}
		if !sub.ReceivedAt.IsZero() {
			p.metrics.IngestToApply.WithLabelValues(commandType).Observe(time.Since(sub.ReceivedAt).Seconds())
		}
	}

	return s, nil
}

func (p *Processor) dispatch(cmd command.Command, asset listing.Asset) (*ledger.Settlement, error) {
	switch c := cmd.(type) {
	case *command.CreateListing:
		return p.ledger.CreateListing(c.Seller, asset, c.Nonce, c.Quantity, c.UnitPrice, c.EscrowFeePaid)
	case *command.Deposit:
		return p.ledger.Deposit(c.Seller, asset, c.Nonce, c.Quantity)
	case *command.SetPrice:
		return p.ledger.SetPrice(c.Seller, asset, c.Nonce, c.UnitPrice)
	case *command.Buy:
		return p.ledger.Buy(c.Seller, asset, c.Nonce, c.Buyer, c.Quantity, c.Payment)
	case *command.Bid:
		return p.ledger.Bid(c.Seller, asset, c.Nonce, c.Bidder, c.Quantity, c.UnitPrice, c.Payment)
	case *command.AcceptBid:
		return p.ledger.AcceptBid(c.Seller, asset, c.Nonce)
	case *command.Withdraw:
		return p.ledger.Withdraw(c.Seller, asset, c.Nonce)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

func (p *Processor) reject(commandType, reason string) {
	if p.metrics != nil {
		p.metrics.CoreCommandsRejected.WithLabelValues(commandType, reason).Inc()
	}
}

// Run drains submissions until ctx is done or in is closed. Every
// submission from every ingestion surface goes through this one loop.
func (p *Processor) Run(ctx context.Context, in <-chan Submission) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub, ok := <-in:
			if !ok {
				return nil
			}
			s, err := p.process(sub)
			if sub.Reply != nil {
				sub.Reply <- Result{Settlement: s, Err: err}
			} else if err != nil && !errors.Is(err, ErrDuplicateCommand) {
				p.logger.Warn().
					Err(err).
					Str("command_type", sub.Command.CommandType().String()).
					Str("idempotency_key", sub.Command.IdempotencyKey()).
					Msg("command failed")
			}
		}
	}
}

// Submit hands cmd to a running loop and waits for its result.
func Submit(ctx context.Context, in chan<- Submission, cmd command.Command) (*ledger.Settlement, error) {
	reply := make(chan Result, 1)
	sub := Submission{Command: cmd, ReceivedAt: time.Now(), Reply: reply}

	select {
	case in <- sub:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.Settlement, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WarmLRU loads recently committed composite keys into the dedup cache.
func (p *Processor) WarmLRU(keys []string) {
	p.idempotency.Warm(keys)
}

// IdempotencyStats exposes dedup counters.
func (p *Processor) IdempotencyStats() IdempotencyStats {
	return p.idempotency.Stats()
}
