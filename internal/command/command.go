package command

import (
	"ListingLedger/internal/listing"
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeCreateListing
	CommandTypeDeposit
	CommandTypeSetPrice
	CommandTypeBuy
	CommandTypeBid
	CommandTypeAcceptBid
	CommandTypeWithdraw
)

// Command is the interface all command payloads implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// ListingKey returns the listing the command targets
	ListingKey() listing.Key
}

// Envelope describes a command after the ledger committed it
type Envelope struct {
	// Ledger sequence of the resulting settlement
	Sequence uint64

	// Stable idempotency key from upstream
	IdempotencyKey string

	CommandType CommandType
	Listing     listing.Key

	// When the processor accepted the command
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// SHA-256 chain after and before this settlement
	StateHash [32]byte
	PrevHash  [32]byte
}

var commandNames = map[CommandType]string{
	CommandTypeCreateListing: "create_listing",
	CommandTypeDeposit:       "deposit",
	CommandTypeSetPrice:      "set_price",
	CommandTypeBuy:           "buy",
	CommandTypeBid:           "bid",
	CommandTypeAcceptBid:     "accept_bid",
	CommandTypeWithdraw:      "withdraw",
}

func (ct CommandType) String() string {
	if name, ok := commandNames[ct]; ok {
		return name
	}
	return "unknown"
}

// ParseCommandType maps a wire name such as "accept_bid" to its type.
func ParseCommandType(name string) CommandType {
	for ct, n := range commandNames {
		if n == name {
			return ct
		}
	}
	return CommandTypeUnknown
}

// All returns every known command type in declaration order.
func All() []CommandType {
	return []CommandType{
		CommandTypeCreateListing,
		CommandTypeDeposit,
		CommandTypeSetPrice,
		CommandTypeBuy,
		CommandTypeBid,
		CommandTypeAcceptBid,
		CommandTypeWithdraw,
	}
}
