package ingestion

import (
	"ListingLedger/internal/command"
	"ListingLedger/internal/listing"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMalformedCommand = errors.New("malformed command")
)

// RawCommand is a command as received, before it is typed.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK the NATS message
	NakFunc   func() // NAK on failure (will be redelivered)
}

// SubjectPrefix is the NATS subject root for inbound commands:
// market.commands.<command_type>[.<partition>...]
const SubjectPrefix = "market.commands."

// CommandTypeFromSubject resolves the command type encoded in a subject.
func CommandTypeFromSubject(subject string) command.CommandType {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok {
		return command.CommandTypeUnknown
	}
	name, _, _ := strings.Cut(rest, ".")
	return command.ParseCommandType(name)
}

// ParseRawCommand converts JSON bytes into a typed command.Command.
func ParseRawCommand(raw RawCommand, commandType command.CommandType) (command.Command, error) {
	switch commandType {
	case command.CommandTypeCreateListing:
		return parseCreateListing(raw.Data)
	case command.CommandTypeDeposit:
		return parseDeposit(raw.Data)
	case command.CommandTypeSetPrice:
		return parseSetPrice(raw.Data)
	case command.CommandTypeBuy:
		return parseBuy(raw.Data)
	case command.CommandTypeBid:
		return parseBid(raw.Data)
	case command.CommandTypeAcceptBid:
		return parseAcceptBid(raw.Data)
	case command.CommandTypeWithdraw:
		return parseWithdraw(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream dispatchers. Addresses are
// 64-character hex strings.

type targetJSON struct {
	CommandID string `json:"command_id"`
	Seller    string `json:"seller"`
	AssetID   uint64 `json:"asset_id"`
	Nonce     uint64 `json:"nonce"`
}

func (j targetJSON) parse() (uuid.UUID, command.Target, error) {
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return uuid.Nil, command.Target{}, fmt.Errorf("parse command_id: %w", err)
	}
	seller, err := listing.ParseAddress(j.Seller)
	if err != nil {
		return uuid.Nil, command.Target{}, fmt.Errorf("parse seller: %w", err)
	}
	return id, command.Target{Seller: seller, AssetID: j.AssetID, Nonce: j.Nonce}, nil
}

type createListingJSON struct {
	targetJSON
	Quantity      uint64 `json:"quantity"`
	UnitPrice     uint64 `json:"unit_price"`
	EscrowFeePaid uint64 `json:"escrow_fee_paid"`
}

func parseCreateListing(data []byte) (*command.CreateListing, error) {
	var j createListingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse create_listing: %w", err)
	}
	id, target, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &command.CreateListing{
		CommandID:     id,
		Target:        target,
		Quantity:      j.Quantity,
		UnitPrice:     j.UnitPrice,
		EscrowFeePaid: j.EscrowFeePaid,
	}, nil
}

type depositJSON struct {
	targetJSON
	Quantity uint64 `json:"quantity"`
}

func parseDeposit(data []byte) (*command.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse deposit: %w", err)
	}
	id, target, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &command.Deposit{CommandID: id, Target: target, Quantity: j.Quantity}, nil
}

type setPriceJSON struct {
	targetJSON
	UnitPrice uint64 `json:"unit_price"`
}

func parseSetPrice(data []byte) (*command.SetPrice, error) {
	var j setPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse set_price: %w", err)
	}
	id, target, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &command.SetPrice{CommandID: id, Target: target, UnitPrice: j.UnitPrice}, nil
}

type buyJSON struct {
	targetJSON
	Buyer    string `json:"buyer"`
	Quantity uint64 `json:"quantity"`
	Payment  uint64 `json:"payment"`
}

func parseBuy(data []byte) (*command.Buy, error) {
	var j buyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse buy: %w", err)
	}
	id, target, err := j.parse()
	if err != nil {
		return nil, err
	}
	buyer, err := listing.ParseAddress(j.Buyer)
	if err != nil {
		return nil, fmt.Errorf("parse buyer: %w", err)
	}
	return &command.Buy{
		CommandID: id,
		Target:    target,
		Buyer:     buyer,
		Quantity:  j.Quantity,
		Payment:   j.Payment,
	}, nil
}

type bidJSON struct {
	targetJSON
	Bidder    string `json:"bidder"`
	Quantity  uint64 `json:"quantity"`
	UnitPrice uint64 `json:"unit_price"`
	Payment   uint64 `json:"payment"`
}

func parseBid(data []byte) (*command.Bid, error) {
	var j bidJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse bid: %w", err)
	}
	id, target, err := j.parse()
	if err != nil {
		return nil, err
	}
	bidder, err := listing.ParseAddress(j.Bidder)
	if err != nil {
		return nil, fmt.Errorf("parse bidder: %w", err)
	}
	return &command.Bid{
		CommandID: id,
		Target:    target,
		Bidder:    bidder,
		Quantity:  j.Quantity,
		UnitPrice: j.UnitPrice,
		Payment:   j.Payment,
	}, nil
}

func parseAcceptBid(data []byte) (*command.AcceptBid, error) {
	var j targetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse accept_bid: %w", err)
	}
	id, target, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &command.AcceptBid{CommandID: id, Target: target}, nil
}

func parseWithdraw(data []byte) (*command.Withdraw, error) {
	var j targetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse withdraw: %w", err)
	}
	id, target, err := j.parse()
	if err != nil {
		return nil, err
	}
	return &command.Withdraw{CommandID: id, Target: target}, nil
}
