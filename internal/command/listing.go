package command

import (
	"ListingLedger/internal/listing"

	"github.com/google/uuid"
)

// Target names the listing a command acts on.
type Target struct {
	Seller  listing.Address `json:"seller"`
	AssetID uint64          `json:"asset_id"`
	Nonce   uint64          `json:"nonce"`
}

func (t Target) ListingKey() listing.Key {
	return listing.Key{Seller: t.Seller, AssetID: t.AssetID, Nonce: t.Nonce}
}

// CreateListing opens a listing with its first deposit.
// Idempotency key: command_id (UUID from the dispatcher).
type CreateListing struct {
	CommandID uuid.UUID `json:"command_id"`
	Target
	Quantity      uint64 `json:"quantity"`
	UnitPrice     uint64 `json:"unit_price"`
	EscrowFeePaid uint64 `json:"escrow_fee_paid"`
}

func (c *CreateListing) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *CreateListing) CommandType() CommandType {
	return CommandTypeCreateListing
}

// Deposit adds inventory to an existing listing.
type Deposit struct {
	CommandID uuid.UUID `json:"command_id"`
	Target
	Quantity uint64 `json:"quantity"`
}

func (c *Deposit) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *Deposit) CommandType() CommandType {
	return CommandTypeDeposit
}

// SetPrice changes the posted unit price.
type SetPrice struct {
	CommandID uuid.UUID `json:"command_id"`
	Target
	UnitPrice uint64 `json:"unit_price"`
}

func (c *SetPrice) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *SetPrice) CommandType() CommandType {
	return CommandTypeSetPrice
}

// Buy purchases at the posted price. Payment went buyer to seller directly.
type Buy struct {
	CommandID uuid.UUID `json:"command_id"`
	Target
	Buyer    listing.Address `json:"buyer"`
	Quantity uint64          `json:"quantity"`
	Payment  uint64          `json:"payment"`
}

func (c *Buy) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *Buy) CommandType() CommandType {
	return CommandTypeBuy
}

// Bid places a new highest bid. Payment went bidder to escrow.
type Bid struct {
	CommandID uuid.UUID `json:"command_id"`
	Target
	Bidder    listing.Address `json:"bidder"`
	Quantity  uint64          `json:"quantity"`
	UnitPrice uint64          `json:"unit_price"`
	Payment   uint64          `json:"payment"`
}

func (c *Bid) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *Bid) CommandType() CommandType {
	return CommandTypeBid
}

// AcceptBid settles the current bid.
type AcceptBid struct {
	CommandID uuid.UUID `json:"command_id"`
	Target
}

func (c *AcceptBid) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *AcceptBid) CommandType() CommandType {
	return CommandTypeAcceptBid
}

// Withdraw closes the listing.
type Withdraw struct {
	CommandID uuid.UUID `json:"command_id"`
	Target
}

func (c *Withdraw) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *Withdraw) CommandType() CommandType {
	return CommandTypeWithdraw
}
