// Package types common blockchain types of the deeds contracts.
package types

import (
	"errors"
	"math"
	"math/big"
	"time"
)

// TxStatus is the status of a transaction as seen from the chain.
type TxStatus uint8

// Transaction status constants
const (
	TrxPending TxStatus = 0 // not mined yet
	TrxFailed  TxStatus = 1 // mined and reverted
	TrxSuccess TxStatus = 2 // mined and confirmed
)

// Mined returns true when the transaction is in a block, whatever its outcome.
func (s TxStatus) Mined() bool { return s != TrxPending }

func (s TxStatus) String() string {
	switch s {
	case TrxFailed:
		return "failed"
	case TrxSuccess:
		return "success"
	default:
		return "pending"
	}
}

// OfferStatus is the kind of a renting offer event found in a mined transaction.
type OfferStatus string

// Offer events.
const (
	OfferCreated  OfferStatus = "OFFER_CREATED"
	OfferUpdated  OfferStatus = "OFFER_UPDATED"
	OfferDeleted  OfferStatus = "OFFER_DELETED"
	OfferAcquired OfferStatus = "OFFER_ACQUIRED"
)

// LeaseStatus is the kind of a lease event found in a mined transaction.
type LeaseStatus string

// Lease events.
const (
	LeaseAcquired       LeaseStatus = "LEASE_ACQUIRED"
	LeasePayed          LeaseStatus = "LEASE_PAYED"
	LeaseEnded          LeaseStatus = "LEASE_ENDED"
	LeaseManagerEvicted LeaseStatus = "LEASE_MANAGER_EVICTED"
)

// OfferState is the renting offer tuple read from the renting contract, tagged with the block number it was
// observed at and the transaction hash that produced it.
type OfferState struct {
	ID                     uint64
	BlockNumber            uint64
	DeedID                 uint64
	Creator                string
	Months                 int
	NoticePeriod           int
	Price                  *big.Int
	AllDurationPrice       *big.Int
	StartDate              int64 // unix seconds
	ExpirationDate         int64 // unix seconds, 0 when the offer never expires
	ExpirationDays         int
	AuthorizedTenant       string
	OwnerMintingPercentage int
	TransactionHash        string
}

// Deleted returns true when the tuple is empty, which is what the contract returns for deleted offers.
func (o *OfferState) Deleted() bool {
	return o == nil || o.ID == 0 || o.DeedID == 0
}

// LeaseState is the lease tuple read from the renting contract.
type LeaseState struct {
	ID               uint64
	BlockNumber      uint64
	DeedID           uint64
	PaidMonths       int
	PaidRentsDate    int64
	NoticePeriodDate int64
	LeaseStartDate   int64
	LeaseEndDate     int64
	Tenant           string
	TransactionHash  string
}

// WomDeed is the deed tuple of the WoM registry. MintingPower is already divided by 10.
type WomDeed struct {
	City            int
	CardType        int
	MintingPower    float64
	MaxUsers        uint64
	OwnerAddress    string
	ManagerAddress  string
	HubAddress      string
	OwnerPercentage int
}

// WomHub is the hub tuple of the WoM registry.
type WomHub struct {
	DeedID   uint64
	Owner    string
	Enabled  bool
	JoinDate int64
}

// Log is a simplified event log entry.
type Log struct {
	Block   uint64
	TxHash  string
	Address string
	Topics  []string
	Removed bool
}

// Contract identifies the contracts whose logs can be scanned.
type Contract string

// Scanned contracts.
const (
	Renting Contract = "renting"
	Wom     Contract = "wom"
)

// Card types ordinals.
const (
	CardCommon = iota
	CardUncommon
	CardRare
	CardLegendary
)

// mintingPowers is indexed by card type.
var mintingPowers = []float64{1, 1.1, 1.3, 2}

// MaxUsers is indexed by card type.
var maxUsers = []uint64{100, 1000, 10000, 0}

// MintingPower returns the minting power multiplier of a card type.
func MintingPower(cardType int) (float64, error) {
	if cardType < 0 || cardType >= len(mintingPowers) {
		return 0, ErrCardType
	}

	return mintingPowers[cardType], nil
}

// MaxUsers returns the maximum number of hub users allowed for a card type, 0 being unlimited.
func MaxUsers(cardType int) (uint64, error) {
	if cardType < 0 || cardType >= len(maxUsers) {
		return 0, ErrCardType
	}

	return maxUsers[cardType], nil
}

// weiUnit is 1e18, the fixed point of token amounts.
var weiUnit = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// FromWei converts a 1e18 fixed-point amount into a decimal amount. A nil amount is 0.
func FromWei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}

	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiUnit).Float64()

	return f
}

// ToWei converts a decimal amount into a 1e18 fixed-point amount.
func ToWei(amount float64) (*big.Int, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, ErrWrongAmt
	}

	if amount < 0 {
		return nil, ErrNegativeAmt
	}

	f := new(big.Float).SetFloat64(amount)

	wei, _ := f.Mul(f, weiUnit).Int(nil)

	return wei, nil
}

// Unix converts unix seconds into a UTC time.
func Unix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// Error codes.
var (
	ErrCardType     = errors.New("unknown deed card type")
	ErrNoReceipt    = errors.New("transaction sent without receipt")
	ErrTxFailed     = errors.New("transaction failed")
	ErrNoSigner     = errors.New("no signing key configured")
	ErrNoContract   = errors.New("contract address not configured")
	ErrWrongAmt     = errors.New("amount is not a valid decimal")
	ErrNegativeAmt  = errors.New("amount is negative")
	ErrEmptyAddress = errors.New("empty address")
)
