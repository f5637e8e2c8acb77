// Package block defines the interface required to read and write the state of the deeds contracts.
package block

import (
	"context"
	"errors"
	"log"

	"github.com/tarancss/deeds/lib/block/ethereum"
	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/config"
)

// ErrNoChain is returned when the configured chain has no implementation.
var ErrNoChain = errors.New("blockchain interface not defined")

// Chain is the gateway to the renting, deed, provisioning, WoM and UEM contracts. Amounts are already converted
// from their 1e18 fixed point and addresses are lowercase.
type Chain interface {
	// BlockNumber returns the current head block number.
	BlockNumber(ctx context.Context) (uint64, error)
	// TxStatus returns whether the transaction is pending, reverted or confirmed.
	TxStatus(ctx context.Context, hash string) (types.TxStatus, error)
	// Logs returns the logs emitted by the given contract between from and to (both included).
	Logs(ctx context.Context, contract types.Contract, from, to uint64) ([]types.Log, error)
	// OfferEvents decodes the renting offer events of a mined transaction. It returns an empty map when the
	// transaction is not mined or was reverted.
	OfferEvents(ctx context.Context, hash string) (map[types.OfferStatus]types.OfferState, error)
	// LeaseEvents decodes the lease events of a mined transaction. It returns an empty map when the transaction
	// is not mined or was reverted.
	LeaseEvents(ctx context.Context, hash string) (map[types.LeaseStatus]types.LeaseState, error)
	// Offer reads an offer tuple and tags it with block and hash. An empty hash is looked up from the creation
	// event of the offer.
	Offer(ctx context.Context, id, block uint64, hash string) (types.OfferState, error)
	Lease(ctx context.Context, id, block uint64, hash string) (types.LeaseState, error)
	IsOfferEnabled(ctx context.Context, id uint64) (bool, error)

	IsDeedOwner(ctx context.Context, address string, deedID uint64) (bool, error)
	IsDeedProvisioningManager(ctx context.Context, address string, deedID uint64) (bool, error)
	DeedCardType(ctx context.Context, deedID uint64) (int, error)
	DeedCity(ctx context.Context, deedID uint64) (int, error)

	// WomDeed reads the deed as registered in WoM. HubAddress is empty when the deed is not connected.
	WomDeed(ctx context.Context, deedID uint64) (types.WomDeed, error)
	// WomHub reads a hub from WoM, found is false when WoM doesn't know the address.
	WomHub(ctx context.Context, address string) (hub types.WomHub, found bool, err error)
	HubByDeed(ctx context.Context, deedID uint64) (string, error)
	HubOwner(ctx context.Context, address string) (string, error)
	// UpdateWomDeed sends a signed updateDeed transaction and returns its hash once mined.
	UpdateWomDeed(ctx context.Context, deedID uint64, deed types.WomDeed) (string, error)
	// UemRewardAmount returns the amount distributed per period by the UEM contract.
	UemRewardAmount(ctx context.Context) (float64, error)

	Close()
}

// New returns a client to the chain in the config.
func New(conf config.BlockConfig, signer config.SignerConfig) (Chain, error) {
	switch conf.Name {
	case "polygon", "amoy", "mumbai", "mainNet", "sepolia", "ganache":
		c, err := ethereum.New(conf, signer)
		if err != nil {
			return nil, err
		}

		return c, nil
	default:
		log.Printf("Blockchain interface not defined for %s.\n", conf.Name)

		return nil, ErrNoChain
	}
}
