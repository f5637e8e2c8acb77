package ethereum

import (
	"context"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/tarancss/deeds/lib/block/types"
)

// rentingLogs groups the renting contract logs of a receipt by event name.
func (e *Ethereum) rentingLogs(r *gethtypes.Receipt) map[string][]*gethtypes.Log {
	byID := make(map[common.Hash]string, len(e.abis.renting.Events))
	for name, ev := range e.abis.renting.Events {
		byID[ev.ID] = name
	}

	m := make(map[string][]*gethtypes.Log)
	for _, l := range r.Logs {
		if l == nil || l.Address != e.renting || len(l.Topics) == 0 {
			continue
		}

		if name, ok := byID[l.Topics[0]]; ok {
			m[name] = append(m[name], l)
		}
	}

	return m
}

// first returns the first log of an event, warning when a transaction carries more than one.
func first(logs []*gethtypes.Log, name, hash string) *gethtypes.Log {
	if len(logs) == 0 {
		return nil
	}

	if len(logs) > 1 {
		log.Printf("[chain] %d %s events in transaction %s, only the first one is handled", len(logs), name, hash)
	}

	return logs[0]
}

// topicUint returns the indexed uint256 at position i.
func topicUint(l *gethtypes.Log, i int) uint64 {
	if len(l.Topics) <= i {
		return 0
	}

	return new(big.Int).SetBytes(l.Topics[i].Bytes()).Uint64()
}

func topicAddress(l *gethtypes.Log, i int) string {
	if len(l.Topics) <= i {
		return ""
	}

	return address(common.BytesToAddress(l.Topics[i].Bytes()))
}

// firstRent decodes the firstRent flag of a RentPaid event.
func (e *Ethereum) firstRent(l *gethtypes.Log) (bool, error) {
	m := make(map[string]interface{})
	if err := e.abis.renting.UnpackIntoMap(m, "RentPaid", l.Data); err != nil {
		return false, err
	}

	return boolean(m["firstRent"]), nil
}

// OfferEvents decodes the offer events of a mined and confirmed transaction.
func (e *Ethereum) OfferEvents(ctx context.Context, hash string) (map[types.OfferStatus]types.OfferState, error) {
	events := make(map[types.OfferStatus]types.OfferState)

	r, err := e.receipt(ctx, hash)
	if err != nil || r == nil || r.Status != gethtypes.ReceiptStatusSuccessful {
		return events, err
	}

	hash = strings.ToLower(hash)
	block := r.BlockNumber.Uint64()
	logs := e.rentingLogs(r)

	for name, status := range map[string]types.OfferStatus{
		"OfferCreated": types.OfferCreated,
		"OfferUpdated": types.OfferUpdated,
	} {
		if l := first(logs[name], name, hash); l != nil {
			if events[status], err = e.Offer(ctx, topicUint(l, 1), block, hash); err != nil {
				return nil, err
			}
		}
	}

	if l := first(logs["OfferDeleted"], "OfferDeleted", hash); l != nil {
		events[types.OfferDeleted] = types.OfferState{
			ID:               topicUint(l, 1),
			BlockNumber:      block,
			DeedID:           topicUint(l, 2),
			Creator:          topicAddress(l, 3),
			Price:            new(big.Int),
			AllDurationPrice: new(big.Int),
			TransactionHash:  hash,
		}
	}

	if l := first(logs["RentPaid"], "RentPaid", hash); l != nil {
		firstRent, err := e.firstRent(l)
		if err != nil {
			return nil, err
		}

		if firstRent {
			if events[types.OfferAcquired], err = e.Offer(ctx, topicUint(l, 1), block, hash); err != nil {
				return nil, err
			}
		}
	}

	return events, nil
}

// LeaseEvents decodes the lease events of a mined and confirmed transaction.
func (e *Ethereum) LeaseEvents(ctx context.Context, hash string) (map[types.LeaseStatus]types.LeaseState, error) {
	events := make(map[types.LeaseStatus]types.LeaseState)

	r, err := e.receipt(ctx, hash)
	if err != nil || r == nil || r.Status != gethtypes.ReceiptStatusSuccessful {
		return events, err
	}

	hash = strings.ToLower(hash)
	block := r.BlockNumber.Uint64()
	logs := e.rentingLogs(r)

	if l := first(logs["RentPaid"], "RentPaid", hash); l != nil {
		firstRent, err := e.firstRent(l)
		if err != nil {
			return nil, err
		}

		status := types.LeasePayed
		if firstRent {
			status = types.LeaseAcquired
		}

		if events[status], err = e.Lease(ctx, topicUint(l, 1), block, hash); err != nil {
			return nil, err
		}
	}

	for name, status := range map[string]types.LeaseStatus{
		"LeaseEnded":    types.LeaseEnded,
		"TenantEvicted": types.LeaseManagerEvicted,
	} {
		if l := first(logs[name], name, hash); l != nil {
			if events[status], err = e.Lease(ctx, topicUint(l, 1), block, hash); err != nil {
				return nil, err
			}
		}
	}

	return events, nil
}
