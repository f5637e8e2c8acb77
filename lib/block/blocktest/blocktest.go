// Package blocktest provides an in-memory block.Chain for tests of the packages using the chain gateway.
package blocktest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarancss/deeds/lib/block/types"
)

// Chain is a programmable fake chain. All fields can be set before use, and the setters can be used
// concurrently with the reads.
type Chain struct {
	mu sync.Mutex

	Head        uint64
	Txs         map[string]types.TxStatus
	OfferEvts   map[string]map[types.OfferStatus]types.OfferState
	LeaseEvts   map[string]map[types.LeaseStatus]types.LeaseState
	Offers      map[uint64]types.OfferState
	Leases      map[uint64]types.LeaseState
	Owners      map[uint64]string // deed id -> owner
	Managers    map[uint64]string // deed id -> provisioning manager
	CardTypes   map[uint64]int
	Cities      map[uint64]int
	WomDeeds    map[uint64]types.WomDeed
	WomHubs     map[string]types.WomHub
	RewardAmt   float64
	LogList     []types.Log
	UpdatedWith []types.WomDeed // updateDeed calls received

	// ReadDelay is slept by Offer and Lease, to widen concurrency windows in tests.
	ReadDelay time.Duration
	// Err is returned by every call when set.
	Err error
	// SendErr is returned by UpdateWomDeed when set.
	SendErr error

	offerReads int64
	leaseReads int64
}

// New returns an empty fake chain at block 1.
func New() *Chain {
	return &Chain{
		Head:      1,
		Txs:       map[string]types.TxStatus{},
		OfferEvts: map[string]map[types.OfferStatus]types.OfferState{},
		LeaseEvts: map[string]map[types.LeaseStatus]types.LeaseState{},
		Offers:    map[uint64]types.OfferState{},
		Leases:    map[uint64]types.LeaseState{},
		Owners:    map[uint64]string{},
		Managers:  map[uint64]string{},
		CardTypes: map[uint64]int{},
		Cities:    map[uint64]int{},
		WomDeeds:  map[uint64]types.WomDeed{},
		WomHubs:   map[string]types.WomHub{},
	}
}

// OfferReads returns the number of Offer calls served.
func (c *Chain) OfferReads() int64 { return atomic.LoadInt64(&c.offerReads) }

// LeaseReads returns the number of Lease calls served.
func (c *Chain) LeaseReads() int64 { return atomic.LoadInt64(&c.leaseReads) }

// Mine sets the status of a transaction and moves the head forward.
func (c *Chain) Mine(hash string, status types.TxStatus) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Head++
	c.Txs[strings.ToLower(hash)] = status

	return c.Head
}

// SetOffer stores an offer tuple.
func (c *Chain) SetOffer(o types.OfferState) {
	c.mu.Lock()
	c.Offers[o.ID] = o
	c.mu.Unlock()
}

// SetLease stores a lease tuple.
func (c *Chain) SetLease(l types.LeaseState) {
	c.mu.Lock()
	c.Leases[l.ID] = l
	c.mu.Unlock()
}

// SetOfferEvents stores the offer events of a transaction and mines it.
func (c *Chain) SetOfferEvents(hash string, evs map[types.OfferStatus]types.OfferState) {
	c.mu.Lock()
	c.OfferEvts[strings.ToLower(hash)] = evs
	c.mu.Unlock()
	c.Mine(hash, types.TrxSuccess)
}

// SetLeaseEvents stores the lease events of a transaction and mines it.
func (c *Chain) SetLeaseEvents(hash string, evs map[types.LeaseStatus]types.LeaseState) {
	c.mu.Lock()
	c.LeaseEvts[strings.ToLower(hash)] = evs
	c.mu.Unlock()
	c.Mine(hash, types.TrxSuccess)
}

// SetWomHub registers a hub in WoM.
func (c *Chain) SetWomHub(address string, h types.WomHub) {
	c.mu.Lock()
	c.WomHubs[strings.ToLower(address)] = h
	c.mu.Unlock()
}

// SetWomDeed registers a deed in WoM.
func (c *Chain) SetWomDeed(deedID uint64, d types.WomDeed) {
	c.mu.Lock()
	c.WomDeeds[deedID] = d
	c.mu.Unlock()
}

// Updates returns a copy of the updateDeed calls received.
func (c *Chain) Updates() []types.WomDeed {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]types.WomDeed(nil), c.UpdatedWith...)
}

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.Head, c.Err
}

func (c *Chain) TxStatus(_ context.Context, hash string) (types.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.Txs[strings.ToLower(hash)], c.Err
}

func (c *Chain) Logs(_ context.Context, _ types.Contract, from, to uint64) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ls []types.Log

	for _, l := range c.LogList {
		if l.Block >= from && l.Block <= to {
			ls = append(ls, l)
		}
	}

	return ls, c.Err
}

func (c *Chain) OfferEvents(_ context.Context, hash string) (map[types.OfferStatus]types.OfferState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash = strings.ToLower(hash)
	m := map[types.OfferStatus]types.OfferState{}

	if c.Txs[hash] == types.TrxSuccess {
		for k, v := range c.OfferEvts[hash] {
			m[k] = v
		}
	}

	return m, c.Err
}

func (c *Chain) LeaseEvents(_ context.Context, hash string) (map[types.LeaseStatus]types.LeaseState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash = strings.ToLower(hash)
	m := map[types.LeaseStatus]types.LeaseState{}

	if c.Txs[hash] == types.TrxSuccess {
		for k, v := range c.LeaseEvts[hash] {
			m[k] = v
		}
	}

	return m, c.Err
}

func (c *Chain) Offer(_ context.Context, id, block uint64, hash string) (types.OfferState, error) {
	atomic.AddInt64(&c.offerReads, 1)
	time.Sleep(c.ReadDelay)

	c.mu.Lock()
	defer c.mu.Unlock()

	o := c.Offers[id]
	o.BlockNumber = block

	if hash != "" {
		o.TransactionHash = strings.ToLower(hash)
	}

	return o, c.Err
}

func (c *Chain) Lease(_ context.Context, id, block uint64, hash string) (types.LeaseState, error) {
	atomic.AddInt64(&c.leaseReads, 1)
	time.Sleep(c.ReadDelay)

	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.Leases[id]
	l.BlockNumber = block
	l.TransactionHash = strings.ToLower(hash)

	return l, c.Err
}

func (c *Chain) IsOfferEnabled(_ context.Context, id uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.Offers[id]
	_, leased := c.Leases[id]

	return ok && o.ID == id && !leased, c.Err
}

func (c *Chain) IsDeedOwner(_ context.Context, address string, deedID uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return address != "" && strings.EqualFold(c.Owners[deedID], address), c.Err
}

func (c *Chain) IsDeedProvisioningManager(_ context.Context, address string, deedID uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.Managers[deedID]
	if !ok {
		m = c.Owners[deedID]
	}

	return address != "" && strings.EqualFold(m, address), c.Err
}

func (c *Chain) DeedCardType(_ context.Context, deedID uint64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.CardTypes[deedID], c.Err
}

func (c *Chain) DeedCity(_ context.Context, deedID uint64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.Cities[deedID], c.Err
}

func (c *Chain) WomDeed(_ context.Context, deedID uint64) (types.WomDeed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.WomDeeds[deedID], c.Err
}

func (c *Chain) WomHub(_ context.Context, address string) (types.WomHub, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.WomHubs[strings.ToLower(address)]

	return h, ok, c.Err
}

func (c *Chain) HubByDeed(_ context.Context, deedID uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.WomDeeds[deedID].HubAddress, c.Err
}

func (c *Chain) HubOwner(_ context.Context, address string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.WomHubs[strings.ToLower(address)].Owner, c.Err
}

// UpdateWomDeed records the call and applies it to the WoM deed, keeping the hub address.
func (c *Chain) UpdateWomDeed(_ context.Context, deedID uint64, d types.WomDeed) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Err != nil {
		return "", c.Err
	}

	if c.SendErr != nil {
		return "", c.SendErr
	}

	c.UpdatedWith = append(c.UpdatedWith, d)
	d.HubAddress = c.WomDeeds[deedID].HubAddress
	c.WomDeeds[deedID] = d
	c.Head++
	hash := fmt.Sprintf("0x%064x", c.Head)
	c.Txs[hash] = types.TrxSuccess

	return hash, nil
}

func (c *Chain) UemRewardAmount(context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.RewardAmt, c.Err
}

func (c *Chain) Close() {}
