// Package scanner implements the chain scanner of the indexer. The scanner reads the logs of the renting and WoM
// contracts from the last scanned block up to the head, and feeds the offer, lease and hub states of every
// transaction found to the reconciliation engine and the hub manager. The last scanned block is stored so a
// restarted indexer resumes where it stopped.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/deeds/hub"
	"github.com/tarancss/deeds/lib/block"
	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/deeds/lib/metrics"
	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/util"
	"github.com/tarancss/deeds/reconcile"
	"github.com/tarancss/deeds/reward"
)

// Status possible values, control whether a Scanner is working or is/has to stop.
const (
	WORK int = 0
	STOP int = 1
)

// BlockSetting is the setting holding the last scanned block.
const BlockSetting = "scanner.block"

// Defaults of the scanner.
const (
	DefaultMaxBlocks = 2000
	DefaultInterval  = 30 * time.Second
	DefaultWorkers   = 4
)

// Services are the components fed by the scanner.
type Services struct {
	Offers  *reconcile.Offers
	Leases  *reconcile.Leases
	Hubs    *hub.Manager
	Rewards *reward.Engine
}

// Scanner scans the deeds contracts. Block is the last block scanned.
type Scanner struct {
	chain    block.Chain
	svc      Services
	settings *store.Repo[store.Setting]
	conf     config.ScannerConfig

	maxBlocks  uint64
	startBlock uint64

	l      sync.Mutex
	status int
	Block  uint64
}

// New returns a scanner of chain. Call Load before scanning.
func New(db store.DB, chain block.Chain, svc Services, chainConf config.BlockConfig,
	conf config.ScannerConfig) *Scanner {
	if chainConf.MaxBlocks <= 0 {
		chainConf.MaxBlocks = DefaultMaxBlocks
	}

	if conf.Interval <= 0 {
		conf.Interval = DefaultInterval
	}

	if conf.Workers <= 0 {
		conf.Workers = DefaultWorkers
	}

	return &Scanner{
		chain:      chain,
		svc:        svc,
		settings:   store.NewRepo[store.Setting](db, store.Settings),
		conf:       conf,
		maxBlocks:  uint64(chainConf.MaxBlocks),
		startBlock: chainConf.StartBlock,
		status:     WORK,
	}
}

// Load reads the last scanned block from the store. Without one, scanning starts at the configured start block.
func (s *Scanner) Load(ctx context.Context) error {
	set, err := s.settings.Get(ctx, BlockSetting)

	switch {
	case errors.Is(err, store.ErrDataNotFound):
		s.setBlock(0)

		if s.startBlock > 0 {
			s.setBlock(s.startBlock - 1)
		}

		return nil
	case err != nil:
		return err
	}

	b, err := strconv.ParseUint(set.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("scanner: invalid %s setting %q: %w", BlockSetting, set.Value, err)
	}

	s.setBlock(b)

	return nil
}

// Scan scans the blocks mined since the last scanned one, at most the configured max blocks. It returns the
// number of transactions and hubs processed and whether the scanner caught up with the head. The last scanned
// block only moves forward when every log of the range was read.
func (s *Scanner) Scan(ctx context.Context) (n int, done bool, err error) {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("scanner: reading head: %w", err)
	}

	last := s.LastBlock()
	if head <= last {
		return 0, true, nil
	}

	from, to := last+1, head
	if to-last > s.maxBlocks {
		to = last + s.maxBlocks
	}

	renting, err := s.chain.Logs(ctx, types.Renting, from, to)
	if err != nil {
		return 0, false, fmt.Errorf("scanner: reading renting logs %d-%d: %w", from, to, err)
	}

	wom, err := s.chain.Logs(ctx, types.Wom, from, to)
	if err != nil {
		return 0, false, fmt.Errorf("scanner: reading wom logs %d-%d: %w", from, to, err)
	}

	for _, hash := range txHashes(renting) {
		if err = s.scanTx(ctx, hash); err != nil {
			return n, false, err
		}

		n++
	}

	for _, address := range hubAddresses(wom) {
		if _, errH := s.svc.Hubs.RefreshHub(ctx, address); errH != nil {
			log.Printf("[scanner] cannot refresh hub %s: %v", address, errH)
		}

		n++
	}

	if err = s.save(ctx, to); err != nil {
		return n, false, err
	}

	if n > 0 {
		log.Printf("[scanner] blocks %d-%d scanned, %d objects processed", from, to, n)
	}

	return n, to == head, nil
}

// scanTx applies the offer and lease events of a mined transaction. Only the chain reads can fail the scan, the
// states that can't be applied are logged.
func (s *Scanner) scanTx(ctx context.Context, hash string) error {
	offers, err := s.chain.OfferEvents(ctx, hash)
	if err != nil {
		return fmt.Errorf("scanner: reading offer events of %s: %w", hash, err)
	}

	leases, err := s.chain.LeaseEvents(ctx, hash)
	if err != nil {
		return fmt.Errorf("scanner: reading lease events of %s: %w", hash, err)
	}

	for _, status := range []types.OfferStatus{
		types.OfferCreated, types.OfferUpdated, types.OfferDeleted, types.OfferAcquired,
	} {
		state, ok := offers[status]
		if !ok {
			continue
		}

		if r, errO := s.svc.Offers.UpdateFromChain(ctx, state, true); errO != nil {
			log.Printf("[scanner] offer %d of %s not applied: %v", state.ID, hash, errO)
		} else {
			log.Printf("[scanner] offer %d %s by %s: %s", state.ID, status, hash, r)
		}
	}

	for _, status := range []types.LeaseStatus{
		types.LeaseAcquired, types.LeasePayed, types.LeaseEnded, types.LeaseManagerEvicted,
	} {
		state, ok := leases[status]
		if !ok {
			continue
		}

		if r, errL := s.svc.Leases.UpdateFromChain(ctx, state, status); errL != nil {
			log.Printf("[scanner] lease %d of %s not applied: %v", state.ID, hash, errL)
		} else {
			log.Printf("[scanner] lease %d %s by %s: %s", state.ID, status, hash, r)
		}
	}

	return nil
}

func (s *Scanner) save(ctx context.Context, b uint64) error {
	set := store.Setting{ID: BlockSetting, Value: strconv.FormatUint(b, 10)}
	if err := s.settings.Put(ctx, set.ID, set); err != nil {
		return fmt.Errorf("scanner: saving block %d: %w", b, err)
	}

	s.setBlock(b)
	metrics.ScannerHead.Set(float64(b))

	return nil
}

// LastBlock returns the last block scanned.
func (s *Scanner) LastBlock() uint64 {
	s.l.Lock()
	defer s.l.Unlock()

	return s.Block
}

func (s *Scanner) setBlock(b uint64) {
	s.l.Lock()
	s.Block = b
	s.l.Unlock()
}

// Stop sets status to STOP.
func (s *Scanner) Stop() {
	s.l.Lock()
	s.status = STOP
	s.l.Unlock()
}

// Status returns the current scanner status.
func (s *Scanner) Status() int {
	s.l.Lock()
	defer s.l.Unlock()

	return s.status
}

// txHashes returns the hashes of the transactions of ls, in order and once. Logs removed by a reorg are skipped.
func txHashes(ls []types.Log) []string {
	var hashes []string

	seen := make(map[string]bool, len(ls))

	for _, l := range ls {
		if l.Removed || l.TxHash == "" || seen[l.TxHash] {
			continue
		}

		seen[l.TxHash] = true
		hashes = append(hashes, l.TxHash)
	}

	return hashes
}

// hubAddresses returns the hubs of the WoM connection logs, whose first indexed topic is the hub address.
func hubAddresses(ls []types.Log) []string {
	var addresses []string

	seen := make(map[string]bool, len(ls))

	for _, l := range ls {
		if l.Removed || len(l.Topics) < 2 {
			continue
		}

		a := util.Lower(common.HexToAddress(l.Topics[1]).Hex())

		if !seen[a] {
			seen[a] = true
			addresses = append(addresses, a)
		}
	}

	return addresses
}
