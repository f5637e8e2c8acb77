package scanner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/pool"
	"github.com/tarancss/deeds/reconcile"
)

// pending is a transaction checked by CheckPending, with the events read from the chain once mined.
type pending struct {
	reconcile.Pending
	lease  bool
	mined  bool
	offers map[types.OfferStatus]types.OfferState
	leases map[types.LeaseStatus]types.LeaseState
}

// Explore starts the scanning loop and the periodic tasks, each on its own go routine. The returned channel is
// written once all of them returned, after ctx is done or the loop noticed Stop was called.
func (s *Scanner) Explore(ctx context.Context) chan string {
	ret := make(chan string, 1)

	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup

	run := func(name string, fn func(context.Context)) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			fn(ctx)
			log.Printf("[scanner] %s stopped", name)
		}()
	}

	log.Printf("[scanner] exploring from block %d...", s.LastBlock()+1)

	// the tasks stop with the scanning loop
	run("scan", func(ctx context.Context) {
		defer cancel()
		s.scanLoop(ctx)
	})
	run("pending", func(ctx context.Context) {
		s.every(ctx, "pending", s.conf.PendingInterval, func(ctx context.Context) error {
			_, err := s.CheckPending(ctx)

			return err
		})
	})
	run("rewards", func(ctx context.Context) { s.every(ctx, "rewards", s.conf.RewardInterval, s.CheckRewards) })
	run("hubs", func(ctx context.Context) {
		s.every(ctx, "hubs", s.conf.HubInterval, func(ctx context.Context) error {
			n, err := s.svc.Hubs.CheckStatus(ctx)
			if n > 0 {
				log.Printf("[scanner] %d hubs disconnected", n)
			}

			return err
		})
	})

	go func() {
		wg.Wait()
		ret <- fmt.Sprintf("Done! last block %d", s.LastBlock())
	}()

	return ret
}

// scanLoop scans until the scanner is stopped. It waits for the scan interval once caught up with the head, or
// after a failure.
func (s *Scanner) scanLoop(ctx context.Context) {
	for s.Status() == WORK && ctx.Err() == nil {
		_, done, err := s.Scan(ctx)
		if err != nil {
			log.Printf("[scanner] scan failed at block %d: %v", s.LastBlock()+1, err)
		}

		if err == nil && !done {
			continue
		}

		if !sleep(ctx, s.conf.Interval) {
			return
		}
	}
}

// every runs fn each interval until the scanner is stopped. A zero interval disables the task.
func (s *Scanner) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		log.Printf("[scanner] task %s disabled", name)

		return
	}

	for s.Status() == WORK && sleep(ctx, interval) {
		if err := fn(ctx); err != nil {
			log.Printf("[scanner] task %s failed: %v", name, err)
		}
	}
}

// CheckPending applies the transactions of offers, changelogs and leases that were mined since they were sent.
// The chain is read by a pool of workers, then the transactions are applied oldest first. It returns the number
// of transactions applied.
func (s *Scanner) CheckPending(ctx context.Context) (int, error) {
	offers, err := s.svc.Offers.PendingTransactions(ctx)
	if err != nil {
		return 0, err
	}

	leases, err := s.svc.Leases.PendingTransactions(ctx)
	if err != nil {
		return 0, err
	}

	ps := make([]*pending, 0, len(offers)+len(leases))
	for _, p := range offers {
		ps = append(ps, &pending{Pending: p})
	}

	for _, p := range leases {
		ps = append(ps, &pending{Pending: p, lease: true})
	}

	if len(ps) == 0 {
		return 0, nil
	}

	failed := pool.Each(ctx, "pending", s.conf.Workers, ps, s.readPending)
	if failed > 0 {
		log.Printf("[scanner] %d/%d pending transactions could not be read", failed, len(ps))
	}

	n := 0

	for _, p := range ps {
		if !p.mined {
			continue
		}

		var r reconcile.Result

		if p.lease {
			r, err = s.svc.Leases.ApplyTransactionEvents(ctx, p.ID, p.TransactionHash, p.leases)
		} else {
			r, err = s.svc.Offers.ApplyTransactionEvents(ctx, p.ID, p.offers)
		}

		if err != nil {
			log.Printf("[scanner] transaction %s of %s not applied: %v", p.TransactionHash, p.ID, err)

			continue
		}

		log.Printf("[scanner] transaction %s of %s: %s", p.TransactionHash, p.ID, r)

		n++
	}

	return n, nil
}

func (s *Scanner) readPending(ctx context.Context, p *pending) error {
	st, err := s.chain.TxStatus(ctx, p.TransactionHash)
	if err != nil {
		return err
	}

	if !st.Mined() {
		return nil
	}

	if p.lease {
		p.leases, err = s.chain.LeaseEvents(ctx, p.TransactionHash)
	} else {
		p.offers, err = s.chain.OfferEvents(ctx, p.TransactionHash)
	}

	if err != nil {
		return err
	}

	// reverted transactions have no events
	if st == types.TrxFailed {
		p.offers, p.leases = nil, nil
	}

	p.mined = true

	return nil
}

// CheckRewards computes the reward of the last finished week, then refreshes the status of the rewards whose
// transactions are pending.
func (s *Scanner) CheckRewards(ctx context.Context) error {
	if _, err := s.svc.Rewards.ComputePending(ctx); err != nil {
		log.Printf("[scanner] cannot compute the last reward: %v", err)
	}

	rewards, err := s.svc.Rewards.Pending(ctx)
	if err != nil {
		return err
	}

	for _, r := range rewards {
		if _, err = s.svc.Rewards.RefreshStatus(ctx, r.ID); err != nil {
			log.Printf("[scanner] cannot refresh reward %s: %v", r.ID, err)
		}
	}

	return nil
}

// sleep waits for d and returns false when ctx is done first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
