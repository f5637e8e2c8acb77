package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/tarancss/deeds/eventbus"
	"github.com/tarancss/deeds/lib/block"
	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/lock"
	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/util"
)

// Leases manages the leases of deeds. A lease has the chain id of the offer it was acquired from.
type Leases struct {
	chain   block.Chain
	bus     *eventbus.Bus
	offers  *Offers
	locks   *lock.Sharded
	timeout time.Duration

	leases *store.Repo[store.Lease]

	now func() time.Time
}

// NewLeases returns the leases manager. offers resolves the offers leases are acquired from.
func NewLeases(db store.DB, chain block.Chain, bus *eventbus.Bus, offers *Offers, locks *lock.Sharded,
	timeout time.Duration) *Leases {
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}

	if locks == nil {
		locks = lock.New("leases", 0)
	}

	return &Leases{
		chain:   chain,
		bus:     bus,
		offers:  offers,
		locks:   locks,
		timeout: timeout,
		leases:  store.NewRepo[store.Lease](db, store.Leases),
		now:     time.Now,
	}
}

// LeaseID returns the lease id of a chain offer id.
func LeaseID(chainOfferID uint64) string {
	return strconv.FormatUint(chainOfferID, 10)
}

// Create stores the lease of the offer offerID being acquired by manager with transaction txHash.
func (l *Leases) Create(ctx context.Context, manager, offerID, txHash string) (store.Lease, error) {
	offer, err := l.offers.get(ctx, offerID)
	if err != nil {
		return store.Lease{}, err
	}

	manager = util.Lower(manager)
	if manager == "" {
		return store.Lease{}, ErrEmptyManager
	}

	hash := util.Lower(txHash)
	if hash == "" {
		return store.Lease{}, ErrHashMandatory
	}

	if !offer.Confirmed() {
		return store.Lease{}, ErrOfferNotConfirmed
	}

	isOwner, err := l.chain.IsDeedOwner(ctx, offer.Owner, offer.NftID)
	if err != nil {
		return store.Lease{}, fmt.Errorf("checking owner of deed %d: %w", offer.NftID, err)
	}

	if !isOwner {
		return store.Lease{}, ErrNotDeedOwner
	}

	lease, err := l.fromOffer(ctx, offer, offer.Owner, manager, hash)
	if err != nil {
		return store.Lease{}, err
	}

	if err = l.save(ctx, &lease); err != nil {
		return store.Lease{}, err
	}

	publish(ctx, l.bus, "leases", EventLeaseAcquired, lease)

	return lease, nil
}

// PayRents records the payment of months of rent by manager with transaction txHash. When owner is the new
// owner of the deed, the leases of the deed are transferred to it.
func (l *Leases) PayRents(ctx context.Context, manager, owner, leaseID string, months int,
	txHash string) (store.Lease, error) {
	lease, err := l.get(ctx, leaseID)
	if err != nil {
		return store.Lease{}, err
	}

	if !util.EqualAddress(manager, lease.Manager) {
		return store.Lease{}, ErrNotLeaseManager
	}

	hash := util.Lower(txHash)
	if hash == "" {
		return store.Lease{}, ErrHashMandatory
	}

	lease.PendingTransactions = util.AddUnique(lease.PendingTransactions, hash)
	lease.TransactionStatus = store.TxInProgress
	lease.MonthPaymentInProgress = months

	transfer := false
	if owner != "" && !util.EqualAddress(owner, lease.Owner) {
		if transfer, err = l.chain.IsDeedOwner(ctx, owner, lease.NftID); err != nil {
			return store.Lease{}, fmt.Errorf("checking owner of deed %d: %w", lease.NftID, err)
		}

		if transfer {
			lease.Owner = util.Lower(owner)
		}
	}

	if err = l.save(ctx, &lease); err != nil {
		return store.Lease{}, err
	}

	if transfer {
		if err = l.TransferOwnership(ctx, owner, lease.NftID); err != nil {
			return store.Lease{}, err
		}
	}

	publish(ctx, l.bus, "leases", EventLeaseRentPayed, lease)

	return lease, nil
}

// End records the end of a lease sent with transaction txHash, by its manager or by the owner evicting the
// manager.
func (l *Leases) End(ctx context.Context, address, leaseID, txHash string) (store.Lease, error) {
	lease, err := l.get(ctx, leaseID)
	if err != nil {
		return store.Lease{}, err
	}

	event := EventLeaseEndSent

	switch {
	case util.EqualAddress(address, lease.Manager):
	case util.EqualAddress(address, lease.Owner):
		event = EventLeaseTenantEvict
	default:
		return store.Lease{}, ErrNotLeaseManager
	}

	hash := util.Lower(txHash)
	if hash == "" {
		return store.Lease{}, ErrHashMandatory
	}

	lease.PendingTransactions = util.AddUnique(lease.PendingTransactions, hash)
	lease.TransactionStatus = store.TxInProgress
	lease.EndingLease = true
	lease.EndingLeaseAddress = util.Lower(address)

	if err = l.save(ctx, &lease); err != nil {
		return store.Lease{}, err
	}

	publish(ctx, l.bus, "leases", event, lease)

	return lease, nil
}

// Get returns the lease id, refreshed from the chain first when refresh is set.
func (l *Leases) Get(ctx context.Context, id string, refresh bool) (store.Lease, error) {
	if refresh {
		err := refreshOnce(ctx, l.locks, l.timeout, "leases", lockID(id), func() error {
			_, errR := l.refresh(ctx, id)

			return errR
		})
		if err != nil {
			return store.Lease{}, err
		}
	}

	return l.get(ctx, id)
}

// Refresh reads the lease id from the chain, or the transactions of a lease not confirmed yet.
func (l *Leases) Refresh(ctx context.Context, id string) (Result, error) {
	release, err := l.locks.Acquire(ctx, lockID(id), l.timeout)
	if err != nil {
		return 0, err
	}
	defer release()

	return l.refresh(ctx, id)
}

func (l *Leases) refresh(ctx context.Context, id string) (r Result, err error) {
	defer func() {
		if err == nil {
			count("lease", r)
		}
	}()

	lease, err := l.get(ctx, id)
	if err != nil {
		return 0, err
	}

	if !lease.Confirmed {
		r = AlreadyApplied

		for _, hash := range append([]string(nil), lease.PendingTransactions...) {
			st, errS := l.chain.TxStatus(ctx, hash)
			if errS != nil {
				return 0, fmt.Errorf("reading status of %s: %w", hash, errS)
			}

			if !st.Mined() {
				continue
			}

			evs, errE := l.chain.LeaseEvents(ctx, hash)
			if errE != nil {
				return 0, fmt.Errorf("reading events of %s: %w", hash, errE)
			}

			if r, err = l.ApplyTransactionEvents(ctx, id, hash, evs); err != nil {
				return 0, err
			}
		}

		return r, nil
	}

	chainID, err := strconv.ParseUint(lease.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("lease id %q: %w", lease.ID, err)
	}

	head, err := l.chain.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading head block: %w", err)
	}

	state, err := l.chain.Lease(ctx, chainID, head, "")
	if err != nil {
		return 0, fmt.Errorf("reading lease %d: %w", chainID, err)
	}

	if state.ID == 0 {
		log.Printf("[leases] lease %s not found on chain", lease.ID)

		return Rejected, nil
	}

	return l.applyState(ctx, &lease, state, "", "")
}

// ApplyTransactionEvents applies the events of the mined transaction txHash of the lease id. No events means
// the transaction was reverted.
func (l *Leases) ApplyTransactionEvents(ctx context.Context, id, txHash string,
	evs map[types.LeaseStatus]types.LeaseState) (Result, error) {
	lease, err := l.get(ctx, id)
	if err != nil {
		return 0, err
	}

	if len(evs) == 0 {
		if err = l.saveTransactionAsError(ctx, &lease, txHash); err != nil {
			return 0, err
		}

		return Rejected, nil
	}

	if len(evs) > 1 {
		log.Printf("[leases] %d events in transaction %s, only one is applied", len(evs), txHash)
	}

	for _, status := range []types.LeaseStatus{
		types.LeaseAcquired, types.LeasePayed, types.LeaseEnded, types.LeaseManagerEvicted,
	} {
		if state, ok := evs[status]; ok {
			l.checkChainState(&lease, state)

			return l.applyState(ctx, &lease, state, status, txHash)
		}
	}

	return 0, fmt.Errorf("unknown lease events in transaction %s", txHash)
}

// UpdateFromChain applies a lease state read by the chain scanner. Leases unknown locally are created from the
// offer they were acquired from.
func (l *Leases) UpdateFromChain(ctx context.Context, state types.LeaseState,
	status types.LeaseStatus) (Result, error) {
	lease, err := l.leases.Get(ctx, LeaseID(state.ID))

	switch {
	case errors.Is(err, store.ErrDataNotFound):
		offer, errO := l.offers.GetByChainID(ctx, state.ID)
		if errO != nil {
			return 0, errO
		}

		if lease, err = l.fromOffer(ctx, offer, offer.Owner, state.Tenant, ""); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	}

	r, err := l.applyState(ctx, &lease, state, status, "")
	if err != nil {
		return 0, err
	}

	count("lease", r)

	return r, nil
}

// applyState copies the chain state into lease, then publishes the confirmation of status. States older than
// the last checked block of the stored lease are only used to clear the transaction hash.
func (l *Leases) applyState(ctx context.Context, lease *store.Lease, state types.LeaseState,
	status types.LeaseStatus, hash string) (Result, error) {
	if state.ID == 0 {
		return 0, ErrLeaseNotFound
	}

	hash = util.Lower(hash)
	if hash != "" {
		lease.PendingTransactions = util.Remove(lease.PendingTransactions, hash)
	}

	if state.BlockNumber > 0 {
		fresh, err := l.leases.Get(ctx, LeaseID(state.ID))

		switch {
		case err == nil && fresh.LastCheckedBlock >= state.BlockNumber:
			log.Printf("[leases] lease %s already updated at block %d (state of block %d)", fresh.ID,
				fresh.LastCheckedBlock, state.BlockNumber)

			if hash == "" {
				return AlreadyApplied, nil
			}

			if err = l.save(ctx, lease); err != nil {
				return 0, err
			}

			return AlreadyApplied, nil
		case err != nil && !errors.Is(err, store.ErrDataNotFound):
			return 0, err
		}
	}

	end := types.Unix(state.LeaseEndDate)
	if lease.EndingLease && !lease.EndDate.IsZero() && state.LeaseEndDate > 0 && end.Before(lease.EndDate) {
		lease.EndingLease = false
	}

	if lease.MonthPaymentInProgress > 0 {
		lease.MonthPaymentInProgress -= state.PaidMonths - lease.PaidMonths
		if lease.MonthPaymentInProgress < 0 {
			lease.MonthPaymentInProgress = 0
		}
	}

	lease.Confirmed = true
	lease.ID = LeaseID(state.ID)
	lease.NftID = state.DeedID
	lease.Manager = util.Lower(state.Tenant)
	lease.LastCheckedBlock = state.BlockNumber
	lease.PaidMonths = state.PaidMonths
	lease.PaidRentsDate = types.Unix(state.PaidRentsDate)
	lease.StartDate = types.Unix(state.LeaseStartDate)
	lease.EndDate = end
	lease.NoticeDate = types.Unix(state.NoticePeriodDate)

	if err := l.save(ctx, lease); err != nil {
		return 0, err
	}

	if event := confirmation(status); event != "" {
		publish(ctx, l.bus, "leases", event, *lease)
	}

	return Applied, nil
}

func confirmation(status types.LeaseStatus) string {
	switch status {
	case types.LeaseAcquired:
		return EventLeaseAcquisitionConfirmed
	case types.LeasePayed:
		return EventLeaseRentPaymentConfirmed
	case types.LeaseEnded:
		return EventLeaseEndedConfirmed
	case types.LeaseManagerEvicted:
		return EventLeaseTenantEvictedConfirmed
	default:
		return ""
	}
}

// checkChainState warns about local leases that don't match the chain. The chain values win.
func (l *Leases) checkChainState(lease *store.Lease, state types.LeaseState) {
	if lease.ID != LeaseID(state.ID) {
		slog.Warn("[leases] HACK: transaction of another lease", "lease", lease.ID, "chain", state.ID)
	}

	if lease.NftID != state.DeedID {
		slog.Warn("[leases] HACK: transaction of another deed", "lease", lease.ID, "local", lease.NftID, "chain",
			state.DeedID)
	}

	if !util.EqualAddress(lease.Manager, state.Tenant) {
		slog.Warn("[leases] HACK: transaction of another manager", "lease", lease.ID, "local", lease.Manager,
			"chain", state.Tenant)
	}
}

// TransferOwnership gives the running leases of the deed to its new owner.
func (l *Leases) TransferOwnership(ctx context.Context, newOwner string, nftID uint64) error {
	isOwner, err := l.chain.IsDeedOwner(ctx, newOwner, nftID)
	if err != nil {
		return fmt.Errorf("checking owner of deed %d: %w", nftID, err)
	}

	if !isOwner {
		return ErrNotDeedOwner
	}

	leases, err := l.leases.Find(ctx, store.Where(
		store.Eq("nftId", nftID), store.Eq("enabled", true), store.Gt("endDate", l.now().UTC())))
	if err != nil {
		return err
	}

	for i := range leases {
		leases[i].Owner = util.Lower(newOwner)

		if err = l.save(ctx, &leases[i]); err != nil {
			return err
		}
	}

	return nil
}

// SaveTransactionAsError handles the reverted transaction txHash of the lease id. A lease acquisition that
// never made it to the chain is disabled.
func (l *Leases) SaveTransactionAsError(ctx context.Context, id, txHash string) error {
	lease, err := l.get(ctx, id)
	if err != nil {
		return err
	}

	return l.saveTransactionAsError(ctx, &lease, txHash)
}

func (l *Leases) saveTransactionAsError(ctx context.Context, lease *store.Lease, txHash string) error {
	hash := util.Lower(txHash)
	if hash == "" {
		return nil
	}

	if lease.PaidMonths <= 0 && util.In(lease.PendingTransactions, hash) {
		log.Printf("[leases] disabling lease %s, its transaction %s reverted", lease.ID, hash)

		lease.Enabled = false
	}

	lease.EndingLease = false
	lease.MonthPaymentInProgress = 0
	lease.PendingTransactions = util.Remove(lease.PendingTransactions, hash)

	return l.save(ctx, lease)
}

// PendingTransactions returns the transactions of leases waiting to be mined, oldest lease first.
func (l *Leases) PendingTransactions(ctx context.Context) ([]Pending, error) {
	leases, err := l.leases.Find(ctx, store.Where(store.Eq("transactionStatus", store.TxInProgress)).
		OrderBy("createdDate", false))
	if err != nil {
		return nil, err
	}

	var ps []Pending

	for i := range leases {
		for _, hash := range leases[i].PendingTransactions {
			ps = append(ps, Pending{leases[i].ID, hash, leases[i].CreatedDate})
		}
	}

	sort.SliceStable(ps, func(i, j int) bool { return ps[i].CreatedDate.Before(ps[j].CreatedDate) })

	return ps, nil
}

func (l *Leases) get(ctx context.Context, id string) (store.Lease, error) {
	lease, err := l.leases.Get(ctx, id)
	if errors.Is(err, store.ErrDataNotFound) {
		return store.Lease{}, ErrLeaseNotFound
	}

	return lease, err
}

// fromOffer returns the stored lease of offer, or a new one built from it.
func (l *Leases) fromOffer(ctx context.Context, offer store.Offer, owner, manager, hash string) (store.Lease,
	error) {
	id := LeaseID(offer.OfferID)

	lease, err := l.leases.Get(ctx, id)

	switch {
	case errors.Is(err, store.ErrDataNotFound):
		now := l.now().UTC()
		lease = store.Lease{
			ID:                     id,
			NftID:                  offer.NftID,
			OfferID:                offer.ID,
			CardType:               offer.CardType,
			City:                   offer.City,
			MintingPower:           offer.MintingPower,
			Amount:                 offer.Amount,
			AllDurationAmount:      offer.AllDurationAmount,
			OwnerMintingPercentage: offer.OwnerMintingPercentage,
			Months:                 offer.Months,
			NoticeMonths:           offer.NoticeMonths,
			StartDate:              now,
			EndDate:                store.MaxDate,
			Enabled:                true,
			TransactionStatus:      store.TxInProgress,
			CreatedDate:            now,
		}

		if hash != "" {
			lease.PendingTransactions = []string{hash}
		}
	case err != nil:
		return store.Lease{}, err
	}

	if lease.Manager == "" {
		lease.Manager = util.Lower(manager)
	}

	if lease.Owner == "" {
		lease.Owner = util.Lower(owner)
	}

	return lease, nil
}

// save stores lease after computing its transaction status and who can see it.
func (l *Leases) save(ctx context.Context, lease *store.Lease) error {
	switch {
	case !lease.Enabled:
		lease.ViewAddresses = []string{}
	case !lease.Confirmed:
		lease.ViewAddresses = []string{util.Lower(lease.Owner), util.Lower(lease.Manager)}
	default:
		lease.ViewAddresses = []string{store.EveryoneAddress}
	}

	switch {
	case len(lease.PendingTransactions) > 0:
		lease.TransactionStatus = store.TxInProgress
	case lease.Confirmed:
		lease.TransactionStatus = store.TxValidated
	default:
		lease.TransactionStatus = store.TxError
	}

	if len(lease.PendingTransactions) == 0 {
		lease.EndingLease = false
		lease.MonthPaymentInProgress = 0
	}

	if err := l.leases.Put(ctx, lease.ID, *lease); err != nil {
		return fmt.Errorf("saving lease %s: %w", lease.ID, err)
	}

	return nil
}

func lockID(leaseID string) string { return "lease-" + leaseID }
