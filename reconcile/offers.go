package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tarancss/deeds/eventbus"
	"github.com/tarancss/deeds/lib/block"
	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/lock"
	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/util"
)

// Offers manages the renting offers and their changelogs.
type Offers struct {
	chain   block.Chain
	bus     *eventbus.Bus
	locks   *lock.Sharded
	timeout time.Duration

	offers  *store.Repo[store.Offer]
	changes *store.Repo[store.OfferChangelog]

	now func() time.Time
}

// NewOffers returns the offers manager. timeout bounds the wait for a refresh made by another caller.
func NewOffers(db store.DB, chain block.Chain, bus *eventbus.Bus, locks *lock.Sharded,
	timeout time.Duration) *Offers {
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}

	if locks == nil {
		locks = lock.New("offers", 0)
	}

	return &Offers{
		chain:   chain,
		bus:     bus,
		locks:   locks,
		timeout: timeout,
		offers:  store.NewRepo[store.Offer](db, store.Offers),
		changes: store.NewRepo[store.OfferChangelog](db, store.OfferChangelogs),
		now:     time.Now,
	}
}

// Create stores a new offer sent to the chain by owner. The offer stays in progress until its transaction is
// mined. Offers of the deed made by previous owners are canceled.
func (o *Offers) Create(ctx context.Context, owner string, draft store.Offer) (store.Offer, error) {
	owner = util.Lower(owner)

	isOwner, err := o.chain.IsDeedOwner(ctx, owner, draft.NftID)
	if err != nil {
		return store.Offer{}, fmt.Errorf("checking owner of deed %d: %w", draft.NftID, err)
	}

	if !isOwner {
		return store.Offer{}, ErrNotDeedOwner
	}

	hash := util.Lower(draft.TransactionHash)
	if hash == "" {
		return store.Offer{}, ErrHashMandatory
	}

	if err = o.checkHashUnknown(ctx, hash); err != nil {
		return store.Offer{}, err
	}

	offer := draft
	if err = o.setNftInformation(ctx, &offer); err != nil {
		return store.Offer{}, err
	}

	now := o.now().UTC()
	offer.ID = uuid.NewString()
	offer.OfferID = 0
	offer.Owner = owner
	offer.HostAddress = util.Lower(offer.HostAddress)
	offer.TransactionHash = hash
	offer.TransactionStatus = store.TxInProgress
	offer.Enabled = true
	offer.Acquired = false
	offer.Pending = nil
	offer.LastCheckedBlock = 0
	offer.CreatedDate = now
	offer.ModifiedDate = now

	if err = o.CancelOffers(ctx, owner, offer.NftID); err != nil {
		return store.Offer{}, err
	}

	if err = o.save(ctx, &offer); err != nil {
		return store.Offer{}, err
	}

	publish(ctx, o.bus, "offers", EventOfferCreated, offer)

	return offer, nil
}

// Update changes an offer. The description is applied at once, the other fields are kept in an update
// changelog until txHash is confirmed. An empty txHash only changes the description.
func (o *Offers) Update(ctx context.Context, wallet, id string, changes store.OfferSnapshot,
	txHash string) (store.Offer, error) {
	offer, err := o.get(ctx, id)
	if err != nil {
		return store.Offer{}, err
	}

	if !util.EqualAddress(offer.Owner, wallet) {
		return store.Offer{}, ErrNotOfferOwner
	}

	if !offer.Enabled {
		return store.Offer{}, ErrOfferCanceled
	}

	offer.Description = changes.Description
	offer.ModifiedDate = o.now().UTC()

	if hash := util.Lower(txHash); hash != "" {
		if err = o.checkHashUnknown(ctx, hash); err != nil {
			return store.Offer{}, err
		}

		changes.HostAddress = util.Lower(changes.HostAddress)
		if err = o.addChangelog(ctx, &offer, store.ChangeUpdate, hash, changes); err != nil {
			return store.Offer{}, err
		}
	}

	if err = o.save(ctx, &offer); err != nil {
		return store.Offer{}, err
	}

	publish(ctx, o.bus, "offers", EventOfferUpdated, offer)

	return offer, nil
}

// Delete records the deletion of an offer sent to the chain. The offer is disabled once txHash is confirmed.
func (o *Offers) Delete(ctx context.Context, wallet, id, txHash string) (store.Offer, error) {
	offer, err := o.get(ctx, id)
	if err != nil {
		return store.Offer{}, err
	}

	if !util.EqualAddress(offer.Owner, wallet) {
		return store.Offer{}, ErrNotOfferOwner
	}

	if !offer.Enabled {
		return store.Offer{}, ErrOfferCanceled
	}

	hash := util.Lower(txHash)
	if hash == "" {
		return store.Offer{}, ErrHashMandatory
	}

	if err = o.checkHashUnknown(ctx, hash); err != nil {
		return store.Offer{}, err
	}

	if err = o.addChangelog(ctx, &offer, store.ChangeDelete, hash, snapshot(offer)); err != nil {
		return store.Offer{}, err
	}

	if err = o.save(ctx, &offer); err != nil {
		return store.Offer{}, err
	}

	publish(ctx, o.bus, "offers", EventOfferDeleted, offer)

	return offer, nil
}

// MarkAcquisitionInProgress adds an acquisition changelog for txHash to every ongoing offer of the deed.
func (o *Offers) MarkAcquisitionInProgress(ctx context.Context, nftID uint64, txHash string,
	validStart time.Time) error {
	hash := util.Lower(txHash)
	if hash == "" {
		return ErrHashMandatory
	}

	if err := o.checkHashUnknown(ctx, hash); err != nil {
		if errors.Is(err, ErrHashKnown) {
			log.Printf("[offers] acquisition %s of deed %d already recorded", hash, nftID)

			return nil
		}

		return err
	}

	parents, err := o.enabledOffersOf(ctx, nftID)
	if err != nil {
		return err
	}

	for i := range parents {
		parent := parents[i]
		if !ongoing(&parent, "", validStart) {
			continue
		}

		if err = o.addChangelog(ctx, &parent, store.ChangeAcquisition, hash, snapshot(parent)); err != nil {
			return err
		}

		if err = o.save(ctx, &parent); err != nil {
			return err
		}

		publish(ctx, o.bus, "offers", EventOfferAcquisitionInProgress, parent)
	}

	return nil
}

// MarkAcquired marks the offer with chain id chainOfferID acquired, and cancels the other ongoing offers of the
// deed starting before leaseEnd. The offer is read from the chain when unknown.
func (o *Offers) MarkAcquired(ctx context.Context, chainOfferID uint64, leaseEnd time.Time) error {
	parent, err := o.GetByChainID(ctx, chainOfferID)
	if err != nil {
		return err
	}

	if !parent.Acquired {
		parent.Acquired = true
		if err = o.saveAndDeleteChangelogs(ctx, &parent); err != nil {
			return err
		}
	}

	others, err := o.enabledOffersOf(ctx, parent.NftID)
	if err != nil {
		return err
	}

	for i := range others {
		if ongoing(&others[i], parent.ID, leaseEnd) {
			if err = o.cancel(ctx, &others[i]); err != nil {
				return err
			}
		}
	}

	return nil
}

// CancelOffers disables the offers of the deed made by any owner other than newOwner.
func (o *Offers) CancelOffers(ctx context.Context, newOwner string, nftID uint64) error {
	offers, err := o.enabledOffersOf(ctx, nftID)
	if err != nil {
		return err
	}

	for i := range offers {
		if util.EqualAddress(offers[i].Owner, newOwner) {
			continue
		}

		log.Printf("[offers] canceling offer %s of previous owner %s of deed %d", offers[i].ID, offers[i].Owner,
			nftID)

		if err = o.cancel(ctx, &offers[i]); err != nil {
			return err
		}
	}

	return nil
}

// Get returns the offer id, refreshed from the chain first when refresh is set. Concurrent refreshes of the same
// offer are made once, the other callers wait for it and read the result. id can be a changelog id, in which
// case its offer is returned.
func (o *Offers) Get(ctx context.Context, id, wallet string, refresh bool) (store.Offer, error) {
	parentID, err := o.resolve(ctx, id)
	if err != nil {
		return store.Offer{}, err
	}

	if refresh {
		err = refreshOnce(ctx, o.locks, o.timeout, "offers", parentID, func() error {
			log.Printf("[offers] refreshing offer %s on request of wallet %s", parentID, wallet)

			_, errR := o.refresh(ctx, parentID)

			return errR
		})
		if err != nil && !errors.Is(err, ErrOfferNotFound) {
			return store.Offer{}, err
		}
	}

	offer, err := o.get(ctx, parentID)
	if err != nil {
		return store.Offer{}, err
	}

	if !offer.Enabled {
		return store.Offer{}, ErrOfferCanceled
	}

	return offer, nil
}

// GetByChainID returns the offer with chain id chainOfferID. An offer unknown locally is imported from the
// chain.
func (o *Offers) GetByChainID(ctx context.Context, chainOfferID uint64) (store.Offer, error) {
	offer, err := o.offers.First(ctx, store.Where(store.Eq("offerId", chainOfferID)))
	if err == nil {
		return offer, nil
	}

	if !errors.Is(err, store.ErrDataNotFound) {
		return store.Offer{}, err
	}

	head, err := o.chain.BlockNumber(ctx)
	if err != nil {
		return store.Offer{}, fmt.Errorf("reading head block: %w", err)
	}

	state, err := o.chain.Offer(ctx, chainOfferID, head, "")
	if err != nil {
		return store.Offer{}, fmt.Errorf("reading offer %d: %w", chainOfferID, err)
	}

	if _, err = o.updateFromChain(ctx, nil, state); err != nil {
		return store.Offer{}, err
	}

	offer, err = o.offers.First(ctx, store.Where(store.Eq("offerId", chainOfferID)))
	if errors.Is(err, store.ErrDataNotFound) {
		return store.Offer{}, ErrOfferNotFound
	}

	return offer, err
}

// Refresh reads the offer id, and its changelogs, from the chain. It waits for any other refresh of the offer.
func (o *Offers) Refresh(ctx context.Context, id string) (Result, error) {
	release, err := o.locks.Acquire(ctx, id, o.timeout)
	if err != nil {
		return 0, err
	}
	defer release()

	return o.refresh(ctx, id)
}

func (o *Offers) refresh(ctx context.Context, id string) (r Result, err error) {
	defer func() {
		if err == nil {
			count("offer", r)
		}
	}()

	offer, err := o.get(ctx, id)
	if err != nil {
		return 0, err
	}

	if !offer.Confirmed() {
		if offer.TransactionStatus != store.TxInProgress || offer.TransactionHash == "" {
			return AlreadyApplied, nil
		}

		st, errS := o.chain.TxStatus(ctx, offer.TransactionHash)
		if errS != nil {
			return 0, fmt.Errorf("reading status of %s: %w", offer.TransactionHash, errS)
		}

		if !st.Mined() {
			return AlreadyApplied, nil
		}

		evs, errE := o.chain.OfferEvents(ctx, offer.TransactionHash)
		if errE != nil {
			return 0, fmt.Errorf("reading events of %s: %w", offer.TransactionHash, errE)
		}

		return o.ApplyTransactionEvents(ctx, offer.ID, evs)
	}

	head, err := o.chain.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading head block: %w", err)
	}

	state, err := o.chain.Offer(ctx, offer.OfferID, head, offer.TransactionHash)
	if err != nil {
		return 0, fmt.Errorf("reading offer %d: %w", offer.OfferID, err)
	}

	if state.Deleted() {
		target := offer.ID
		if d, ok := offer.Pending.Get(store.ChangeDelete); ok {
			target = d
		}

		return o.applyStatus(ctx, target, state, types.OfferDeleted)
	}

	r = AlreadyApplied

	for _, c := range offer.Pending {
		status := types.OfferUpdated
		switch c.Kind {
		case store.ChangeAcquisition:
			status = types.OfferAcquired
		case store.ChangeDelete:
			status = types.OfferDeleted
		}

		rc, errC := o.refreshChangelog(ctx, c.ID, state, status)
		if errC != nil {
			return 0, errC
		}

		if rc != 0 && rc != AlreadyApplied {
			r = rc
		}
	}

	return r, nil
}

// refreshChangelog applies the changelog id once its transaction is confirmed, and cancels it when reverted.
func (o *Offers) refreshChangelog(ctx context.Context, id string, state types.OfferState,
	status types.OfferStatus) (Result, error) {
	cl, err := o.changes.Get(ctx, id)
	if errors.Is(err, store.ErrDataNotFound) {
		return AlreadyApplied, nil
	}

	if err != nil {
		return 0, err
	}

	if cl.TransactionStatus != store.TxInProgress || cl.TransactionHash == "" {
		return AlreadyApplied, nil
	}

	st, err := o.chain.TxStatus(ctx, cl.TransactionHash)
	if err != nil {
		return 0, fmt.Errorf("reading status of %s: %w", cl.TransactionHash, err)
	}

	switch st {
	case types.TrxSuccess:
		if status == types.OfferDeleted {
			// the offer is still on chain, the deletion is applied by the transaction events
			return AlreadyApplied, nil
		}

		return o.applyStatus(ctx, cl.ID, state, status)
	case types.TrxFailed:
		if err = o.cancelChangelog(ctx, cl); err != nil {
			return 0, err
		}

		return Rejected, nil
	default:
		return AlreadyApplied, nil
	}
}

// ApplyTransactionEvents applies the events of the mined transaction of the offer or changelog id. No events
// means the transaction was reverted.
func (o *Offers) ApplyTransactionEvents(ctx context.Context, id string,
	evs map[types.OfferStatus]types.OfferState) (Result, error) {
	if len(evs) == 0 {
		if err := o.SaveTransactionAsError(ctx, id); err != nil {
			return 0, err
		}

		return Rejected, nil
	}

	if len(evs) > 1 {
		log.Printf("[offers] %d events in the transaction of %s, only one is applied", len(evs), id)
	}

	for _, status := range []types.OfferStatus{
		types.OfferCreated, types.OfferUpdated, types.OfferDeleted, types.OfferAcquired,
	} {
		if state, ok := evs[status]; ok {
			return o.applyStatus(ctx, id, state, status)
		}
	}

	return 0, fmt.Errorf("unknown offer events in the transaction of %s", id)
}

// applyStatus applies the chain state of an offer event to the offer or changelog id, then publishes the
// matching confirmation.
func (o *Offers) applyStatus(ctx context.Context, id string, state types.OfferState,
	status types.OfferStatus) (Result, error) {
	offer, cl, err := o.getAny(ctx, id)
	if err != nil {
		return 0, err
	}

	if offer == nil {
		log.Printf("[offers] deleting orphan changelog %s", cl.ID)

		return Rejected, o.changes.Delete(ctx, cl.ID)
	}

	chainID := state.ID
	if chainID == 0 {
		chainID = offer.OfferID
	}

	known := false
	if status == types.OfferCreated {
		if known, err = o.chainIDKnown(ctx, chainID); err != nil {
			return 0, err
		}
	}

	var (
		isCreated  = status == types.OfferCreated && !known
		isDeleted  = status == types.OfferDeleted
		isAcquired = status == types.OfferAcquired
		isUpdated  = status == types.OfferUpdated || (!isDeleted && !isAcquired && !isCreated && offer.Confirmed())
		event  string
		result Result
	)

	var changed *store.Offer

	switch {
	case isCreated:
		changed, result, err = o.createByChain(ctx, offer, state)
		event = EventOfferCreatedConfirmed
	case isDeleted:
		changed, result, err = o.deleteByChain(ctx, offer, cl, state)
		event = EventOfferDeletedConfirmed
	case isAcquired:
		changed, result, err = o.acquireByChain(ctx, offer, cl)
		event = EventOfferAcquisitionConfirmed
	case isUpdated:
		changed, result, err = o.updateByChain(ctx, offer, cl, state)
		event = EventOfferUpdatedConfirmed
	default:
		log.Printf("[offers] cannot determine the %s event of offer %d, disabling it", status, offer.OfferID)

		offer.Enabled = false
		offer.TransactionStatus = store.TxNone
		err = o.save(ctx, offer)
		result = Rejected
	}

	if err != nil {
		return 0, err
	}

	if changed != nil && result != AlreadyApplied {
		publish(ctx, o.bus, "offers", event, *changed)
	}

	return result, nil
}

func (o *Offers) createByChain(ctx context.Context, offer *store.Offer, state types.OfferState) (*store.Offer,
	Result, error) {
	known, err := o.chainIDKnown(ctx, state.ID)
	if err != nil {
		return nil, 0, err
	}

	deleted := state.Deleted()
	if deleted || known {
		if offer.TransactionHash == "" {
			log.Printf("[offers] invalid offer %d read from the chain (known=%t, deleted=%t), ignored", state.ID, known,
				deleted)

			return nil, Rejected, nil
		}

		st, errS := o.chain.TxStatus(ctx, offer.TransactionHash)
		if errS != nil {
			return nil, 0, fmt.Errorf("reading status of %s: %w", offer.TransactionHash, errS)
		}

		if st == types.TrxSuccess {
			log.Printf("[offers] invalid offer %d read from the chain (known=%t, deleted=%t), waiting for next check",
				state.ID, known, deleted)

			return nil, Rejected, nil
		}

		slog.Warn("[offers] disabling invalid offer", "offer", offer.ID, "offerId", state.ID, "known", known,
			"deleted", deleted)

		offer.TransactionStatus = store.TxError
		offer.Enabled = false

		return offer, Rejected, o.save(ctx, offer)
	}

	offer.Enabled = true
	offer.TransactionStatus = store.TxValidated
	offer.CreatedDate = o.now().UTC()
	o.checkChainState(offer, state, false)

	r, err := o.updateFromChain(ctx, offer, state)
	if err != nil {
		return nil, 0, err
	}

	return offer, r, nil
}

func (o *Offers) deleteByChain(ctx context.Context, offer *store.Offer, cl *store.OfferChangelog,
	state types.OfferState) (*store.Offer, Result, error) {
	parent, err := o.parentOf(ctx, offer, cl)
	if err != nil {
		return nil, 0, err
	}

	parent.Enabled = false
	parent.LastCheckedBlock = maxBlock(state.BlockNumber, parent.LastCheckedBlock)

	if err = o.saveAndDeleteChangelogs(ctx, parent); err != nil {
		return nil, 0, err
	}

	return parent, Applied, nil
}

func (o *Offers) acquireByChain(ctx context.Context, offer *store.Offer, cl *store.OfferChangelog) (*store.Offer,
	Result, error) {
	parent, err := o.parentOf(ctx, offer, cl)
	if err != nil {
		return nil, 0, err
	}

	parent.Acquired = true

	if err = o.saveAndDeleteChangelogs(ctx, parent); err != nil {
		return nil, 0, err
	}

	return parent, Applied, nil
}

func (o *Offers) updateByChain(ctx context.Context, offer *store.Offer, cl *store.OfferChangelog,
	state types.OfferState) (*store.Offer, Result, error) {
	parent, err := o.parentOf(ctx, offer, cl)
	if err != nil {
		return nil, 0, err
	}

	if cl == nil {
		o.checkChainState(parent, state, true)
		parent.TransactionStatus = store.TxValidated

		r, errU := o.updateFromChain(ctx, parent, state)
		if errU != nil {
			return nil, 0, errU
		}

		return parent, r, nil
	}

	r := Applied

	switch {
	case state.Deleted():
		log.Printf("[offers] changelog %s of offer %s not applied, the offer is deleted", cl.ID, parent.ID)

		r = Rejected
	case parent.LastCheckedBlock > cl.LastCheckedBlock:
		log.Printf("[offers] changelog %s of offer %s already applied", cl.ID, parent.ID)

		r = AlreadyApplied
	default:
		o.checkChainState(parent, state, true)
		parent.TransactionStatus = store.TxValidated

		if r, err = o.copyIfNewer(ctx, parent, state); err != nil {
			return nil, 0, err
		}
	}

	if err = o.saveAndDeleteChangelog(ctx, parent, cl.ID); err != nil {
		return nil, 0, err
	}

	return parent, r, nil
}

// UpdateFromChain applies an offer state read by the chain scanner. Offers created directly on chain are added,
// unless their transaction hash is already known.
func (o *Offers) UpdateFromChain(ctx context.Context, state types.OfferState, scan bool) (Result, error) {
	offer, err := o.offers.First(ctx, store.Where(store.Eq("offerId", state.ID)))

	var r Result

	switch {
	case errors.Is(err, store.ErrDataNotFound):
		r, err = o.updateFromChain(ctx, nil, state)
	case err != nil:
		return 0, err
	default:
		r, err = o.updateFromChain(ctx, &offer, state)

		if scan {
			o.locks.ReleaseIfHeld(offer.ID)
		}
	}

	if err != nil {
		return 0, err
	}

	count("offer", r)

	return r, nil
}

// updateFromChain copies the chain state into offer, or into a new offer when offer is nil. States older than
// the last checked block of the offer are discarded.
func (o *Offers) updateFromChain(ctx context.Context, offer *store.Offer, state types.OfferState) (Result, error) {
	deleted := state.Deleted()

	if offer == nil {
		if deleted {
			log.Printf("[offers] outdated event of deleted offer %d, ignored", state.ID)

			return Rejected, nil
		}

		if err := o.checkHashUnknown(ctx, state.TransactionHash); err != nil {
			if errors.Is(err, ErrHashKnown) || errors.Is(err, ErrHashMandatory) {
				log.Printf("[offers] creation of offer %d already known, ignored", state.ID)

				return Rejected, nil
			}

			return 0, err
		}

		now := o.now().UTC()
		offer = &store.Offer{
			ID:                uuid.NewString(),
			NftID:             state.DeedID,
			Owner:             util.Lower(state.Creator),
			TransactionStatus: store.TxValidated,
			CreatedDate:       now,
			ModifiedDate:      now,
		}

		if err := o.setNftInformation(ctx, offer); err != nil {
			return 0, err
		}

		log.Printf("[offers] adding offer %d created on chain for deed %d", state.ID, state.DeedID)

		return o.copyAndSave(ctx, offer, state)
	}

	return o.copyIfNewer(ctx, offer, state)
}

func (o *Offers) copyIfNewer(ctx context.Context, offer *store.Offer, state types.OfferState) (Result, error) {
	if state.BlockNumber > 0 && offer.LastCheckedBlock > 0 && offer.LastCheckedBlock >= state.BlockNumber {
		if state.Deleted() && offer.Enabled {
			enabled, err := o.chain.IsOfferEnabled(ctx, offer.OfferID)
			if err != nil {
				return 0, fmt.Errorf("reading offer %d: %w", offer.OfferID, err)
			}

			if !enabled {
				log.Printf("[offers] offer %d already deleted on chain at block %d, disabling it", offer.OfferID,
					offer.LastCheckedBlock)

				offer.Enabled = false

				return Applied, o.save(ctx, offer)
			}
		}

		return AlreadyApplied, nil
	}

	offer.ModifiedDate = o.now().UTC()

	return o.copyAndSave(ctx, offer, state)
}

func (o *Offers) copyAndSave(ctx context.Context, offer *store.Offer, state types.OfferState) (Result, error) {
	offer.LastCheckedBlock = maxBlock(state.BlockNumber, offer.LastCheckedBlock)

	if err := o.copyChainAttributes(ctx, offer, state); err != nil {
		return 0, err
	}

	if err := o.save(ctx, offer); err != nil {
		return 0, err
	}

	return Applied, nil
}

func (o *Offers) copyChainAttributes(ctx context.Context, offer *store.Offer, state types.OfferState) error {
	if state.ID == 0 || state.DeedID == 0 {
		log.Printf("[offers] not copying deleted chain offer into %s", offer.ID)

		return nil
	}

	enabled, err := o.chain.IsOfferEnabled(ctx, state.ID)
	if err != nil {
		return fmt.Errorf("reading offer %d: %w", state.ID, err)
	}

	if offer.TransactionHash == "" {
		offer.TransactionHash = util.Lower(state.TransactionHash)
	}

	offer.OfferID = state.ID
	offer.NftID = state.DeedID
	offer.Owner = util.Lower(state.Creator)
	offer.Amount = types.FromWei(state.Price)
	offer.AllDurationAmount = types.FromWei(state.AllDurationPrice)
	offer.StartDate = types.Unix(state.StartDate)
	offer.Enabled = enabled

	offer.ExpirationDate = store.MaxDate
	if state.ExpirationDate != 0 {
		offer.ExpirationDate = types.Unix(state.ExpirationDate)
	}

	offer.HostAddress = ""
	if !util.IsEmptyAddress(state.AuthorizedTenant) {
		offer.HostAddress = util.Lower(state.AuthorizedTenant)
	}

	offer.OwnerMintingPercentage = state.OwnerMintingPercentage
	offer.Months = state.Months
	offer.NoticeMonths = state.NoticePeriod
	offer.ExpirationDays = state.ExpirationDays

	switch state.Months {
	case 1, 3, 6, 12:
	default:
		log.Printf("[offers] unsupported duration of %d months in offer %d", state.Months, state.ID)
	}

	if state.NoticePeriod < 0 || state.NoticePeriod > 3 {
		log.Printf("[offers] unsupported notice period of %d months in offer %d", state.NoticePeriod, state.ID)
	}

	return nil
}

// checkChainState warns about local offers that don't match the chain. The chain values win.
func (o *Offers) checkChainState(offer *store.Offer, state types.OfferState, update bool) {
	if update && offer.OfferID != 0 && offer.OfferID != state.ID {
		slog.Warn("[offers] HACK: offer id changed", "offer", offer.ID, "local", offer.OfferID, "chain", state.ID)
	}

	if offer.NftID != 0 && offer.NftID != state.DeedID {
		slog.Warn("[offers] HACK: offer deed changed", "offer", offer.ID, "local", offer.NftID, "chain", state.DeedID)
	}

	if offer.Owner != "" && !util.EqualAddress(offer.Owner, state.Creator) {
		slog.Warn("[offers] HACK: offer owner changed", "offer", offer.ID, "local", offer.Owner, "chain",
			state.Creator)
	}
}

// SaveTransactionAsError handles the reverted transaction of the offer or changelog id. A changelog is
// discarded, an offer that never made it to the chain is deleted.
func (o *Offers) SaveTransactionAsError(ctx context.Context, id string) error {
	offer, cl, err := o.getAny(ctx, id)
	if err != nil {
		return err
	}

	if cl != nil {
		return o.cancelChangelog(ctx, *cl)
	}

	enabled := false
	if offer.Confirmed() {
		if enabled, err = o.chain.IsOfferEnabled(ctx, offer.OfferID); err != nil {
			return fmt.Errorf("reading offer %d: %w", offer.OfferID, err)
		}
	}

	if enabled {
		log.Printf("[offers] transaction %s of offer %s reverted but the offer is enabled on chain, keeping it",
			offer.TransactionHash, offer.ID)

		return nil
	}

	log.Printf("[offers] deleting offer %s, its transaction %s reverted", offer.ID, offer.TransactionHash)

	if _, err = o.changes.DeleteMany(ctx, store.Where(store.Eq("parentId", offer.ID))); err != nil {
		return err
	}

	return o.offers.Delete(ctx, offer.ID)
}

// PendingTransactions returns the offers and changelogs waiting for their transaction, oldest first.
func (o *Offers) PendingTransactions(ctx context.Context) ([]Pending, error) {
	q := store.Where(store.Eq("transactionStatus", store.TxInProgress))

	offers, err := o.offers.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	changes, err := o.changes.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	ps := make([]Pending, 0, len(offers)+len(changes))

	for i := range offers {
		if !offers[i].Confirmed() && offers[i].TransactionHash != "" {
			ps = append(ps, Pending{offers[i].ID, offers[i].TransactionHash, offers[i].CreatedDate})
		}
	}

	for i := range changes {
		if changes[i].TransactionHash != "" {
			ps = append(ps, Pending{changes[i].ID, changes[i].TransactionHash, changes[i].CreatedDate})
		}
	}

	sort.SliceStable(ps, func(i, j int) bool { return ps[i].CreatedDate.Before(ps[j].CreatedDate) })

	return ps, nil
}

// Changelogs returns the changelogs of the offer id.
func (o *Offers) Changelogs(ctx context.Context, id string) ([]store.OfferChangelog, error) {
	return o.changes.Find(ctx, store.Where(store.Eq("parentId", id)).OrderBy("createdDate", false))
}

func (o *Offers) get(ctx context.Context, id string) (store.Offer, error) {
	offer, err := o.offers.Get(ctx, id)
	if errors.Is(err, store.ErrDataNotFound) {
		return store.Offer{}, ErrOfferNotFound
	}

	return offer, err
}

// getAny returns the offer id, or the changelog id and its offer. The offer is nil for orphan changelogs.
func (o *Offers) getAny(ctx context.Context, id string) (*store.Offer, *store.OfferChangelog, error) {
	offer, err := o.offers.Get(ctx, id)
	if err == nil {
		return &offer, nil, nil
	}

	if !errors.Is(err, store.ErrDataNotFound) {
		return nil, nil, err
	}

	cl, err := o.changes.Get(ctx, id)
	if errors.Is(err, store.ErrDataNotFound) {
		return nil, nil, ErrOfferNotFound
	}

	if err != nil {
		return nil, nil, err
	}

	parent, err := o.offers.Get(ctx, cl.ParentID)
	if errors.Is(err, store.ErrDataNotFound) {
		return nil, &cl, nil
	}

	if err != nil {
		return nil, nil, err
	}

	return &parent, &cl, nil
}

// resolve returns the offer id of id, which can be an offer or a changelog id.
func (o *Offers) resolve(ctx context.Context, id string) (string, error) {
	offer, cl, err := o.getAny(ctx, id)
	if err != nil {
		return "", err
	}

	if offer == nil {
		return "", ErrOfferNotFound
	}

	if cl != nil {
		return cl.ParentID, nil
	}

	return offer.ID, nil
}

func (o *Offers) parentOf(ctx context.Context, offer *store.Offer, cl *store.OfferChangelog) (*store.Offer, error) {
	if offer != nil {
		return offer, nil
	}

	if cl == nil {
		return nil, ErrOfferNotFound
	}

	parent, err := o.get(ctx, cl.ParentID)
	if err != nil {
		return nil, err
	}

	return &parent, nil
}

func (o *Offers) enabledOffersOf(ctx context.Context, nftID uint64) ([]store.Offer, error) {
	return o.offers.Find(ctx, store.Where(store.Eq("nftId", nftID), store.Eq("enabled", true)).
		OrderBy("createdDate", false))
}

func (o *Offers) chainIDKnown(ctx context.Context, chainID uint64) (bool, error) {
	if chainID == 0 {
		return false, nil
	}

	_, err := o.offers.First(ctx, store.Where(store.Eq("offerId", chainID)))
	if errors.Is(err, store.ErrDataNotFound) {
		return false, nil
	}

	return err == nil, err
}

// checkHashUnknown returns ErrHashKnown when an offer or a changelog was already sent with hash.
func (o *Offers) checkHashUnknown(ctx context.Context, hash string) error {
	hash = util.Lower(hash)
	if hash == "" {
		return ErrHashMandatory
	}

	q := store.Where(store.Eq("transactionHash", hash))

	if _, err := o.offers.First(ctx, q); !errors.Is(err, store.ErrDataNotFound) {
		if err != nil {
			return err
		}

		return ErrHashKnown
	}

	if _, err := o.changes.First(ctx, q); !errors.Is(err, store.ErrDataNotFound) {
		if err != nil {
			return err
		}

		return ErrHashKnown
	}

	return nil
}

func (o *Offers) setNftInformation(ctx context.Context, offer *store.Offer) error {
	card, err := o.chain.DeedCardType(ctx, offer.NftID)
	if err != nil {
		return fmt.Errorf("reading card type of deed %d: %w", offer.NftID, err)
	}

	city, err := o.chain.DeedCity(ctx, offer.NftID)
	if err != nil {
		return fmt.Errorf("reading city of deed %d: %w", offer.NftID, err)
	}

	power, err := types.MintingPower(card)
	if err != nil {
		return fmt.Errorf("deed %d: %w", offer.NftID, err)
	}

	offer.CardType = card
	offer.City = city
	offer.MintingPower = power

	return nil
}

// addChangelog stores a changelog of parent and references it. An update or delete changelog replaces the
// previous one of the same kind. The refresh lock of parent is released.
func (o *Offers) addChangelog(ctx context.Context, parent *store.Offer, kind store.ChangeKind, hash string,
	s store.OfferSnapshot) error {
	cl := store.OfferChangelog{
		ID:                uuid.NewString(),
		ParentID:          parent.ID,
		Kind:              kind,
		TransactionHash:   hash,
		TransactionStatus: store.TxInProgress,
		LastCheckedBlock:  parent.LastCheckedBlock,
		Snapshot:          s,
		CreatedDate:       o.now().UTC(),
	}

	if err := o.changes.Put(ctx, cl.ID, cl); err != nil {
		return fmt.Errorf("saving changelog of offer %s: %w", parent.ID, err)
	}

	defer o.locks.ReleaseIfHeld(parent.ID)

	if kind != store.ChangeAcquisition {
		if prev, ok := parent.Pending.Get(kind); ok {
			if err := o.changes.Delete(ctx, prev); err != nil {
				return err
			}
		}
	}

	parent.Pending = parent.Pending.Set(kind, cl.ID)

	return nil
}

// cancelChangelog discards cl and its reference in its offer.
func (o *Offers) cancelChangelog(ctx context.Context, cl store.OfferChangelog) error {
	parent, err := o.offers.Get(ctx, cl.ParentID)
	if errors.Is(err, store.ErrDataNotFound) {
		log.Printf("[offers] deleting orphan changelog %s", cl.ID)

		return o.changes.Delete(ctx, cl.ID)
	}

	if err != nil {
		return err
	}

	log.Printf("[offers] discarding changelog %s of offer %s, its transaction %s reverted", cl.ID, parent.ID,
		cl.TransactionHash)

	return o.saveAndDeleteChangelog(ctx, &parent, cl.ID)
}

// cancel disables the offer and discards its changelogs.
func (o *Offers) cancel(ctx context.Context, offer *store.Offer) error {
	offer.Enabled = false

	if err := o.saveAndDeleteChangelogs(ctx, offer); err != nil {
		return err
	}

	publish(ctx, o.bus, "offers", EventOfferCanceled, *offer)

	return nil
}

// saveAndDeleteChangelog saves parent without the reference to the changelog id, then deletes the changelog.
func (o *Offers) saveAndDeleteChangelog(ctx context.Context, parent *store.Offer, id string) error {
	parent.Pending = parent.Pending.Remove(id)

	if err := o.save(ctx, parent); err != nil {
		return err
	}

	return o.changes.Delete(ctx, id)
}

// saveAndDeleteChangelogs saves parent without changelogs, then deletes them.
func (o *Offers) saveAndDeleteChangelogs(ctx context.Context, parent *store.Offer) error {
	parent.Pending = nil

	if err := o.save(ctx, parent); err != nil {
		return err
	}

	_, err := o.changes.DeleteMany(ctx, store.Where(store.Eq("parentId", parent.ID)))

	return err
}

// save stores offer after computing who can see it.
func (o *Offers) save(ctx context.Context, offer *store.Offer) error {
	if offer.TransactionHash == "" {
		return fmt.Errorf("offer %s/%d: %w", offer.ID, offer.OfferID, ErrHashMandatory)
	}

	switch offer.ExpirationDays {
	case 1, 3, 7, 30:
	default:
		offer.ExpirationDate = store.MaxDate
	}

	switch {
	case offer.Acquired || !offer.Enabled:
		offer.Enabled = false
		offer.ViewAddresses = []string{}
	case offer.Confirmed() && offer.TransactionStatus == store.TxValidated:
		offer.ViewAddresses = []string{store.EveryoneAddress}
	default:
		offer.ViewAddresses = []string{util.Lower(offer.Owner)}
	}

	if err := o.offers.Put(ctx, offer.ID, *offer); err != nil {
		return fmt.Errorf("saving offer %s: %w", offer.ID, err)
	}

	return nil
}

// ongoing returns true when offer can still be acquired at date.
func ongoing(offer *store.Offer, except string, date time.Time) bool {
	if !offer.Enabled || offer.Acquired || offer.TransactionStatus == store.TxError || offer.ID == except {
		return false
	}

	return offer.StartDate.IsZero() || !offer.StartDate.After(date)
}

func snapshot(o store.Offer) store.OfferSnapshot {
	return store.OfferSnapshot{
		Amount:                 o.Amount,
		AllDurationAmount:      o.AllDurationAmount,
		Months:                 o.Months,
		NoticeMonths:           o.NoticeMonths,
		ExpirationDays:         o.ExpirationDays,
		StartDate:              o.StartDate,
		HostAddress:            o.HostAddress,
		OwnerMintingPercentage: o.OwnerMintingPercentage,
		Description:            o.Description,
	}
}
