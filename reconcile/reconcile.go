// Package reconcile keeps the local projection of renting offers and leases in sync with the renting contract.
//
// Changes sent by users are stored first as in-progress objects, or as changelogs of an offer, and are only
// applied once their transaction is confirmed. Refreshes read the chain at the head block and discard any state
// older than what the store already holds.
package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/tarancss/deeds/eventbus"
	"github.com/tarancss/deeds/lib/errs"
	"github.com/tarancss/deeds/lib/lock"
	"github.com/tarancss/deeds/lib/metrics"
)

// DefaultRefreshTimeout is the wait for a refresh made by another caller.
const DefaultRefreshTimeout = 3 * time.Second

// Result is the outcome of applying a chain state.
type Result uint8

// Results.
const (
	// Applied means the chain state was copied to the store.
	Applied Result = iota + 1
	// AlreadyApplied means the store already holds this state, or a newer one.
	AlreadyApplied
	// Rejected means the chain state or the transaction was invalid and the local change was discarded.
	Rejected
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "alreadyApplied"
	case Rejected:
		return "rejected"
	default:
		return "none"
	}
}

// Offer events.
const (
	EventOfferCreated               = "deed.event.offerCreated"
	EventOfferUpdated               = "deed.event.offerUpdated"
	EventOfferDeleted               = "deed.event.offerDeleted"
	EventOfferCanceled              = "deed.event.offerCanceled"
	EventOfferAcquisitionInProgress = "deed.event.offerAcquisitionInProgress"
	EventOfferCreatedConfirmed      = "deed.event.offerCreatedConfirmed"
	EventOfferUpdatedConfirmed      = "deed.event.offerUpdatedConfirmed"
	EventOfferDeletedConfirmed      = "deed.event.offerDeletedConfirmed"
	EventOfferAcquisitionConfirmed  = "deed.event.offerAcquisitionConfirmed"
)

// Lease events.
const (
	EventLeaseAcquired               = "deed.event.leaseAcquired"
	EventLeaseRentPayed              = "deed.event.leaseRentPayed"
	EventLeaseEndSent                = "deed.event.leaseEndSent"
	EventLeaseTenantEvict            = "deed.event.leaseTenantEvict"
	EventLeaseAcquisitionConfirmed   = "deed.event.leaseAcquisionConfirmed"
	EventLeaseRentPaymentConfirmed   = "deed.event.leaseRentPaymentConfirmed"
	EventLeaseEndedConfirmed         = "deed.event.leaseEndedConfirmed"
	EventLeaseTenantEvictedConfirmed = "deed.event.leaseTenantEvictedConfirmed"
)

var (
	ErrNotDeedOwner      = errs.Authorization("deeds.notDeedOwner")
	ErrNotOfferOwner     = errs.Authorization("deeds.notOfferOwner")
	ErrOfferCanceled     = errs.Authorization("deeds.offerCanceled")
	ErrNotLeaseManager   = errs.Authorization("deeds.notLeaseManager")
	ErrLeaseDisabled     = errs.Authorization("deeds.leaseDisabled")
	ErrHashMandatory     = errs.Request("deeds.transactionHashMandatory")
	ErrHashKnown         = errs.Request("deeds.transactionHashKnown")
	ErrEmptyManager      = errs.Request("deeds.emptyManagerAddress")
	ErrOfferNotConfirmed = errs.Request("deeds.offerNotConfirmed")
	ErrOfferNotFound     = errs.NotFound("deeds.offerNotFound")
	ErrLeaseNotFound     = errs.NotFound("deeds.leaseNotFound")
)

// Pending is an object waiting for its transaction to be mined.
type Pending struct {
	ID              string
	TransactionHash string
	CreatedDate     time.Time
}

func count(kind string, r Result) {
	metrics.ReconcileResults.WithLabelValues(kind, r.String()).Inc()
}

// publish sends e through the bus. Failures to persist the event are logged, the change is already saved.
func publish(ctx context.Context, bus *eventbus.Bus, prefix, name string, payload interface{}) {
	if bus == nil {
		return
	}

	if err := bus.Publish(ctx, name, payload); err != nil {
		log.Printf("[%s] cannot publish %s: %v", prefix, name, err)
	}
}

// refreshOnce runs fn if no other caller is refreshing id. Otherwise it waits for the other caller to finish, up
// to timeout, and returns without running fn.
func refreshOnce(ctx context.Context, locks *lock.Sharded, timeout time.Duration, prefix, id string,
	fn func() error) error {
	release, ok := locks.TryAcquire(id)
	if !ok {
		if err := locks.Wait(ctx, id, timeout); err != nil {
			log.Printf("[%s] refresh of %s by another caller not finished after %s, reading the store: %v",
				prefix, id, timeout, err)
		}

		return nil
	}
	defer release()

	return fn()
}

func maxBlock(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}
