// Package hub manages the connection of community hubs to the WoM registry. A hub is connected by the manager of a
// deed, who signs a challenge token with both the manager and the hub wallets. The deed is then synchronized on
// WoM with its current owner, manager and minting split.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tarancss/deeds/auth"
	"github.com/tarancss/deeds/eventbus"
	"github.com/tarancss/deeds/lib/block"
	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/errs"
	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/util"
)

// Hub events. Their payload is the lowercase hub address.
const (
	EventSaved         = "uem.hub.saved"
	EventConnected     = "uem.hub.connectedToWom"
	EventDisconnected  = "uem.hub.disconnectedFromWom"
	EventStatusChanged = "uem.hub.status.changed"
)

var (
	ErrDeedAlreadyUsed     = errs.Request("wom.deedAlreadyUsedByAHub")
	ErrNotHubOwner         = errs.Authorization("wom.onlyHubOwnerCanManageWoMConnection")
	ErrNoLease             = errs.Request("wom.noLeaseFound")
	ErrNotDeedOwner        = errs.Authorization("wom.notDeedOwner")
	ErrNotDeedManager      = errs.Authorization("wom.notDeedManager")
	ErrAlreadyDisconnected = errs.Request("wom.alreadyDisconnected")
	ErrHubNotFound         = errs.NotFound("wom.hubDoesNotExist")
	ErrEmptyHubAddress     = errs.Request("wom.hubAddressIsMandatory")
)

// ConnectRequest is sent by a deed manager to connect a hub to WoM. SignedMessage is the signature of RawMessage
// by DeedManagerAddress, HubSignedMessage the signature of the same message by Address.
type ConnectRequest struct {
	Address            string `json:"address"`
	DeedID             uint64 `json:"deedId"`
	DeedOwnerAddress   string `json:"deedOwnerAddress"`
	DeedManagerAddress string `json:"deedManagerAddress"`
	RawMessage         string `json:"rawMessage"`
	SignedMessage      string `json:"signedMessage"`
	HubSignedMessage   string `json:"hubSignedMessage"`
	Token              string `json:"token"`
	Name               string `json:"name"`
	Description        string `json:"description"`
	URL                string `json:"url"`
	Color              string `json:"color"`
}

// DisconnectRequest is sent by a deed manager to disconnect its hub.
type DisconnectRequest struct {
	HubAddress         string `json:"hubAddress"`
	DeedManagerAddress string `json:"deedManagerAddress"`
	RawMessage         string `json:"rawMessage"`
	SignedMessage      string `json:"signedMessage"`
	Token              string `json:"token"`
}

// Manager holds the hubs known to the service.
type Manager struct {
	chain    block.Chain
	bus      *eventbus.Bus
	tokens   *auth.TokenStore
	verifier *auth.Verifier

	hubs   *store.Repo[store.Hub]
	leases *store.Repo[store.Lease]

	now func() time.Time
}

// NewManager returns a hub manager verifying the tokens of tokens.
func NewManager(db store.DB, chain block.Chain, bus *eventbus.Bus, tokens *auth.TokenStore) *Manager {
	return &Manager{
		chain:    chain,
		bus:      bus,
		tokens:   tokens,
		verifier: auth.NewVerifier(tokens),
		hubs:     store.NewRepo[store.Hub](db, store.Hubs),
		leases:   store.NewRepo[store.Lease](db, store.Leases),
		now:      time.Now,
	}
}

// Token returns a challenge token to be signed by the callers of Connect and Disconnect.
func (m *Manager) Token() string {
	return m.tokens.Issue()
}

// Connect connects the hub of req to WoM with the deed of req, and saves its metadata.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (store.Hub, error) {
	address := util.Lower(req.Address)
	manager := util.Lower(req.DeedManagerAddress)

	log.Printf("[hubs] connection of hub %s with deed %d by %s", address, req.DeedID, manager)

	if err := m.verifier.Verify(manager, req.SignedMessage, req.RawMessage, req.Token); err != nil {
		return store.Hub{}, err
	}

	if address == "" {
		return store.Hub{}, ErrEmptyHubAddress
	}

	if err := m.verifier.Verify(address, req.HubSignedMessage, req.RawMessage, req.Token); err != nil {
		return store.Hub{}, err
	}

	used, err := m.hubs.Find(ctx, store.Where(store.Eq("deedId", req.DeedID), store.Eq("enabled", true)))
	if err != nil {
		return store.Hub{}, err
	}

	for i := range used {
		if used[i].Address != address {
			return store.Hub{}, ErrDeedAlreadyUsed
		}
	}

	current, err := m.chain.HubByDeed(ctx, req.DeedID)
	if err != nil {
		return store.Hub{}, fmt.Errorf("reading hub of deed %d: %w", req.DeedID, err)
	}

	if !util.IsEmptyAddress(current) && !util.EqualAddress(current, address) {
		return store.Hub{}, ErrDeedAlreadyUsed
	}

	// a hub unknown to WoM gets the manager as owner
	hubOwner, err := m.chain.HubOwner(ctx, address)
	if err != nil {
		return store.Hub{}, fmt.Errorf("reading owner of hub %s: %w", address, err)
	}

	if !util.IsEmptyAddress(hubOwner) && !util.EqualAddress(hubOwner, manager) {
		return store.Hub{}, ErrNotHubOwner
	}

	if _, err = m.syncDeed(ctx, req.DeedID, req.DeedOwnerAddress, manager); err != nil {
		return store.Hub{}, err
	}

	h, err := m.hubs.Get(ctx, address)

	switch {
	case errors.Is(err, store.ErrDataNotFound):
		h = store.Hub{Address: address, DeedID: req.DeedID, CreatedDate: m.now().UTC()}
	case err != nil:
		return store.Hub{}, err
	}

	h.Name, h.Description, h.URL, h.Color = req.Name, req.Description, req.URL, req.Color
	h.UpdatedDate = m.now().UTC()

	if err = m.hubs.Put(ctx, address, h); err != nil {
		return store.Hub{}, fmt.Errorf("saving hub %s: %w", address, err)
	}

	return m.RefreshHub(ctx, address)
}

// Disconnect disconnects the hub of req from WoM. Only the manager recorded for the hub can disconnect it, unless
// it is no longer the manager of the deed.
func (m *Manager) Disconnect(ctx context.Context, req DisconnectRequest) (store.Hub, error) {
	address := util.Lower(req.HubAddress)
	manager := util.Lower(req.DeedManagerAddress)

	log.Printf("[hubs] disconnection of hub %s by %s", address, manager)

	if err := m.verifier.Verify(manager, req.SignedMessage, req.RawMessage, req.Token); err != nil {
		return store.Hub{}, err
	}

	h, err := m.hubs.Get(ctx, address)
	if errors.Is(err, store.ErrDataNotFound) || (err == nil && !h.Enabled) {
		return store.Hub{}, ErrAlreadyDisconnected
	}

	if err != nil {
		return store.Hub{}, err
	}

	if !util.EqualAddress(h.ManagerAddress, manager) {
		stillManager, errM := m.chain.IsDeedProvisioningManager(ctx, h.ManagerAddress, h.DeedID)
		if errM != nil {
			return store.Hub{}, fmt.Errorf("checking manager of deed %d: %w", h.DeedID, errM)
		}

		if stillManager {
			return store.Hub{}, ErrNotDeedManager
		}
	}

	if _, err = m.syncDeed(ctx, h.DeedID, h.OwnerAddress, manager); err != nil {
		return store.Hub{}, err
	}

	now := m.now().UTC()
	h.Enabled = false
	h.UntilDate = &now
	h.UpdatedDate = now

	if err = m.hubs.Put(ctx, address, h); err != nil {
		return store.Hub{}, fmt.Errorf("saving hub %s: %w", address, err)
	}

	publish(ctx, m.bus, EventDisconnected, address)

	return h, nil
}

// Get returns the hub address, read from WoM first when refresh is set.
func (m *Manager) Get(ctx context.Context, address string, refresh bool) (store.Hub, error) {
	if refresh {
		return m.RefreshHub(ctx, address)
	}

	h, err := m.hubs.Get(ctx, util.Lower(address))
	if errors.Is(err, store.ErrDataNotFound) {
		return store.Hub{}, ErrHubNotFound
	}

	return h, err
}

// List returns the connected hubs, newest first.
func (m *Manager) List(ctx context.Context) ([]store.Hub, error) {
	return m.hubs.Find(ctx, store.Where(store.Eq("enabled", true)).OrderBy("createdDate", true))
}

// RefreshHub copies the state of the hub address in WoM to the store. A hub unknown to WoM is disabled.
func (m *Manager) RefreshHub(ctx context.Context, address string) (store.Hub, error) {
	address = util.Lower(address)
	if address == "" {
		return store.Hub{}, ErrEmptyHubAddress
	}

	h, err := m.hubs.Get(ctx, address)
	found := err == nil

	if err != nil && !errors.Is(err, store.ErrDataNotFound) {
		return store.Hub{}, err
	}

	wasConnected := found && h.Enabled

	wh, inWom, err := m.chain.WomHub(ctx, address)
	if err != nil {
		return store.Hub{}, fmt.Errorf("reading hub %s from WoM: %w", address, err)
	}

	now := m.now().UTC()

	switch {
	case inWom && !util.IsEmptyAddress(wh.Owner):
		wd, errD := m.chain.WomDeed(ctx, wh.DeedID)
		if errD != nil {
			return store.Hub{}, fmt.Errorf("reading deed %d from WoM: %w", wh.DeedID, errD)
		}

		if !found {
			h = store.Hub{Address: address, CreatedDate: now}
		}

		h.DeedID = wh.DeedID
		h.Enabled = wh.Enabled
		h.OwnerAddress = util.Lower(wd.OwnerAddress)
		h.ManagerAddress = util.Lower(wd.ManagerAddress)
		h.JoinDate = types.Unix(wh.JoinDate)
		h.UpdatedDate = now
		h.UntilDate = nil

		lease, ok, errL := m.currentLease(ctx, wh.DeedID, "")
		if errL != nil {
			return store.Hub{}, errL
		}

		if ok {
			end := lease.EndDate
			h.UntilDate = &end
		}

		if err = m.hubs.Put(ctx, address, h); err != nil {
			return store.Hub{}, fmt.Errorf("saving hub %s: %w", address, err)
		}

		publish(ctx, m.bus, EventSaved, address)
	case found:
		log.Printf("[hubs] hub %s unknown to WoM, disabling it", address)

		h.Enabled = false
		h.UpdatedDate = now

		if err = m.hubs.Put(ctx, address, h); err != nil {
			return store.Hub{}, fmt.Errorf("saving hub %s: %w", address, err)
		}
	default:
		return store.Hub{}, ErrHubNotFound
	}

	if h.Enabled != wasConnected {
		if h.Enabled {
			publish(ctx, m.bus, EventConnected, address)
		} else {
			publish(ctx, m.bus, EventDisconnected, address)
		}
	}

	return h, nil
}

// CheckStatus disconnects locally the hubs whose deed is now used by another hub, or whose manager lost the
// management of the deed. It returns the number of hubs disconnected.
func (m *Manager) CheckStatus(ctx context.Context) (int, error) {
	hubs, err := m.hubs.Find(ctx, store.Where(store.Eq("enabled", true)))
	if err != nil {
		return 0, err
	}

	n := 0

	for i := range hubs {
		h := hubs[i]

		current, errH := m.chain.HubByDeed(ctx, h.DeedID)
		if errH != nil {
			return n, fmt.Errorf("reading hub of deed %d: %w", h.DeedID, errH)
		}

		reason := ""

		if !util.IsEmptyAddress(current) && !util.EqualAddress(current, h.Address) {
			reason = "deed used by hub " + util.Lower(current)
		} else if h.ManagerAddress != "" {
			valid, errM := m.chain.IsDeedProvisioningManager(ctx, h.ManagerAddress, h.DeedID)
			if errM != nil {
				return n, fmt.Errorf("checking manager of deed %d: %w", h.DeedID, errM)
			}

			if !valid {
				reason = "manager " + h.ManagerAddress + " no longer manages the deed"
			}
		}

		if reason == "" {
			continue
		}

		log.Printf("[hubs] disconnecting hub %s of deed %d: %s", h.Address, h.DeedID, reason)

		now := m.now().UTC()
		h.Enabled = false
		h.UntilDate = &now
		h.UpdatedDate = now

		if err = m.hubs.Put(ctx, h.Address, h); err != nil {
			return n, fmt.Errorf("saving hub %s: %w", h.Address, err)
		}

		n++

		publish(ctx, m.bus, EventStatusChanged, h.Address)
		publish(ctx, m.bus, EventDisconnected, h.Address)
	}

	return n, nil
}

// syncDeed sends the owner, the manager and the minting split of the deed to WoM when they differ from what WoM
// holds. The manager defaults to the owner. It returns true when a transaction was sent.
func (m *Manager) syncDeed(ctx context.Context, deedID uint64, owner, manager string) (bool, error) {
	owner, manager = util.Lower(owner), util.Lower(manager)
	if manager == "" {
		manager = owner
	}

	isOwner, err := m.chain.IsDeedOwner(ctx, owner, deedID)
	if err != nil {
		return false, fmt.Errorf("checking owner of deed %d: %w", deedID, err)
	}

	if !isOwner {
		return false, ErrNotDeedOwner
	}

	isManager, err := m.chain.IsDeedProvisioningManager(ctx, manager, deedID)
	if err != nil {
		return false, fmt.Errorf("checking manager of deed %d: %w", deedID, err)
	}

	if !isManager {
		return false, ErrNotDeedManager
	}

	percentage := 100

	if manager != owner {
		lease, ok, errL := m.currentLease(ctx, deedID, manager)
		if errL != nil {
			return false, errL
		}

		if !ok {
			return false, ErrNoLease
		}

		percentage = lease.OwnerMintingPercentage
	}

	current, err := m.chain.WomDeed(ctx, deedID)
	if err != nil {
		return false, fmt.Errorf("reading deed %d from WoM: %w", deedID, err)
	}

	if util.EqualAddress(current.OwnerAddress, owner) && util.EqualAddress(current.ManagerAddress, manager) &&
		current.OwnerPercentage == percentage {
		return false, nil
	}

	card, err := m.chain.DeedCardType(ctx, deedID)
	if err != nil {
		return false, fmt.Errorf("reading card type of deed %d: %w", deedID, err)
	}

	city, err := m.chain.DeedCity(ctx, deedID)
	if err != nil {
		return false, fmt.Errorf("reading city of deed %d: %w", deedID, err)
	}

	power, err := types.MintingPower(card)
	if err != nil {
		return false, fmt.Errorf("deed %d: %w", deedID, err)
	}

	users, err := types.MaxUsers(card)
	if err != nil {
		return false, fmt.Errorf("deed %d: %w", deedID, err)
	}

	start := m.now()

	hash, err := m.chain.UpdateWomDeed(ctx, deedID, types.WomDeed{
		City:            city,
		CardType:        card,
		MintingPower:    power,
		MaxUsers:        users,
		OwnerAddress:    owner,
		ManagerAddress:  manager,
		OwnerPercentage: percentage,
	})
	if err != nil {
		if e := errs.FromRevert(err); e != nil {
			return false, e
		}

		return false, fmt.Errorf("updating deed %d on WoM: %w", deedID, err)
	}

	log.Printf("[hubs] deed %d updated on WoM with owner %s and manager %s (%d%%) in %s, tx %s", deedID, owner,
		manager, percentage, m.now().Sub(start), hash)

	return true, nil
}

// currentLease returns the confirmed lease of the deed running now. An empty manager matches any manager.
func (m *Manager) currentLease(ctx context.Context, deedID uint64, manager string) (store.Lease, bool, error) {
	conds := []store.Cond{
		store.Eq("nftId", deedID),
		store.Eq("enabled", true),
		store.Eq("confirmed", true),
		store.Gt("endDate", m.now().UTC()),
	}
	if manager != "" {
		conds = append(conds, store.Eq("manager", manager))
	}

	leases, err := m.leases.Find(ctx, store.Where(conds...).OrderBy("startDate", true).Take(1))
	if err != nil {
		return store.Lease{}, false, err
	}

	if len(leases) == 0 {
		return store.Lease{}, false, nil
	}

	return leases[0], true, nil
}

func publish(ctx context.Context, bus *eventbus.Bus, name, address string) {
	if bus == nil {
		return
	}

	if err := bus.Publish(ctx, name, address); err != nil {
		log.Printf("[hubs] cannot publish %s: %v", name, err)
	}
}
