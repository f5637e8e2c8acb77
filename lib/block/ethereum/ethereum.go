// Package ethereum implements the deeds chain gateway for ethereum-type networks (polygon, ethereum, testnets).
package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/deeds/lib/metrics"
)

// Client is the subset of the ethereum JSON-RPC API used by the gateway. It is implemented by *ethclient.Client.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	Close()
}

// Ethereum implements a connection to an ethereum-type chain.
type Ethereum struct {
	c       Client
	abis    contracts
	chainID *big.Int
	start   uint64 // first block searched for creation events
	poll    time.Duration

	renting, deed, provisioning, wom, uem common.Address

	signer *signer
}

// Error codes.
var (
	ErrReverted  = errors.New("execution reverted")
	ErrBadOutput = errors.New("unexpected contract output")
)

// New dials the node in conf and returns a gateway to the configured contracts. The signer is optional: without
// a seed UpdateWomDeed returns types.ErrNoSigner.
func New(conf config.BlockConfig, sc config.SignerConfig) (*Ethereum, error) {
	c, err := ethclient.Dial(conf.Node)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to ethereum blockchain in %s: %w", conf.Node, err)
	}

	e, err := NewWithClient(c, conf, sc)
	if err != nil {
		c.Close()

		return nil, err
	}

	return e, nil
}

// NewWithClient returns a gateway using an already connected client.
func NewWithClient(c Client, conf config.BlockConfig, sc config.SignerConfig) (*Ethereum, error) {
	abis, err := parseABIs()
	if err != nil {
		return nil, fmt.Errorf("parsing contract ABIs: %w", err)
	}

	e := &Ethereum{
		c:            c,
		abis:         abis,
		chainID:      big.NewInt(conf.ChainID),
		start:        conf.StartBlock,
		poll:         2 * time.Second,
		renting:      common.HexToAddress(conf.RentingAddress),
		deed:         common.HexToAddress(conf.DeedAddress),
		provisioning: common.HexToAddress(conf.ProvisioningAddress),
		wom:          common.HexToAddress(conf.WomAddress),
		uem:          common.HexToAddress(conf.UemAddress),
	}

	if sc.Seed != "" {
		if e.signer, err = newSigner(sc); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Close ends a connection
func (e *Ethereum) Close() {
	e.c.Close()
}

// observe records the outcome of a node call.
func observe(method string, start time.Time, err error) {
	metrics.ChainCalls.WithLabelValues(method, metrics.Status(err)).Inc()
	metrics.ChainCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// BlockNumber returns the current head block number.
func (e *Ethereum) BlockNumber(ctx context.Context) (n uint64, err error) {
	start := time.Now()
	defer func() { observe("blockNumber", start, err) }()

	return e.c.BlockNumber(ctx)
}

// receipt returns the receipt of a transaction or nil if it is not mined yet.
func (e *Ethereum) receipt(ctx context.Context, hash string) (r *gethtypes.Receipt, err error) {
	start := time.Now()
	defer func() { observe("getReceipt", start, err) }()

	r, err = e.c.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}

	return r, err
}

// TxStatus returns whether the transaction is pending, reverted or confirmed.
func (e *Ethereum) TxStatus(ctx context.Context, hash string) (types.TxStatus, error) {
	r, err := e.receipt(ctx, hash)
	if err != nil || r == nil {
		return types.TrxPending, err
	}

	if r.Status != gethtypes.ReceiptStatusSuccessful {
		return types.TrxFailed, nil
	}

	return types.TrxSuccess, nil
}

// Logs returns the renting events or the WoM hub connection events between from and to.
func (e *Ethereum) Logs(ctx context.Context, contract types.Contract, from, to uint64) (ls []types.Log, err error) {
	start := time.Now()
	defer func() { observe("getLogs", start, err) }()

	q := ethereum.FilterQuery{FromBlock: new(big.Int).SetUint64(from), ToBlock: new(big.Int).SetUint64(to)}

	switch contract {
	case types.Renting:
		q.Addresses = []common.Address{e.renting}
		q.Topics = [][]common.Hash{eventIDs(e.abis.renting,
			"OfferCreated", "OfferUpdated", "OfferDeleted", "RentPaid", "LeaseEnded", "TenantEvicted")}
	case types.Wom:
		q.Addresses = []common.Address{e.wom}
		q.Topics = [][]common.Hash{eventIDs(e.abis.wom, "HubConnected", "HubDisconnected")}
	default:
		return nil, types.ErrNoContract
	}

	var logs []gethtypes.Log
	if logs, err = e.c.FilterLogs(ctx, q); err != nil {
		return nil, err
	}

	ls = make([]types.Log, 0, len(logs))
	for _, l := range logs {
		tl := types.Log{
			Block:   l.BlockNumber,
			TxHash:  strings.ToLower(l.TxHash.Hex()),
			Address: strings.ToLower(l.Address.Hex()),
			Removed: l.Removed,
		}
		for _, t := range l.Topics {
			tl.Topics = append(tl.Topics, t.Hex())
		}

		ls = append(ls, tl)
	}

	return ls, nil
}

func eventIDs(a abi.ABI, names ...string) []common.Hash {
	ids := make([]common.Hash, 0, len(names))
	for _, n := range names {
		ids = append(ids, a.Events[n].ID)
	}

	return ids
}

// call packs and sends an eth_call to a contract and returns the unpacked outputs.
func (e *Ethereum) call(ctx context.Context, a abi.ABI, to common.Address, method string,
	args ...interface{}) (out []interface{}, err error) {
	start := time.Now()
	defer func() { observe(method, start, err) }()

	if (to == common.Address{}) {
		return nil, types.ErrNoContract
	}

	var data, res []byte
	if data, err = a.Pack(method, args...); err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}

	if res, err = e.c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil); err != nil {
		return nil, revertError(method, err)
	}

	if out, err = a.Unpack(method, res); err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}

	return out, nil
}

// revertError tags node errors that come from a contract revert. The node message is kept as it may carry the
// revert reason key.
func revertError(method string, err error) error {
	if strings.Contains(err.Error(), "revert") {
		return fmt.Errorf("%s: %w: %s", method, ErrReverted, err.Error())
	}

	return fmt.Errorf("%s: %w", method, err)
}

// Offer reads an offer tuple from the renting contract.
func (e *Ethereum) Offer(ctx context.Context, id, block uint64, hash string) (o types.OfferState, err error) {
	var out []interface{}
	if out, err = e.call(ctx, e.abis.renting, e.renting, "deedOffers", new(big.Int).SetUint64(id)); err != nil {
		return
	}

	if len(out) != 12 {
		return o, ErrBadOutput
	}

	if hash == "" {
		if hash, err = e.offerCreationHash(ctx, id); err != nil {
			return
		}
	}

	o = types.OfferState{
		ID:                     u64(out[0]),
		BlockNumber:            block,
		DeedID:                 u64(out[1]),
		Creator:                address(out[2]),
		Months:                 int(u64(out[3])),
		NoticePeriod:           int(u64(out[4])),
		Price:                  bigInt(out[5]),
		AllDurationPrice:       bigInt(out[6]),
		StartDate:              int64(u64(out[7])),
		ExpirationDate:         int64(u64(out[8])),
		ExpirationDays:         int(u64(out[9])),
		AuthorizedTenant:       address(out[10]),
		OwnerMintingPercentage: int(u64(out[11])),
		TransactionHash:        strings.ToLower(hash),
	}

	return o, nil
}

// offerCreationHash looks up the hash of the transaction that created the offer.
func (e *Ethereum) offerCreationHash(ctx context.Context, id uint64) (h string, err error) {
	start := time.Now()
	defer func() { observe("getLogs", start, err) }()

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(e.start),
		Addresses: []common.Address{e.renting},
		Topics: [][]common.Hash{
			{e.abis.renting.Events["OfferCreated"].ID},
			{common.BigToHash(new(big.Int).SetUint64(id))},
		},
	}

	var logs []gethtypes.Log
	if logs, err = e.c.FilterLogs(ctx, q); err != nil || len(logs) == 0 {
		return "", err
	}

	return strings.ToLower(logs[0].TxHash.Hex()), nil
}

// Lease reads a lease tuple from the renting contract.
func (e *Ethereum) Lease(ctx context.Context, id, block uint64, hash string) (l types.LeaseState, err error) {
	var out []interface{}
	if out, err = e.call(ctx, e.abis.renting, e.renting, "deedLeases", new(big.Int).SetUint64(id)); err != nil {
		return
	}

	if len(out) != 8 {
		return l, ErrBadOutput
	}

	return types.LeaseState{
		ID:               u64(out[0]),
		BlockNumber:      block,
		DeedID:           u64(out[1]),
		PaidMonths:       int(u64(out[2])),
		PaidRentsDate:    int64(u64(out[3])),
		NoticePeriodDate: int64(u64(out[4])),
		LeaseStartDate:   int64(u64(out[5])),
		LeaseEndDate:     int64(u64(out[6])),
		Tenant:           address(out[7]),
		TransactionHash:  strings.ToLower(hash),
	}, nil
}

// IsOfferEnabled returns true when the offer exists on chain and has not been leased.
func (e *Ethereum) IsOfferEnabled(ctx context.Context, id uint64) (bool, error) {
	o, err := e.Offer(ctx, id, 0, "0x")
	if err != nil || o.ID != id {
		return false, err
	}

	l, err := e.Lease(ctx, id, 0, "")
	if err != nil {
		return false, err
	}

	return l.ID == 0, nil
}

// IsDeedOwner returns true when address holds the deed NFT.
func (e *Ethereum) IsDeedOwner(ctx context.Context, addr string, deedID uint64) (bool, error) {
	if !common.IsHexAddress(addr) {
		return false, nil
	}

	out, err := e.call(ctx, e.abis.deed, e.deed, "balanceOf", common.HexToAddress(addr),
		new(big.Int).SetUint64(deedID))
	if err != nil {
		return false, err
	}

	return len(out) == 1 && bigInt(out[0]).Sign() > 0, nil
}

// IsDeedProvisioningManager returns true when address manages the provisioning of the deed.
func (e *Ethereum) IsDeedProvisioningManager(ctx context.Context, addr string, deedID uint64) (bool, error) {
	if !common.IsHexAddress(addr) {
		return false, nil
	}

	out, err := e.call(ctx, e.abis.provisioning, e.provisioning, "isProvisioningManager",
		common.HexToAddress(addr), new(big.Int).SetUint64(deedID))
	if err != nil {
		return false, err
	}

	return len(out) == 1 && boolean(out[0]), nil
}

// DeedCardType returns the card type ordinal of a deed.
func (e *Ethereum) DeedCardType(ctx context.Context, deedID uint64) (int, error) {
	return e.deedUint(ctx, "cardType", deedID)
}

// DeedCity returns the city ordinal of a deed.
func (e *Ethereum) DeedCity(ctx context.Context, deedID uint64) (int, error) {
	return e.deedUint(ctx, "cityIndex", deedID)
}

func (e *Ethereum) deedUint(ctx context.Context, method string, deedID uint64) (int, error) {
	out, err := e.call(ctx, e.abis.deed, e.deed, method, new(big.Int).SetUint64(deedID))
	if err != nil {
		return 0, err
	}

	if len(out) != 1 {
		return 0, ErrBadOutput
	}

	return int(u64(out[0])), nil
}

// WomDeed reads the deed as registered in WoM.
func (e *Ethereum) WomDeed(ctx context.Context, deedID uint64) (d types.WomDeed, err error) {
	var out []interface{}
	if out, err = e.call(ctx, e.abis.wom, e.wom, "nfts", new(big.Int).SetUint64(deedID)); err != nil {
		return
	}

	if len(out) != 9 {
		return d, ErrBadOutput
	}

	d = types.WomDeed{
		City:            int(u64(out[0])),
		CardType:        int(u64(out[1])),
		MintingPower:    float64(u64(out[2])) / 10,
		MaxUsers:        u64(out[3]),
		OwnerAddress:    address(out[4]),
		ManagerAddress:  address(out[5]),
		OwnerPercentage: int(u64(out[7])),
	}

	d.HubAddress, err = e.connectedHub(ctx, address(out[6]))

	return d, err
}

// connectedHub returns hub if it is currently connected to WoM, empty otherwise.
func (e *Ethereum) connectedHub(ctx context.Context, hub string) (string, error) {
	if hub == "" {
		return "", nil
	}

	out, err := e.call(ctx, e.abis.wom, e.wom, "isHubConnected", common.HexToAddress(hub))
	if err != nil || len(out) != 1 || !boolean(out[0]) {
		return "", err
	}

	return hub, nil
}

// WomHub reads a hub from WoM.
func (e *Ethereum) WomHub(ctx context.Context, addr string) (h types.WomHub, found bool, err error) {
	if !common.IsHexAddress(addr) {
		return h, false, types.ErrEmptyAddress
	}

	var out []interface{}
	if out, err = e.call(ctx, e.abis.wom, e.wom, "hubs", common.HexToAddress(addr)); err != nil {
		return
	}

	if len(out) != 4 {
		return h, false, ErrBadOutput
	}

	h = types.WomHub{DeedID: u64(out[0]), Owner: address(out[1]), JoinDate: int64(u64(out[3]))}
	if h.Owner == "" {
		return h, false, nil
	}

	connected, err := e.connectedHub(ctx, strings.ToLower(addr))
	h.Enabled = connected != ""

	return h, true, err
}

// HubByDeed returns the hub connected with the deed, empty when none is.
func (e *Ethereum) HubByDeed(ctx context.Context, deedID uint64) (string, error) {
	d, err := e.WomDeed(ctx, deedID)

	return d.HubAddress, err
}

// HubOwner returns the owner of the hub registered in WoM, empty when unknown.
func (e *Ethereum) HubOwner(ctx context.Context, addr string) (string, error) {
	h, _, err := e.WomHub(ctx, addr)

	return h.Owner, err
}

// UemRewardAmount returns the amount distributed per period by the UEM contract.
func (e *Ethereum) UemRewardAmount(ctx context.Context) (float64, error) {
	out, err := e.call(ctx, e.abis.uem, e.uem, "periodicRewardAmount")
	if err != nil {
		return 0, err
	}

	if len(out) != 1 {
		return 0, ErrBadOutput
	}

	return types.FromWei(bigInt(out[0])), nil
}

// u64 converts an unpacked uint output.
func u64(v interface{}) uint64 {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return 0
		}

		return n.Uint64()
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	default:
		return 0
	}
}

func bigInt(v interface{}) *big.Int {
	if n, ok := v.(*big.Int); ok && n != nil {
		return n
	}

	return new(big.Int).SetUint64(u64(v))
}

func boolean(v interface{}) bool {
	b, _ := v.(bool)

	return b
}

// address returns the lowercase hex of an unpacked address, empty for the zero address.
func address(v interface{}) string {
	a, ok := v.(common.Address)
	if !ok || (a == common.Address{}) {
		return ""
	}

	return "0x" + hex.EncodeToString(a.Bytes())
}
