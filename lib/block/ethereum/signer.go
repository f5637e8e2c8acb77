package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/hd"
)

// signer holds the key derived from the HD wallet that sends the WoM transactions.
type signer struct {
	key  *ecdsa.PrivateKey
	from common.Address
}

// newSigner derives the external key wallet/index of the HD wallet seeded by the hex seed.
func newSigner(sc config.SignerConfig) (*signer, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(sc.Seed, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding hd seed: %w", err)
	}

	hdw, err := hd.Init(seed)
	if err != nil {
		return nil, fmt.Errorf("loading hd wallet: %w", err)
	}

	_, key, _, err := hdw.Address(sc.Wallet, hd.External, sc.Index)
	if err != nil {
		return nil, fmt.Errorf("deriving hd key %d/%d: %w", sc.Wallet, sc.Index, err)
	}

	pk, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("loading hd key: %w", err)
	}

	return &signer{key: pk, from: crypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// womDeed is the tuple argument of updateDeed. Field names match the ABI components.
type womDeed struct {
	City             *big.Int
	CardType         *big.Int
	MintingPower     *big.Int
	MaxUsers         *big.Int
	Owner            common.Address
	Manager          common.Address
	Hub              common.Address
	OwnerPercentage  *big.Int
	TenantPercentage *big.Int
}

// UpdateWomDeed sends updateDeed to WoM and waits until it is mined. A reverted transaction or a failed gas
// estimation returns an error carrying the revert reason.
func (e *Ethereum) UpdateWomDeed(ctx context.Context, deedID uint64, d types.WomDeed) (h string, err error) {
	if e.signer == nil {
		return "", types.ErrNoSigner
	}

	if (e.wom == common.Address{}) {
		return "", types.ErrNoContract
	}

	start := time.Now()
	defer func() { observe("sendTransaction", start, err) }()

	arg := womDeed{
		City:             big.NewInt(int64(d.City)),
		CardType:         big.NewInt(int64(d.CardType)),
		MintingPower:     big.NewInt(int64(d.MintingPower*10 + 0.5)),
		MaxUsers:         new(big.Int).SetUint64(d.MaxUsers),
		Owner:            common.HexToAddress(d.OwnerAddress),
		Manager:          common.HexToAddress(d.ManagerAddress),
		Hub:              common.HexToAddress(d.HubAddress),
		OwnerPercentage:  big.NewInt(int64(d.OwnerPercentage)),
		TenantPercentage: big.NewInt(int64(100 - d.OwnerPercentage)),
	}

	var data []byte
	if data, err = e.abis.wom.Pack("updateDeed", new(big.Int).SetUint64(deedID), arg); err != nil {
		return "", fmt.Errorf("packing updateDeed: %w", err)
	}

	var tx *gethtypes.Transaction
	if tx, err = e.signTx(ctx, e.wom, data); err != nil {
		return "", err
	}

	if err = e.c.SendTransaction(ctx, tx); err != nil {
		return "", revertError("updateDeed", err)
	}

	h = strings.ToLower(tx.Hash().Hex())

	return h, e.waitMined(ctx, h)
}

// signTx builds and signs a legacy transaction calling to with data.
func (e *Ethereum) signTx(ctx context.Context, to common.Address, data []byte) (*gethtypes.Transaction, error) {
	nonce, err := e.c.PendingNonceAt(ctx, e.signer.from)
	if err != nil {
		return nil, fmt.Errorf("getting nonce: %w", err)
	}

	price, err := e.c.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting gas price: %w", err)
	}

	gas, err := e.c.EstimateGas(ctx, ethereum.CallMsg{From: e.signer.from, To: &to, Data: data})
	if err != nil {
		return nil, revertError("estimateGas", err)
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gas + gas/5,
		GasPrice: price,
		Data:     data,
	})

	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(e.chainID), e.signer.key)
}

// waitMined polls the receipt of hash until it is mined or ctx is done.
func (e *Ethereum) waitMined(ctx context.Context, hash string) error {
	t := time.NewTicker(e.poll)
	defer t.Stop()

	for {
		status, err := e.TxStatus(ctx, hash)
		if err != nil {
			return err
		}

		switch status {
		case types.TrxSuccess:
			return nil
		case types.TrxFailed:
			return fmt.Errorf("%w: %s", types.ErrTxFailed, hash)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
