package auth

import (
	"crypto/ecdsa"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/deeds/lib/errs"
)

func sign(t *testing.T, key *ecdsa.PrivateKey, message string) []byte {
	t.Helper()

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)

	return sig
}

func TestVerify(t *testing.T) {
	s, c := newStore(10, time.Minute)
	v := NewVerifier(s)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	token := s.Issue()
	message := "Connect hub to WoM with token " + token
	sig := sign(t, key, message)

	legacy := append([]byte(nil), sig...)
	legacy[64] += 27

	var tests = []struct {
		name    string
		address string
		sig     string
		message string
		token   string
		key     string
		retry   bool
	}{
		{"valid", address, hexutil.Encode(sig), message, token, "", false},
		{"lowercase address", strings.ToLower(address), hexutil.Encode(sig), message, token, "", false},
		{"legacy recovery id", address, hexutil.Encode(legacy), message, token, "", false},
		{"64 bytes", address, hexutil.Encode(sig[:64]), message, token, "", false},
		{"empty token", address, hexutil.Encode(sig), message, " ", KeyEmptyToken, false},
		{"unknown token", address, hexutil.Encode(sig), message, "nope", KeyInvalidToken, true},
		{"empty address", "", hexutil.Encode(sig), message, token, KeyEmptyAddress, false},
		{"empty signature", address, "", message, token, KeyEmptyMessage, false},
		{"empty message", address, hexutil.Encode(sig), "", token, KeyEmptyMessage, false},
		{"message without token", address, hexutil.Encode(sign(t, key, "hello")), "hello", token, KeyInvalidMessage, false},
		{"short signature", address, "0x1234", message, token, KeyInvalidMessage, false},
		{"other key", address, hexutil.Encode(sign(t, other, message)), message, token, KeyInvalidMessage, false},
		{"other message", address, hexutil.Encode(sig), message + ".", token, KeyInvalidMessage, false},
	}

	for _, tt := range tests {
		err := v.Verify(tt.address, tt.sig, tt.message, tt.token)
		if tt.key == "" {
			assert.NoError(t, err, tt.name)

			continue
		}

		e := errs.As(err)
		require.NotNil(t, e, tt.name)
		assert.Equal(t, errs.KindAuthorization, e.Kind, tt.name)
		assert.Equal(t, tt.key, e.Key, tt.name)
		assert.Equal(t, tt.retry, e.ShouldRetry, tt.name)
	}

	c.add(time.Minute)

	err = v.Verify(address, hexutil.Encode(sig), message, token)
	assert.ErrorIs(t, err, errs.Retry(KeyInvalidToken))
}
