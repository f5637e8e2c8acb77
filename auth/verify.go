package auth

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tarancss/deeds/lib/errs"
)

// Message keys of the authentication errors.
const (
	KeyEmptyToken     = "wom.emptyTokenForSignedMessage"
	KeyInvalidToken   = "wom.invalidTokenForSignedMessage"
	KeyEmptyAddress   = "wom.emptyDeedManagerAddress"
	KeyEmptyMessage   = "wom.emptySignedMessage"
	KeyInvalidMessage = "wom.invalidSignedMessage"
)

// TokenValidator tells whether a challenge token is live.
type TokenValidator interface {
	Validate(token string) bool
}

// Verifier checks signed challenge messages.
type Verifier struct {
	tokens TokenValidator
}

// NewVerifier returns a verifier accepting the tokens of tokens.
func NewVerifier(tokens TokenValidator) *Verifier {
	return &Verifier{tokens: tokens}
}

// Verify checks that message holds the live token and that signature, hex encoded, is the EIP-191 personal
// signature of message by address. Failures are authorization errors.
func (v *Verifier) Verify(address, signature, message, token string) error {
	switch {
	case strings.TrimSpace(token) == "":
		return errs.Authorization(KeyEmptyToken)
	case !v.tokens.Validate(token):
		return errs.Retry(KeyInvalidToken)
	case strings.TrimSpace(address) == "":
		return errs.Authorization(KeyEmptyAddress)
	case strings.TrimSpace(signature) == "" || strings.TrimSpace(message) == "":
		return errs.Authorization(KeyEmptyMessage)
	case !strings.Contains(message, token):
		return errs.Authorization(KeyInvalidMessage)
	}

	if !SignedBy(address, signature, message) {
		return errs.Authorization(KeyInvalidMessage)
	}

	return nil
}

// SignedBy returns true when signature is a personal signature of message by address. 65 byte signatures may
// carry a recovery id of 0/1 or 27/28; both ids are tried for 64 byte signatures.
func SignedBy(address, signature, message string) bool {
	sig := common.FromHex(signature)
	if len(sig) < 64 { //nolint:gomnd // r and s
		return false
	}

	var ids []byte
	if len(sig) == 64 {
		ids = []byte{0, 1}
	} else {
		id := sig[64]
		if id >= 27 { //nolint:gomnd // legacy recovery ids
			id -= 27
		}

		ids = []byte{id}
	}

	hash := accounts.TextHash([]byte(message))

	for _, id := range ids {
		s := make([]byte, 65)
		copy(s, sig[:64])
		s[64] = id

		pub, err := crypto.SigToPub(hash, s)
		if err != nil {
			continue
		}

		if strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), address) {
			return true
		}
	}

	return false
}
