package reward

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// MerkleRoot returns the keccak256 merkle root of the report ids, sorted. Each level hashes pairs of nodes; an odd
// node is hashed with itself. The root of a single id is the id.
func MerkleRoot(ids []string) string {
	if len(ids) == 0 {
		return ""
	}

	sorted := make([]string, len(ids))
	for i, id := range ids {
		sorted[i] = strings.ToLower(id)
	}

	sort.Strings(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}

	level := make([][]byte, len(sorted))
	for i, id := range sorted {
		level[i] = leaf(id)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)

		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}

			next = append(next, crypto.Keccak256(level[i], right))
		}

		level = next
	}

	return hexutil.Encode(level[0])
}

func leaf(id string) []byte {
	if b := common.FromHex(id); len(b) > 0 && strings.HasPrefix(id, "0x") {
		return b
	}

	return []byte(id)
}
