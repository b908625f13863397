// Package integrity provides tamper-evident hashing and Merkle tree
// construction for the ledger. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// GenesisHash is the prev_hash value of the first transaction in a chain.
const GenesisHash = "GENESIS"

// CanonicalJSON encodes v as UTF-8 JSON with sorted object keys, array order
// preserved, and no insignificant whitespace. Used wherever hashing includes
// a structured payload, so two semantically identical payloads always
// produce the same bytes.
func CanonicalJSON(v map[string]any) ([]byte, error) {
	sorted := sortKeysDeep(v)
	return json.Marshal(sorted)
}

// sortKeysDeep recursively walks maps/slices and rebuilds them. json.Marshal
// already sorts map keys at every nesting level, so this pass does not
// change the encoded bytes; it keeps the key-sorting step explicit.
func sortKeysDeep(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortKeysDeep(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortKeysDeep(item)
		}
		return out
	default:
		return val
	}
}

// ChainHash computes hash = SHA-256(prevHash || canonicalPayload || timestamp)
// where timestamp is the RFC 3339 UTC representation truncated to
// microseconds. This is the single hashing rule used for every ledger
// transaction and vote-ledger entry.
func ChainHash(prevHash string, payload map[string]any, ts time.Time) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("integrity: canonicalize payload: %w", err)
	}
	tsStr := ts.UTC().Truncate(time.Microsecond).Format("2006-01-02T15:04:05.000000Z07:00")

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	h.Write([]byte(tsStr))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashPair produces SHA-256(0x01 || len(a) || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per
// RFC 6962), ensuring internal node hashes can never collide with leaf
// hashes. The 4-byte big-endian length prefix on a prevents boundary
// ambiguity (e.g. hashPair("ab","c") != hashPair("a","bc")).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	aBytes := []byte(a)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(aBytes)))
	h.Write(lenBuf[:])
	h.Write(aBytes)
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes (transaction
// hashes, in tx_id ascending order) and returns the root. Empty input
// returns an empty string; a single leaf is its own root. Odd-length levels
// duplicate the last node to pair with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}

// SortedTags returns tags in canonical deterministic order for hashing and
// storage; the input slice is not mutated.
func SortedTags(tags []string) []string {
	out := make([]string, len(tags))
	copy(out, tags)
	sort.Strings(out)
	return out
}
