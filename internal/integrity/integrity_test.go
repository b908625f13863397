package integrity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChainHash_Deterministic(t *testing.T) {
	ts := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	payload := map[string]any{"fact_id": float64(1), "fact_type": "knowledge"}

	h1, err := ChainHash(GenesisHash, payload, ts)
	require.NoError(t, err)
	h2, err := ChainHash(GenesisHash, payload, ts)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestChainHash_KeyOrderDoesNotAffectHash(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h1, err := ChainHash(GenesisHash, map[string]any{"a": "1", "b": "2"}, ts)
	require.NoError(t, err)
	h2, err := ChainHash(GenesisHash, map[string]any{"b": "2", "a": "1"}, ts)
	require.NoError(t, err)

	require.Equal(t, h1, h2, "canonical JSON sorts keys so map iteration order must not matter")
}

func TestChainHash_DifferentPrevHashDiffers(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := map[string]any{"fact_id": float64(1)}

	h1, err := ChainHash(GenesisHash, payload, ts)
	require.NoError(t, err)
	h2, err := ChainHash("somethingelse", payload, ts)
	require.NoError(t, err)

	require.NotEqual(t, h1, h2)
}

func TestChainHash_NanosecondsTruncatedToMicroseconds(t *testing.T) {
	payload := map[string]any{"fact_id": float64(1)}
	base := time.Date(2026, 1, 1, 0, 0, 0, 500, time.UTC) // 500ns, below microsecond resolution
	rounded := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h1, err := ChainHash(GenesisHash, payload, base)
	require.NoError(t, err)
	h2, err := ChainHash(GenesisHash, payload, rounded)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
}

func TestCanonicalJSON_SortsNestedKeys(t *testing.T) {
	v := map[string]any{
		"outer": map[string]any{"z": 1, "a": 2},
		"list":  []any{map[string]any{"y": 1, "x": 2}},
	}
	b1, err := CanonicalJSON(v)
	require.NoError(t, err)
	b2, err := CanonicalJSON(v)
	require.NoError(t, err)
	require.Equal(t, string(b1), string(b2))
	require.Contains(t, string(b1), `"a":2,"z":1`)
}

func TestSortedTags(t *testing.T) {
	in := []string{"zeta", "alpha", "mid"}
	out := SortedTags(in)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, out)
	require.Equal(t, []string{"zeta", "alpha", "mid"}, in, "input slice must not be mutated")
}

func TestBuildMerkleRoot_Empty(t *testing.T) {
	require.Equal(t, "", BuildMerkleRoot(nil))
}

func TestBuildMerkleRoot_SingleLeaf(t *testing.T) {
	require.Equal(t, "abc123", BuildMerkleRoot([]string{"abc123"}))
}

func TestBuildMerkleRoot_Deterministic(t *testing.T) {
	leaves := []string{"hash_a", "hash_b", "hash_c", "hash_d"}

	r1 := BuildMerkleRoot(leaves)
	r2 := BuildMerkleRoot(leaves)

	require.Equal(t, r1, r2)
	require.Len(t, r1, 64)
}

func TestBuildMerkleRoot_OrderMatters(t *testing.T) {
	r1 := BuildMerkleRoot([]string{"a", "b", "c"})
	r2 := BuildMerkleRoot([]string{"b", "a", "c"})
	require.NotEqual(t, r1, r2)
}

func TestBuildMerkleRoot_OddLeafCount(t *testing.T) {
	root := BuildMerkleRoot([]string{"x", "y", "z"})
	require.NotEmpty(t, root)
	require.Len(t, root, 64)
}
