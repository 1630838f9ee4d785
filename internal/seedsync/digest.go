// Package seedsync implements the periodic anti-entropy exchange between
// seeds (base spec §4.8) and the membership digest optimization described
// in SPEC_FULL.md §3: a binary hash tree over a seed's sorted committed
// member list, used to skip a full reconciliation when two seeds already
// agree. The tree-building code here is adapted from the teacher
// project's data Merkle tree (internal/storage/merkle.go), retargeted
// from key/value pairs onto peer identities.
package seedsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gossipmesh/internal/identity"
)

// Digest is a Merkle root over a sorted list of member identities. Only
// the root is kept; the interior nodes of the tree are discarded once the
// root has been computed.
type Digest struct {
	Root string
}

// Build computes the digest for a sorted membership snapshot. Two
// snapshots with the same members in the same order always produce the
// same root; members must already be sorted by the caller (membership
// Store.List returns a sorted slice).
func Build(members []identity.ID) Digest {
	if len(members) == 0 {
		return Digest{Root: leafHash("")}
	}
	level := make([]string, len(members))
	for i, id := range members {
		level[i] = leafHash(id.String())
	}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, internalHash(left, right))
		}
		level = next
	}
	return Digest{Root: level[0]}
}

func leafHash(s string) string {
	h := sha256.Sum256([]byte("leaf:" + s))
	return hex.EncodeToString(h[:])
}

func internalHash(left, right string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("internal:%s:%s", left, right)))
	return hex.EncodeToString(h[:])
}

// Equal reports whether two digests were built from identical member sets.
func (d Digest) Equal(other Digest) bool {
	return d.Root == other.Root
}
