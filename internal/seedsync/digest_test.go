package seedsync

import (
	"testing"

	"gossipmesh/internal/identity"
)

func TestBuildDeterministicForSameMembers(t *testing.T) {
	members := []identity.ID{
		identity.New("127.0.0.1", 7000),
		identity.New("127.0.0.1", 7001),
		identity.New("127.0.0.1", 7002),
	}
	a := Build(members)
	b := Build(append([]identity.ID(nil), members...))
	if !a.Equal(b) {
		t.Fatalf("Build() not deterministic for identical member lists: %v vs %v", a, b)
	}
}

func TestBuildDiffersWhenMembershipDiffers(t *testing.T) {
	a := Build([]identity.ID{identity.New("127.0.0.1", 7000), identity.New("127.0.0.1", 7001)})
	b := Build([]identity.ID{identity.New("127.0.0.1", 7000), identity.New("127.0.0.1", 7002)})
	if a.Equal(b) {
		t.Fatalf("digests of differing member sets must not be equal")
	}
}

func TestBuildEmptyIsStable(t *testing.T) {
	a := Build(nil)
	b := Build([]identity.ID{})
	if !a.Equal(b) {
		t.Fatalf("digest of an empty membership set must be stable across nil/empty slices")
	}
}

func TestBuildOddLengthDoesNotPanic(t *testing.T) {
	members := []identity.ID{
		identity.New("127.0.0.1", 7000),
		identity.New("127.0.0.1", 7001),
		identity.New("127.0.0.1", 7002),
	}
	if got := Build(members); got.Root == "" {
		t.Fatalf("Build() with an odd number of members produced an empty root")
	}
}
