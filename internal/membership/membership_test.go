package membership

import (
	"testing"

	"gossipmesh/internal/identity"
)

func TestInsertRemoveContains(t *testing.T) {
	s := New()
	a := identity.New("a", 1)

	if s.Contains(a) {
		t.Fatalf("new store should not contain %v", a)
	}
	if !s.Insert(a) {
		t.Errorf("Insert(%v) first time should report true", a)
	}
	if s.Insert(a) {
		t.Errorf("Insert(%v) second time should report false", a)
	}
	if !s.Contains(a) {
		t.Errorf("expected store to contain %v after insert", a)
	}
	if !s.Remove(a) {
		t.Errorf("Remove(%v) should report true for a present member", a)
	}
	if s.Remove(a) {
		t.Errorf("Remove(%v) should report false once already removed", a)
	}
}

func TestListSorted(t *testing.T) {
	s := New()
	s.Insert(identity.New("c", 3))
	s.Insert(identity.New("a", 1))
	s.Insert(identity.New("b", 2))

	list := s.List()
	want := []string{"a:1", "b:2", "c:3"}
	if len(list) != len(want) {
		t.Fatalf("List() len = %d, want %d", len(list), len(want))
	}
	for i, id := range list {
		if id.String() != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, id.String(), want[i])
		}
	}
}

func TestUnionOnlyAdds(t *testing.T) {
	s := New()
	a, b, c := identity.New("a", 1), identity.New("b", 2), identity.New("c", 3)
	s.Insert(a)

	added := s.Union([]identity.ID{a, b, c})
	if len(added) != 2 {
		t.Fatalf("Union() added %d, want 2", len(added))
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}

	// Union never removes: an empty incoming set changes nothing.
	s.Union(nil)
	if s.Len() != 3 {
		t.Errorf("Union(nil) must never shrink the store, Len() = %d, want 3", s.Len())
	}
}
