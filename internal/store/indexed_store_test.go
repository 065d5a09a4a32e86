package store

import "testing"

type widget struct {
	ID    string
	Owner string
	Tags  []string
}

func newWidgetStore() *IndexedStore[widget] {
	s := NewIndexedStore[widget]()
	s.RegisterIndex("owner", func(w widget) []string { return []string{w.Owner} })
	s.RegisterIndex("tag", func(w widget) []string { return w.Tags })
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newWidgetStore()
	s.Put("w1", widget{ID: "w1", Owner: "alice"})
	got, ok := s.Get("w1")
	if !ok || got.Owner != "alice" {
		t.Fatalf("expected to retrieve w1 owned by alice, got %+v ok=%v", got, ok)
	}
}

func TestByIndexFindsMatches(t *testing.T) {
	s := newWidgetStore()
	s.Put("w1", widget{ID: "w1", Owner: "alice", Tags: []string{"a", "b"}})
	s.Put("w2", widget{ID: "w2", Owner: "bob", Tags: []string{"b"}})

	byOwner := s.ByIndex("owner", "alice")
	if len(byOwner) != 1 || byOwner[0].ID != "w1" {
		t.Fatalf("expected only w1 for owner alice, got %+v", byOwner)
	}

	byTag := s.ByIndex("tag", "b")
	if len(byTag) != 2 {
		t.Fatalf("expected both widgets tagged b, got %d", len(byTag))
	}
}

func TestPutReplacesAndUpdatesIndexes(t *testing.T) {
	s := newWidgetStore()
	s.Put("w1", widget{ID: "w1", Owner: "alice"})
	s.Put("w1", widget{ID: "w1", Owner: "bob"})

	if got := s.ByIndex("owner", "alice"); len(got) != 0 {
		t.Fatalf("expected no widgets left under alice after reassignment, got %+v", got)
	}
	if got := s.ByIndex("owner", "bob"); len(got) != 1 {
		t.Fatalf("expected w1 under bob after reassignment, got %+v", got)
	}
}

func TestDeleteRemovesFromIndexes(t *testing.T) {
	s := newWidgetStore()
	s.Put("w1", widget{ID: "w1", Owner: "alice", Tags: []string{"a"}})
	s.Delete("w1")

	if _, ok := s.Get("w1"); ok {
		t.Fatal("expected w1 to be gone after delete")
	}
	if got := s.ByIndex("owner", "alice"); len(got) != 0 {
		t.Fatalf("expected owner index cleared after delete, got %+v", got)
	}
	if got := s.ByIndex("tag", "a"); len(got) != 0 {
		t.Fatalf("expected tag index cleared after delete, got %+v", got)
	}
}

func TestCountMatchesByIndexLength(t *testing.T) {
	s := newWidgetStore()
	s.Put("w1", widget{ID: "w1", Owner: "alice"})
	s.Put("w2", widget{ID: "w2", Owner: "alice"})
	if s.Count("owner", "alice") != 2 {
		t.Fatalf("expected count 2, got %d", s.Count("owner", "alice"))
	}
}

func TestAllReturnsEveryValue(t *testing.T) {
	s := newWidgetStore()
	s.Put("w1", widget{ID: "w1"})
	s.Put("w2", widget{ID: "w2"})
	if len(s.All()) != 2 {
		t.Fatalf("expected 2 values, got %d", len(s.All()))
	}
}
