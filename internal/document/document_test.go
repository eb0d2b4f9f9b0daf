package document

import (
	"errors"
	"testing"
	"time"
)

func TestNew_AssignsSequentialChunkIDs(t *testing.T) {
	d, err := New("doc1", []string{"alpha", "beta", "gamma"}, time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.Status != StatusUnbuilt {
		t.Errorf("Status = %q, want unbuilt", d.Status)
	}
	for i, c := range d.Chunks {
		if c.Seq != i {
			t.Errorf("chunk %d: Seq = %d", i, c.Seq)
		}
		if c.ID != ChunkID("doc1", i) {
			t.Errorf("chunk %d: ID = %q", i, c.ID)
		}
		if c.DocumentID != "doc1" {
			t.Errorf("chunk %d: DocumentID = %q", i, c.DocumentID)
		}
	}
}

func TestNew_Empty(t *testing.T) {
	if _, err := New("doc1", nil, time.Now()); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("New(nil) error = %v, want ErrEmptyDocument", err)
	}
}

func TestStore_PutRejectsDuplicate(t *testing.T) {
	s := NewStore()
	d, _ := New("doc1", []string{"x"}, time.Now())
	if err := s.Put(d); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(d); !errors.Is(err, ErrDocumentExists) {
		t.Errorf("second Put error = %v, want ErrDocumentExists", err)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore()
	d, _ := New("doc1", []string{"original"}, time.Now())
	s.Put(d)

	got, err := s.Get("doc1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Chunks[0].Text = "mutated"

	again, _ := s.Get("doc1")
	if again.Chunks[0].Text != "original" {
		t.Errorf("store chunk mutated through copy: %q", again.Chunks[0].Text)
	}
}

func TestStore_GetMissing(t *testing.T) {
	if _, err := NewStore().Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestStore_CompareAndSetStatus(t *testing.T) {
	s := NewStore()
	d, _ := New("doc1", []string{"x"}, time.Now())
	s.Put(d)

	ok, err := s.CompareAndSetStatus("doc1", StatusUnbuilt, StatusBuilding)
	if err != nil || !ok {
		t.Fatalf("first CAS = %v, %v; want true, nil", ok, err)
	}
	ok, _ = s.CompareAndSetStatus("doc1", StatusUnbuilt, StatusBuilding)
	if ok {
		t.Error("second CAS from unbuilt should fail")
	}

	if err := s.SetStatus("doc1", StatusReady, 3, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := s.Get("doc1")
	if got.Status != StatusReady || got.IndexVersion != 3 {
		t.Errorf("got status %q version %d, want ready 3", got.Status, got.IndexVersion)
	}
}

func TestStore_ListOrdered(t *testing.T) {
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b, _ := New("b", []string{"x"}, base)
	a, _ := New("a", []string{"x"}, base)
	c, _ := New("c", []string{"x"}, base.Add(-time.Hour))
	s.Put(b)
	s.Put(a)
	s.Put(c)

	got := s.List()
	want := []string{"c", "a", "b"}
	for i, d := range got {
		if d.ID != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, d.ID, want[i])
		}
	}
}

func TestStore_Delete(t *testing.T) {
	s := NewStore()
	d, _ := New("doc1", []string{"x"}, time.Now())
	s.Put(d)
	s.Delete("doc1")
	s.Delete("missing")
	if _, err := s.Get("doc1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	if err := s.Put(d); err != nil {
		t.Errorf("Put after Delete = %v", err)
	}
}
