package store

import "testing"

func TestPutGetHasDelete(t *testing.T) {
	s := New()
	if s.Has("k") {
		t.Fatal("empty store must not have k")
	}
	s.Put("k", []byte("v"))
	if !s.Has("k") {
		t.Error("expected Has(k) after Put")
	}
	v, ok := s.Get("k")
	if !ok || string(v) != "v" {
		t.Errorf("Get(k) = %q, %v", v, ok)
	}
	if s.NBytes("k") != 1 {
		t.Errorf("NBytes(k) = %d, want 1", s.NBytes("k"))
	}
	s.Delete("k")
	if s.Has("k") {
		t.Error("expected Has(k) false after Delete")
	}
	if s.NBytes("k") != 0 {
		t.Errorf("NBytes after delete = %d, want 0", s.NBytes("k"))
	}
}

func TestGetMany(t *testing.T) {
	s := New()
	s.Put("a", []byte("1"))
	s.Put("b", []byte("2"))
	got := s.GetMany([]string{"a", "b", "missing"})
	if len(got) != 2 {
		t.Fatalf("expected 2 resolved keys, got %d", len(got))
	}
	if string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Errorf("unexpected values: %v", got)
	}
}

func TestKeys(t *testing.T) {
	s := New()
	s.Put("a", nil)
	s.Put("b", nil)
	keys := s.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}
