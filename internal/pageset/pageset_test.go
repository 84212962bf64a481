package pageset

import (
	"slices"
	"testing"
)

func TestAdd(t *testing.T) {
	s := New(130)

	for i := uint32(0); i < 130; i++ {
		if !s.Add(i) {
			t.Fatalf("Add(%d) = false", i)
		}
	}
	if s.Add(5) {
		t.Error("second Add of the same page should fail")
	}
	if s.Add(130) {
		t.Error("Add beyond the limit should fail")
	}
	if s.Len() != 130 {
		t.Errorf("Len = %d, want 130", s.Len())
	}
}

func TestHas(t *testing.T) {
	s := New(100)
	s.Add(0)
	s.Add(63)
	s.Add(64)

	tests := []struct {
		pg   uint32
		want bool
	}{
		{0, true},
		{1, false},
		{63, true},
		{64, true},
		{65, false},
		{1000, false},
	}
	for _, tt := range tests {
		if got := s.Has(tt.pg); got != tt.want {
			t.Errorf("Has(%d) = %v, want %v", tt.pg, got, tt.want)
		}
	}
}

func TestMissing(t *testing.T) {
	s := New(200)
	for i := uint32(0); i < 200; i++ {
		if i != 3 && i != 64 && i != 130 && i != 199 {
			s.Add(i)
		}
	}

	if got, want := s.Missing(0, 10), []uint32{3, 64, 130, 199}; !slices.Equal(got, want) {
		t.Errorf("Missing = %v, want %v", got, want)
	}
	if got, want := s.Missing(4, 2), []uint32{64, 130}; !slices.Equal(got, want) {
		t.Errorf("Missing(4, 2) = %v, want %v", got, want)
	}
	if got := New(0).Missing(0, 10); len(got) != 0 {
		t.Errorf("empty set Missing = %v", got)
	}
}
