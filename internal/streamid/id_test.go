package streamid

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{"5-3", ID{5, 3}},
		{"5", ID{5, 0}},
		{"0-1", ID{0, 1}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{"", "abc", "5-abc", "-5"} {
		if _, err := Parse(in); !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q): expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestCompare(t *testing.T) {
	if !(ID{1, 0}).Less(ID{1, 1}) {
		t.Error("1-0 should be less than 1-1")
	}
	if !(ID{2, 0}).Greater(ID{1, 5}) {
		t.Error("2-0 should be greater than 1-5")
	}
	if (ID{3, 3}).Compare(ID{3, 3}) != 0 {
		t.Error("3-3 should compare equal to itself")
	}
}

func TestParseRangeBound(t *testing.T) {
	start, err := ParseRangeBound("-", true)
	if err != nil || start != Zero {
		t.Errorf("ParseRangeBound(-) = %v, %v", start, err)
	}
	end, err := ParseRangeBound("+", false)
	if err != nil || end != Max {
		t.Errorf("ParseRangeBound(+) = %v, %v", end, err)
	}
}

func TestParseSpec(t *testing.T) {
	s, err := ParseSpec("*")
	if err != nil || !s.AutoMs || !s.AutoSeq {
		t.Fatalf("ParseSpec(*) = %+v, %v", s, err)
	}

	s, err = ParseSpec("5-*")
	if err != nil || s.Ms != 5 || !s.AutoSeq || s.AutoMs {
		t.Fatalf("ParseSpec(5-*) = %+v, %v", s, err)
	}

	s, err = ParseSpec("5-3")
	if err != nil || s.Ms != 5 || s.Seq != 3 || s.AutoMs || s.AutoSeq {
		t.Fatalf("ParseSpec(5-3) = %+v, %v", s, err)
	}
}

func TestNextSeq(t *testing.T) {
	none := func(ms uint64) (uint64, bool) { return 0, false }
	if got := NextSeq(0, none); got != 1 {
		t.Errorf("NextSeq(0, none) = %d, want 1", got)
	}
	if got := NextSeq(5, none); got != 0 {
		t.Errorf("NextSeq(5, none) = %d, want 0", got)
	}

	existing := func(ms uint64) (uint64, bool) { return 7, true }
	if got := NextSeq(5, existing); got != 8 {
		t.Errorf("NextSeq(5, existing) = %d, want 8", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(Zero, Zero, false); !errors.Is(err, ErrNotAboveZero) {
		t.Errorf("Validate(0-0) = %v, want ErrNotAboveZero", err)
	}
	last := ID{5, 3}
	if err := Validate(ID{5, 3}, last, true); !errors.Is(err, ErrNotAboveLast) {
		t.Errorf("Validate(equal to last) = %v, want ErrNotAboveLast", err)
	}
	if err := Validate(ID{5, 2}, last, true); !errors.Is(err, ErrNotAboveLast) {
		t.Errorf("Validate(less than last) = %v, want ErrNotAboveLast", err)
	}
	if err := Validate(ID{5, 4}, last, true); err != nil {
		t.Errorf("Validate(above last) = %v, want nil", err)
	}
}

func TestInRange(t *testing.T) {
	if !InRange(ID{5, 0}, Zero, Max) {
		t.Error("5-0 should be in [-, +]")
	}
	if InRange(ID{5, 0}, ID{6, 0}, Max) {
		t.Error("5-0 should not be in [6-0, +]")
	}
}
