package entry

import "testing"

func TestKeyOrderingSentinelsBracketNames(t *testing.T) {
	first, last := First(), Last()
	a, z := NameKey("a"), NameKey("z")

	if !Less(first, a) {
		t.Fatalf("expected FIRST < %q", a)
	}
	if !Less(first, z) {
		t.Fatalf("expected FIRST < %q", z)
	}
	if !Less(a, last) {
		t.Fatalf("expected %q < LAST", a)
	}
	if !Less(z, last) {
		t.Fatalf("expected %q < LAST", z)
	}
	if !Less(a, z) {
		t.Fatalf("expected %q < %q", a, z)
	}
	if Less(last, first) == false && Less(first, last) == false {
		t.Fatalf("expected FIRST < LAST")
	}
	if !Less(first, last) {
		t.Fatalf("expected FIRST < LAST")
	}
}

func TestKeyCompareEqualNames(t *testing.T) {
	if Compare(NameKey("m"), NameKey("m")) != 0 {
		t.Fatalf("expected equal names to compare 0")
	}
	if Compare(First(), First()) != 0 {
		t.Fatalf("expected FIRST == FIRST")
	}
	if Compare(Last(), Last()) != 0 {
		t.Fatalf("expected LAST == LAST")
	}
}
