// Package uuid provides unit tests for id generation and validation.
package uuid

import (
	"sort"
	"testing"
)

// TestNew tests that New() generates valid v4 strings.
func TestNew(t *testing.T) {
	id := New()

	if !IsValid(id) {
		t.Fatalf("New() = %q, not a valid id", id)
	}
	parsed, err := Parse(id)
	if err != nil {
		t.Fatalf("Parse(New()) failed: %v", err)
	}
	if parsed.Version() != 4 {
		t.Errorf("version = %d, want 4", parsed.Version())
	}
}

// TestNewOrdered tests that v7 ids are valid and sort by creation order.
func TestNewOrdered(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = NewOrdered()
	}

	for _, id := range ids {
		parsed, err := Parse(id)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", id, err)
		}
		if parsed.Version() != 7 {
			t.Errorf("version = %d, want 7", parsed.Version())
		}
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if sorted[i] != ids[i] {
			t.Fatalf("ids not in creation order at %d: %s vs %s", i, sorted[i], ids[i])
		}
	}
}

// TestNewUniqueness tests that generated ids do not collide.
func TestNewUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		for _, id := range []string{New(), NewOrdered()} {
			if seen[id] {
				t.Fatalf("duplicate id generated: %s", id)
			}
			seen[id] = true
		}
	}
}

// TestIsValid tests accepted and rejected formats.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"v4", "550e8400-e29b-41d4-a716-446655440000", true},
		{"v7", "01890a5d-ac96-774b-bcce-b302099a8057", true},
		{"uppercase", "550E8400-E29B-41D4-A716-446655440000", true},
		{"v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"bad variant", "550e8400-e29b-41d4-c716-446655440000", false},
		{"no dashes", "550e8400e29b41d4a716446655440000", false},
		{"empty", "", false},
		{"legacy timestamp id", "1717236000000_k3j9x0a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.id); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.id, got, tt.want)
			}
			if err := Validate(tt.id); (err == nil) != tt.want {
				t.Errorf("Validate(%q) error = %v, want valid=%v", tt.id, err, tt.want)
			}
		})
	}
}

func TestParseRejectsOtherVersions(t *testing.T) {
	if _, err := Parse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"); err == nil {
		t.Error("Parse() accepted a v1 UUID")
	}
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Error("Parse() accepted garbage")
	}
}
