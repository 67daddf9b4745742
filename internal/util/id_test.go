package util

import (
	"strings"
	"testing"
)

func TestNewIDCarriesPrefix(t *testing.T) {
	id := NewID("sess")
	if !strings.HasPrefix(id, "sess_") {
		t.Fatalf("id = %q, want sess_ prefix", id)
	}
	if len(id) != len("sess_")+24 {
		t.Fatalf("id length = %d, want %d", len(id), len("sess_")+24)
	}
}

func TestNewIDWithoutPrefix(t *testing.T) {
	id := NewID("")
	if strings.Contains(id, "_") {
		t.Fatalf("id = %q, want no separator", id)
	}
	if len(id) != 24 {
		t.Fatalf("id length = %d, want 24", len(id))
	}
}

func TestNewIDIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewID("conn")
		if seen[id] {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}
