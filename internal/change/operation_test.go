package change

import (
	"strings"
	"testing"
)

func TestApplyInsert(t *testing.T) {
	got := Apply("Hello World", Operation{Type: Insert, Position: 5, Content: "AB"})
	if got != "HelloAB World" {
		t.Fatalf("insert at 5: got %q, want %q", got, "HelloAB World")
	}
}

func TestApplyDelete(t *testing.T) {
	got := Apply("Hello World", Operation{Type: Delete, Position: 0, Length: 5})
	if got != " World" {
		t.Fatalf("delete [0,5): got %q, want %q", got, " World")
	}
}

func TestApplyClampsOutOfRange(t *testing.T) {
	cases := []struct {
		name string
		in   string
		op   Operation
		want string
	}{
		{"insert past end", "abc", Operation{Type: Insert, Position: 99, Content: "X"}, "abcX"},
		{"insert negative", "abc", Operation{Type: Insert, Position: -4, Content: "X"}, "Xabc"},
		{"delete overruns end", "abc", Operation{Type: Delete, Position: 1, Length: 99}, "a"},
		{"delete past end", "abc", Operation{Type: Delete, Position: 99, Length: 2}, "abc"},
		{"delete without span", "abc", Operation{Type: Delete, Position: 1}, "abc"},
		{"replace overruns end", "abc", Operation{Type: Replace, Position: 2, Length: 99, Content: "ZZ"}, "abZZ"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Apply(tc.in, tc.op); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestApplyReplaceDefaultsToContentLength(t *testing.T) {
	got := Apply("one two three", Operation{Type: Replace, Position: 4, Content: "TWO"})
	if got != "one TWO three" {
		t.Fatalf("got %q, want %q", got, "one TWO three")
	}
}

func TestApplyDeleteByContent(t *testing.T) {
	// A delete may carry the removed text instead of an explicit length.
	got := Apply("Hello World", Operation{Type: Delete, Position: 0, Content: "Hello"})
	if got != " World" {
		t.Fatalf("got %q, want %q", got, " World")
	}
}

func TestApplyFormatLeavesTextUntouched(t *testing.T) {
	op := Operation{Type: Format, Position: 0, Length: 5, Metadata: map[string]any{"bold": true}}
	if got := Apply("Hello World", op); got != "Hello World" {
		t.Fatalf("format changed the text: %q", got)
	}
}

func TestApplyCountsRunesNotBytes(t *testing.T) {
	got := Apply("héllo", Operation{Type: Insert, Position: 2, Content: "X"})
	if got != "héXllo" {
		t.Fatalf("got %q, want %q", got, "héXllo")
	}
	got = Apply("héllo", Operation{Type: Delete, Position: 1, Length: 1})
	if got != "hllo" {
		t.Fatalf("got %q, want %q", got, "hllo")
	}
}

func TestApplyUnknownTypeIsNoop(t *testing.T) {
	if got := Apply("abc", Operation{Type: Type("sparkle"), Position: 1, Content: "x"}); got != "abc" {
		t.Fatalf("unknown type mutated content: %q", got)
	}
}

func TestNewIDIsUniqueAndSortable(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Fatal("two ids collided")
	}
	if len(a) != 26 || strings.ToUpper(a) != a {
		t.Fatalf("unexpected id shape: %q", a)
	}
}
