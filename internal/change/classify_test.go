package change

import "testing"

func TestClassifyNoChange(t *testing.T) {
	if _, ok := Classify("same", "same", 4); ok {
		t.Fatal("identical contents classified as an edit")
	}
}

func TestClassifyTyping(t *testing.T) {
	op, ok := Classify("Hello World", "HelloAB World", 7)
	if !ok {
		t.Fatal("edit not detected")
	}
	if op.Type != Insert || op.Position != 5 || op.Content != "AB" {
		t.Fatalf("got %+v, want insert of %q at 5", op, "AB")
	}
}

func TestClassifyBackspace(t *testing.T) {
	op, ok := Classify("Hello World", " World", 0)
	if !ok {
		t.Fatal("edit not detected")
	}
	if op.Type != Delete || op.Position != 0 || op.Length != 5 {
		t.Fatalf("got %+v, want delete of 5 at 0", op)
	}
}

func TestClassifyReplaceSameLength(t *testing.T) {
	op, ok := Classify("the cat sat", "the car sat", 7)
	if !ok {
		t.Fatal("edit not detected")
	}
	if op.Type != Replace || op.Position != 6 || op.Content != "r" || op.Length != 1 {
		t.Fatalf("got %+v, want replace of 1 at 6 with %q", op, "r")
	}
}

// Typing inside a run of identical characters is ambiguous from the diff
// alone; the caret picks the position the user actually edited.
func TestClassifyUsesCaretInsideRuns(t *testing.T) {
	op, ok := Classify("aaa", "aaaa", 2)
	if !ok {
		t.Fatal("edit not detected")
	}
	if op.Type != Insert || op.Position != 1 || op.Content != "a" {
		t.Fatalf("got %+v, want insert of %q at 1", op, "a")
	}
}

func TestClassifyFallsBackWhenCaretIsStale(t *testing.T) {
	// Caret 99 cannot explain the edit; the prefix/suffix diff still must.
	op, ok := Classify("ab", "aab", 99)
	if !ok {
		t.Fatal("edit not detected")
	}
	if got := Apply("ab", op); got != "aab" {
		t.Fatalf("fallback op %+v does not reproduce the edit: %q", op, got)
	}
}

func TestClassifyRoundTrips(t *testing.T) {
	cases := []struct {
		name  string
		old   string
		new   string
		caret int
	}{
		{"first character", "", "x", 1},
		{"paste", "Hello", "Hello, World", 12},
		{"delete all", "abc", "", 0},
		{"delete run middle", "aaa", "a", 1},
		{"rewrite word", "one two three", "one TWO three", 7},
		{"unicode swap", "héllo", "hello", 2},
		{"append", "tail", "tails", 5},
		{"prepend", "tail", "detail", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op, ok := Classify(tc.old, tc.new, tc.caret)
			if !ok {
				t.Fatal("edit not detected")
			}
			if got := Apply(tc.old, op); got != tc.new {
				t.Fatalf("op %+v applied to %q gives %q, want %q", op, tc.old, got, tc.new)
			}
		})
	}
}
