package change

// Classify derives the operation that turns old into new. It returns false
// when the contents are identical. The caret is the cursor position after
// the edit, counted in runes; it disambiguates edits inside runs of repeated
// characters, where several positions would produce the same result but only
// one matches what the user actually did.
//
// The returned operation carries only Type, Position, Content and Length;
// the caller stamps identity, author and timestamp.
func Classify(old, new string, caret int) (Operation, bool) {
	if old == new {
		return Operation{}, false
	}

	or, nr := []rune(old), []rune(new)
	switch {
	case len(nr) > len(or):
		return classifyInsert(or, nr, caret), true
	case len(nr) < len(or):
		return classifyDelete(or, nr, caret), true
	default:
		return classifyReplace(or, nr), true
	}
}

func classifyInsert(or, nr []rune, caret int) Operation {
	d := len(nr) - len(or)

	// After typing, the caret sits just past the inserted text.
	pos := clamp(caret-d, 0, len(or))
	if spliceMatches(or, nr, pos, d) {
		return Operation{Type: Insert, Position: pos, Content: string(nr[pos : pos+d])}
	}

	// Caret hint did not line up (programmatic edit, stale caret); fall back
	// to the prefix/suffix diff.
	p, s := commonAffixes(or, nr)
	if p+s > len(or) {
		s = len(or) - p
	}
	return Operation{Type: Insert, Position: p, Content: string(nr[p : len(nr)-s])}
}

func classifyDelete(or, nr []rune, caret int) Operation {
	d := len(or) - len(nr)

	// After deleting, the caret sits at the deletion point.
	pos := clamp(caret, 0, len(nr))
	if spliceMatches(nr, or, pos, d) {
		return Operation{Type: Delete, Position: pos, Length: d}
	}

	p, s := commonAffixes(or, nr)
	if p+s > len(nr) {
		s = len(nr) - p
	}
	return Operation{Type: Delete, Position: p, Length: d}
}

func classifyReplace(or, nr []rune) Operation {
	p, s := commonAffixes(or, nr)
	if p+s > len(or) {
		s = len(or) - p
	}
	return Operation{
		Type:     Replace,
		Position: p,
		Content:  string(nr[p : len(nr)-s]),
		Length:   len(or) - p - s,
	}
}

// spliceMatches reports whether inserting longer[pos:pos+d] into shorter at
// pos yields longer.
func spliceMatches(shorter, longer []rune, pos, d int) bool {
	if pos < 0 || pos+d > len(longer) || pos > len(shorter) {
		return false
	}
	for i := 0; i < pos; i++ {
		if shorter[i] != longer[i] {
			return false
		}
	}
	for i := pos; i < len(shorter); i++ {
		if shorter[i] != longer[i+d] {
			return false
		}
	}
	return true
}

// commonAffixes returns the length of the longest common prefix and the
// longest common suffix of a and b. The two never overlap in the shorter
// string's coordinates beyond its length; callers trim the suffix if needed.
func commonAffixes(a, b []rune) (prefix, suffix int) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for prefix < n && a[prefix] == b[prefix] {
		prefix++
	}
	for suffix < n-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return prefix, suffix
}
