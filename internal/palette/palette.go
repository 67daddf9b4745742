// Package palette maps participant identities to stable display colors.
package palette

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// colors holds the fixed participant palette. Entries are ordered so that
// neighboring indexes stay visually distinct when several participants land
// close together.
var colors = []string{
	"#E5484D", // red
	"#F76B15", // orange
	"#FFB224", // amber
	"#46A758", // green
	"#12A594", // teal
	"#00A2C7", // cyan
	"#0090FF", // blue
	"#3E63DD", // indigo
	"#6E56CF", // violet
	"#AB4ABA", // plum
	"#E93D82", // pink
	"#978365", // bronze
}

// ColorFor returns the display color for a participant. The mapping is a
// BLAKE2b digest of the userId reduced onto the palette, so it is stable not
// only within a process but across every node of a deployment: all members of
// a channel render the same color for the same participant. A participant's
// color never changes for the lifetime of a membership.
func ColorFor(userID string) string {
	sum := blake2b.Sum256([]byte(userID))
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(colors))
	return colors[idx]
}

// Colors returns a copy of the palette, mostly for UI legends and tests.
func Colors() []string {
	out := make([]string, len(colors))
	copy(out, colors)
	return out
}
