package reassembly

// halfRange splits the 16-bit serial space into "ahead" and "behind".
const halfRange = 1 << 15

// Newer reports whether serial a was issued after serial b, treating the
// 16-bit space as a circle: a is newer when it is less than half the space
// ahead of b. 0 is therefore newer than 65535.
func Newer(a, b uint16) bool {
	d := a - b
	return d != 0 && d < halfRange
}

// Newest returns the newest serial of a non-empty set under Newer.
func Newest(serials []uint16) uint16 {
	best := serials[0]
	for _, s := range serials[1:] {
		if Newer(s, best) {
			best = s
		}
	}
	return best
}
