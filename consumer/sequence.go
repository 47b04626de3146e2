package consumer

import "strings"

// compareSequence orders Kinesis sequence numbers, which are decimal strings
// too large for uint64. The empty string sorts before every sequence number.
func compareSequence(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
