// Package payload builds fixed-fill datagram payloads and compares them.
package payload

//Make return a buffer of exactly n bytes, each equal to fill.
//Callers keep n within the transport MSS.
func Make(fill byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

//Equal report whether a and b have the same length and identical bytes.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

//FirstMismatch return index of the first differing byte, or -1 if a and b are equal.
//For buffers of different length the shorter length is returned when their common prefix matches.
func FirstMismatch(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	if len(a) != len(b) {
		return n
	}
	return -1
}
