package util

import "time"

func SetHasherClock(h *IPHasher, now func() time.Time) {
	h.now = now
	h.rotate()
}
