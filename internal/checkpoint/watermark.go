package checkpoint

import "sync/atomic"

// Watermark is safely_deleted_search_index from spec section 3: a
// monotonically non-decreasing watermark below which no consumer needs
// entries. Its zero value is the "default sentinel" spec section 4.6
// refers to as meaning "the log is also serving search".
type Watermark struct {
	v atomic.Uint64
}

// Load returns the current watermark value.
func (w *Watermark) Load() uint64 {
	return w.v.Load()
}

// Advance sets the watermark to newValue if it moves the watermark
// forward; it reports whether the update took effect, so that
// set_safely_deleted_search_index(x) with x <= current is a no-op per
// spec section 8.
func (w *Watermark) Advance(newValue uint64) bool {
	for {
		cur := w.v.Load()
		if newValue <= cur {
			return false
		}
		if w.v.CompareAndSwap(cur, newValue) {
			return true
		}
	}
}
