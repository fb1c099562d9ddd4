package backend

import (
	"sync"
)

// Run buffers are recycled across runs of every context.
var bufferPool = sync.Pool{
	New: func() any { return new([]byte) },
}

// arena hands out zeroed buffers for one run and returns them all at once.
type arena struct {
	bufs  []*[]byte
	bytes int
}

func (a *arena) alloc(n int) []byte {
	bp := bufferPool.Get().(*[]byte)
	if cap(*bp) < n {
		*bp = make([]byte, n)
	} else {
		*bp = (*bp)[:n]
		clear(*bp)
	}
	a.bufs = append(a.bufs, bp)
	a.bytes += n
	return *bp
}

// free returns every buffer to the pool and reports how many bytes were
// held. Calling it on an empty arena is a no-op.
func (a *arena) free() int {
	for _, bp := range a.bufs {
		bufferPool.Put(bp)
	}
	n := a.bytes
	a.bufs = nil
	a.bytes = 0
	return n
}

func (a *arena) count() int { return len(a.bufs) }
