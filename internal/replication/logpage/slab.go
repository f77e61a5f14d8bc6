package logpage

import (
	"sync"

	"github.com/rye-db/rye/internal/replication/logrec"
)

// scratchPool is a sync.Pool-backed slab allocator of page-sized
// scratch buffers, replacing the original's manual page pool
// (SPEC_FULL.md §9: manual pools become slab allocators). The copier's
// s2 decode allocates its own output and does not draw from it.
var scratchPool = sync.Pool{
	New: func() any {
		buf := make([]byte, logrec.PageSize)
		return &buf
	},
}

// GetScratch returns a pooled, page-sized scratch buffer.
func GetScratch() *[]byte {
	return scratchPool.Get().(*[]byte)
}

// PutScratch returns a scratch buffer to the pool.
func PutScratch(buf *[]byte) {
	scratchPool.Put(buf)
}
