package bytepool

import (
	"sync"
)

// Pool recycles fixed-size read buffers.
type Pool struct {
	p    *sync.Pool
	size int
}

func New(bufSize int) *Pool {
	return &Pool{
		p: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, bufSize)
				return &buf
			},
		},
		size: bufSize,
	}
}

func (bp *Pool) Get() *[]byte {
	b := bp.p.Get().(*[]byte)
	c := (*b)[:bp.size]
	return &c
}

func (bp *Pool) Put(buf *[]byte) {
	bp.p.Put(buf)
}
