// Package bufpool provides reusable byte buffers for connection I/O.
//
// Every in-flight file transfer needs a copy buffer, and on a small device
// those buffers are most of the memory budget. The pool keeps two size
// classes so buffers are recycled instead of reallocated per request:
//   - Small buffers (default 4KiB): request line and header parsing
//   - Transfer buffers (default 16KiB): body streaming and draining
//
// Requests larger than the transfer class are allocated directly and are not
// pooled, so a single oversized request cannot pin a large buffer forever.
//
// # Usage
//
//	buf := pool.Get(size)
//	defer pool.Put(buf)
package bufpool

import (
	"sync"
	"sync/atomic"
)

const (
	// DefaultSmallSize is used for header-sized buffers (4KiB).
	DefaultSmallSize = 4 << 10

	// DefaultTransferSize is used for body streaming (16KiB).
	DefaultTransferSize = 16 << 10
)

// Pool manages byte slices in two size classes.
type Pool struct {
	small        sync.Pool
	transfer     sync.Pool
	smallSize    int
	transferSize int

	allocs      atomic.Int64
	outstanding atomic.Int64
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	SmallSize    int   `json:"small_size"`
	TransferSize int   `json:"transfer_size"`
	Allocations  int64 `json:"allocations"`
	Outstanding  int64 `json:"outstanding"`
}

// NewPool creates a pool whose transfer class holds buffers of transferSize
// bytes. A non-positive size selects DefaultTransferSize.
func NewPool(transferSize int) *Pool {
	if transferSize <= 0 {
		transferSize = DefaultTransferSize
	}
	smallSize := DefaultSmallSize
	if smallSize > transferSize {
		smallSize = transferSize
	}

	p := &Pool{
		smallSize:    smallSize,
		transferSize: transferSize,
	}
	p.small.New = func() any {
		p.allocs.Add(1)
		buf := make([]byte, p.smallSize)
		return &buf
	}
	p.transfer.New = func() any {
		p.allocs.Add(1)
		buf := make([]byte, p.transferSize)
		return &buf
	}
	return p
}

// Get returns a slice of exactly size bytes. The caller must Put it back.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte

	switch {
	case size <= p.smallSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= p.transferSize:
		bufPtr = p.transfer.Get().(*[]byte)
	default:
		p.allocs.Add(1)
		return make([]byte, size)
	}

	p.outstanding.Add(1)
	buf := *bufPtr
	return buf[:size]
}

// GetTransfer returns a full transfer-class buffer.
func (p *Pool) GetTransfer() []byte {
	return p.Get(p.transferSize)
}

// Put returns a buffer obtained from Get. Buffers whose capacity does not
// match a size class are dropped.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}

	full := buf[:cap(buf)]
	switch cap(buf) {
	case p.smallSize:
		p.small.Put(&full)
	case p.transferSize:
		p.transfer.Put(&full)
	default:
		return
	}
	p.outstanding.Add(-1)
}

// TransferSize returns the transfer class size in bytes.
func (p *Pool) TransferSize() int {
	return p.transferSize
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		SmallSize:    p.smallSize,
		TransferSize: p.transferSize,
		Allocations:  p.allocs.Load(),
		Outstanding:  p.outstanding.Load(),
	}
}
