package observer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/edgedav/internal/logger"
	"github.com/marmos91/edgedav/internal/sysinfo"
)

// DefaultProbeInterval is the minimum spacing between memory samples.
const DefaultProbeInterval = time.Second

// hostReadTimeout bounds the host memory query.
const hostReadTimeout = 250 * time.Millisecond

// MemoryProbe logs heap and system memory when requests are admitted, at
// most once per MinInterval.
type MemoryProbe struct {
	minInterval time.Duration
	read        func(context.Context) (sysinfo.Sample, error)

	lastAt atomic.Int64 // unix nanos of the last sample

	mu   sync.RWMutex
	last sysinfo.Sample
	ok   bool
}

// NewMemoryProbe creates a probe. A non-positive interval uses
// DefaultProbeInterval.
func NewMemoryProbe(minInterval time.Duration) *MemoryProbe {
	if minInterval <= 0 {
		minInterval = DefaultProbeInterval
	}
	return &MemoryProbe{
		minInterval: minInterval,
		read:        sysinfo.Read,
	}
}

// Last returns the most recent sample and whether one has been taken.
func (p *MemoryProbe) Last() (sysinfo.Sample, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.ok
}

func (p *MemoryProbe) ConnectionAccepted(ConnInfo) {}

func (p *MemoryProbe) RequestAdmitted(r RequestInfo) {
	now := time.Now().UnixNano()
	prev := p.lastAt.Load()
	if prev != 0 && now-prev < int64(p.minInterval) {
		return
	}
	if !p.lastAt.CompareAndSwap(prev, now) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hostReadTimeout)
	defer cancel()

	s, err := p.read(ctx)
	if err != nil {
		logger.Debug("Host memory unavailable", logger.KeyError, err)
	}

	p.mu.Lock()
	p.last, p.ok = s, true
	p.mu.Unlock()

	logger.Info("Memory",
		logger.KeyConnectionID, r.ConnectionID,
		logger.KeyMethod, r.Method,
		logger.KeyHeapAlloc, s.HeapAlloc,
		logger.KeyHeapSys, s.HeapSys,
		logger.KeySysFree, s.MemAvailable)
}

func (p *MemoryProbe) RequestCompleted(RequestInfo, int, int64, time.Duration) {}
