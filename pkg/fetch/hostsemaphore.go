package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

type hostSlot struct {
	sem     *semaphore.Weighted
	users   int64     // permits held or awaited
	idleFor time.Time // set when users drops to zero
}

// HostSemaphorePool caps in-flight requests per host. The fetcher owns one pool,
// so sources of different providers on one host share the cap.
type HostSemaphorePool struct {
	mu         sync.Mutex
	slots      map[string]*hostSlot
	overrides  map[string]int64
	defaultCap int64
	log        *logrus.Entry
}

// NewHostSemaphorePool creates a pool allowing maxPerHost requests per host at once.
func NewHostSemaphorePool(maxPerHost int, log *logrus.Entry) *HostSemaphorePool {
	defaultCap := int64(maxPerHost)
	if defaultCap <= 0 {
		defaultCap = 2
		log.Warnf("max_requests_per_host invalid or zero, defaulting to %d", defaultCap)
	}
	return &HostSemaphorePool{
		slots:      make(map[string]*hostSlot),
		overrides:  make(map[string]int64),
		defaultCap: defaultCap,
		log:        log,
	}
}

// SetLimit gives host its own cap. Quota-bound API hosts are pinned to 1. A host
// with requests in flight keeps its old cap until it goes idle and is evicted.
func (p *HostSemaphorePool) SetLimit(host string, n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[host] = int64(n)
	if slot, ok := p.slots[host]; ok && slot.users == 0 {
		delete(p.slots, host)
	}
}

// Acquire waits for a permit on host and returns the function that gives it back.
func (p *HostSemaphorePool) Acquire(ctx context.Context, host string) (release func(), err error) {
	p.mu.Lock()
	slot := p.slots[host]
	if slot == nil {
		limit, ok := p.overrides[host]
		if !ok {
			limit = p.defaultCap
		}
		slot = &hostSlot{sem: semaphore.NewWeighted(limit)}
		p.slots[host] = slot
	}
	slot.users++
	p.mu.Unlock()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		p.done(slot)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			slot.sem.Release(1)
			p.done(slot)
		})
	}, nil
}

func (p *HostSemaphorePool) done(slot *hostSlot) {
	p.mu.Lock()
	slot.users--
	if slot.users == 0 {
		slot.idleFor = time.Now()
	}
	p.mu.Unlock()
}

// RunEviction forgets hosts idle for at least interval, checking every interval,
// until ctx is done. Watch and mcp-server modes run it in a goroutine.
func (p *HostSemaphorePool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if n := p.evictIdle(now.Add(-interval)); n > 0 {
				p.log.Debugf("Evicted %d idle host semaphores", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// evictIdle drops hosts with no users that went idle before cutoff.
func (p *HostSemaphorePool) evictIdle(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for host, slot := range p.slots {
		if slot.users == 0 && !slot.idleFor.After(cutoff) {
			delete(p.slots, host)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked hosts.
func (p *HostSemaphorePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
