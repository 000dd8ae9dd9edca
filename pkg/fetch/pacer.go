package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pacer spaces request starts to one host at least a gap apart. Each caller
// reserves the next free start slot under the lock, so concurrent callers queue
// instead of firing together once the gap elapses.
type Pacer struct {
	mu         sync.Mutex
	nextStart  map[string]time.Time
	gaps       map[string]time.Duration
	defaultGap time.Duration
	log        *logrus.Entry
}

func NewPacer(defaultGap time.Duration, log *logrus.Entry) *Pacer {
	return &Pacer{
		nextStart:  make(map[string]time.Time),
		gaps:       make(map[string]time.Duration),
		defaultGap: defaultGap,
		log:        log,
	}
}

// SetGap overrides the gap for host. A non-positive d restores the default.
func (p *Pacer) SetGap(host string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d <= 0 {
		delete(p.gaps, host)
		return
	}
	p.gaps[host] = d
}

// Gap returns the effective gap for host.
func (p *Pacer) Gap(host string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gapLocked(host)
}

func (p *Pacer) gapLocked(host string) time.Duration {
	if d, ok := p.gaps[host]; ok {
		return d
	}
	return p.defaultGap
}

// Wait blocks until the caller's reserved slot for host arrives. The first
// request to a host never waits.
func (p *Pacer) Wait(ctx context.Context, host string) error {
	now := time.Now()

	p.mu.Lock()
	gap := p.gapLocked(host)
	if gap <= 0 {
		p.mu.Unlock()
		return nil
	}
	slot := p.nextStart[host]
	if slot.Before(now) {
		slot = now
	}
	p.nextStart[host] = slot.Add(jitter(gap))
	p.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
	}
	p.log.WithFields(logrus.Fields{"host": host, "sleep": wait, "gap": gap}).Debug("Pacing request")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jitter returns d shifted by up to +/-10%, never below 90% of d.
func jitter(d time.Duration) time.Duration {
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	return d - d/10 + time.Duration(rand.Int63n(span))
}
