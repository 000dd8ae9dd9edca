package fetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacer_Wait(t *testing.T) {
	tests := []struct {
		name      string
		gap       time.Duration // per-host override, zero keeps the default
		prior     int           // reservations made before the measured call
		cancelled bool
		minWait   time.Duration
		maxWait   time.Duration
		wantErr   bool
	}{
		{name: "first request is immediate", gap: 5 * time.Second, maxWait: 20 * time.Millisecond},
		{name: "second request waits", gap: 100 * time.Millisecond, prior: 1, minWait: 80 * time.Millisecond, maxWait: 300 * time.Millisecond},
		{name: "default gap applies", prior: 1, minWait: 80 * time.Millisecond, maxWait: 300 * time.Millisecond},
		{name: "reservations stack", gap: 60 * time.Millisecond, prior: 2, minWait: 100 * time.Millisecond, maxWait: 400 * time.Millisecond},
		{name: "cancelled context returns", gap: 5 * time.Second, prior: 1, cancelled: true, maxWait: 100 * time.Millisecond, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPacer(100*time.Millisecond, testLogger())
			p.SetGap("books.example", tt.gap)
			for i := 0; i < tt.prior; i++ {
				p.mu.Lock()
				slot := p.nextStart["books.example"]
				if slot.Before(time.Now()) {
					slot = time.Now()
				}
				p.nextStart["books.example"] = slot.Add(p.gapLocked("books.example"))
				p.mu.Unlock()
			}

			ctx, cancel := context.WithCancel(context.Background())
			if tt.cancelled {
				cancel()
			}
			defer cancel()

			start := time.Now()
			err := p.Wait(ctx, "books.example")
			elapsed := time.Since(start)

			if tt.wantErr {
				assert.ErrorIs(t, err, context.Canceled)
			} else {
				assert.NoError(t, err)
			}
			assert.GreaterOrEqual(t, elapsed, tt.minWait)
			assert.LessOrEqual(t, elapsed, tt.maxWait)
		})
	}
}

func TestPacer_NoGap(t *testing.T) {
	p := NewPacer(0, testLogger())
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Wait(context.Background(), "books.example"))
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestPacer_SetGap(t *testing.T) {
	p := NewPacer(time.Second, testLogger())
	assert.Equal(t, time.Second, p.Gap("a.example"))
	p.SetGap("a.example", 3*time.Second)
	assert.Equal(t, 3*time.Second, p.Gap("a.example"))
	assert.Equal(t, time.Second, p.Gap("b.example"))
	p.SetGap("a.example", 0)
	assert.Equal(t, time.Second, p.Gap("a.example"))
}

func TestPacer_ConcurrentCallersSpread(t *testing.T) {
	p := NewPacer(40*time.Millisecond, testLogger())
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Wait(context.Background(), "books.example"))
		}()
	}
	wg.Wait()
	// three starts need at least two gaps, each at least 90% of 40ms
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}
