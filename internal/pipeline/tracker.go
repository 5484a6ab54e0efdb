package pipeline

import (
	"sync"
	"time"

	"github.com/lamim/sdgforge/pkg/models"
)

// tracker accumulates per-stage cost and estimates time remaining from the
// observed completion rate. One tracker lives per stage pass.
type tracker struct {
	mu        sync.Mutex
	start     time.Time
	completed int
	usage     models.Usage
}

func newTracker() *tracker {
	return &tracker{start: time.Now()}
}

// step records one completed unit and returns the running totals plus an
// estimate of the time left for the remaining units.
func (t *tracker) step(u models.Usage, total int) (int, models.Usage, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	t.usage.Add(u)

	var remaining time.Duration
	if t.completed > 0 && t.completed < total {
		perUnit := time.Since(t.start) / time.Duration(t.completed)
		remaining = perUnit * time.Duration(total-t.completed)
	}
	return t.completed, t.usage, remaining
}
