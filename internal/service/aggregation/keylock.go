package aggregation

import (
	"sync"

	"github.com/urbanevents/metricas/internal/domain"
)

// flights tracks the recompute currently running for each key. A request that
// finds its key busy marks the flight dirty instead of running; the owner then
// runs once more before releasing the key.
type flights struct {
	mu       sync.Mutex
	inFlight map[domain.GroupKey]*flight
}

type flight struct {
	dirty bool
}

func newFlights() *flights {
	return &flights{inFlight: make(map[domain.GroupKey]*flight)}
}

// acquire reports whether the caller now owns key. False means the request was
// folded into the running flight.
func (f *flights) acquire(key domain.GroupKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.inFlight[key]; ok {
		fl.dirty = true
		return false
	}
	f.inFlight[key] = &flight{}
	return true
}

// release gives up key unless a request arrived during the run, in which case
// ownership is kept and the caller must run again.
func (f *flights) release(key domain.GroupKey) (again bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.inFlight[key]
	if !ok {
		return false
	}
	if fl.dirty {
		fl.dirty = false
		return true
	}
	delete(f.inFlight, key)
	return false
}

// abandon drops key and reports whether a coalesced request was still waiting
// on it.
func (f *flights) abandon(key domain.GroupKey) (pending bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.inFlight[key]; ok {
		pending = fl.dirty
	}
	delete(f.inFlight, key)
	return pending
}
