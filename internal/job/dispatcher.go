package job

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// StartFunc launches a queued job. It returns false when nothing more can be
// started right now, which ends the current dispatch round.
type StartFunc func(j *Job) bool

// Dispatcher hands queued jobs to a StartFunc, oldest first.
type Dispatcher struct {
	store   *Store
	startFn StartFunc
	mu      sync.Mutex
}

func NewDispatcher(store *Store, startFn StartFunc) *Dispatcher {
	return &Dispatcher{store: store, startFn: startFn}
}

// TryDispatch starts as many queued jobs as the StartFunc accepts and returns
// how many it offered.
func (d *Dispatcher) TryDispatch() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	queued, _, err := d.store.List(ListQuery{Status: StatusQueued})
	if err != nil {
		log.Error().Err(err).Msg("list queued jobs")
		return 0
	}

	offered := 0
	for i := len(queued) - 1; i >= 0; i-- {
		offered++
		if !d.startFn(queued[i]) {
			break
		}
	}
	return offered
}
