package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jingkaihe/capfs/pkg/vfs"
)

const defaultRecorderBuffer = 1024

// Recorder writes hook events to a Store from a background goroutine so the
// filesystem operation that produced them never waits on sqlite. Events that
// arrive while the buffer is full are counted and dropped.
type Recorder struct {
	store  *Store
	events chan Event
	now    func() time.Time

	dropped atomic.Uint64
	closed  atomic.Bool
	mu      sync.RWMutex
	done    chan struct{}
	once    sync.Once
}

func NewRecorder(store *Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	r := &Recorder{
		store:  store,
		events: make(chan Event, buffer),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Attach makes r receive every event hooks emits.
func (r *Recorder) Attach(hooks *vfs.HookEngine) {
	hooks.SetEventFunc(r.Observe)
}

// Observe has the signature HookEngine.SetEventFunc expects.
func (r *Recorder) Observe(req vfs.HookRequest, result vfs.HookResult) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		return
	}

	select {
	case r.events <- EventFromHook(req, result, r.now()):
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		if _, err := r.store.Record(context.Background(), ev); err != nil {
			vfs.Logger().Warn("audit record failed",
				zap.String("op", string(ev.Op)),
				zap.String("path", ev.Path),
				zap.Error(err))
		}
	}
}

// Close stops accepting events and waits until buffered ones are written.
// The store stays open.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed.Store(true)
		close(r.events)
		r.mu.Unlock()
	})
	<-r.done
	if n := r.dropped.Load(); n > 0 {
		vfs.Logger().Warn("audit events dropped", zap.Uint64("count", n))
	}
	return nil
}
