package workspace

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"collabtext/store"
)

type Config struct {
	Store  store.Store
	Policy store.CompactionPolicy

	// IdleTimeout is how long a workspace without sessions stays loaded.
	IdleTimeout time.Duration
	// EvictInterval is the period of the maintenance loop.
	EvictInterval time.Duration
	// CompactionWorkers bound the background flushes running at once.
	CompactionWorkers int

	Now func() time.Time
}

func DefaultConfig(s store.Store) Config {
	return Config{
		Store:             s,
		Policy:            store.DefaultCompactionPolicy(),
		IdleTimeout:       5 * time.Minute,
		EvictInterval:     30 * time.Second,
		CompactionWorkers: 4,
		Now:               time.Now,
	}
}

// Registry maps workspace ids to loaded workspaces. There is at most one
// loaded Workspace per id; concurrent loads of the same id share one store
// read.
type Registry struct {
	cfg Config

	mu         sync.Mutex
	workspaces map[string]*Workspace
	closed     bool

	loads   singleflight.Group
	flushes chan *Workspace
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CompactionWorkers <= 0 {
		cfg.CompactionWorkers = 1
	}
	return &Registry{
		cfg:        cfg,
		workspaces: map[string]*Workspace{},
		flushes:    make(chan *Workspace, 64),
	}
}

// Lookup returns the workspace if it is loaded.
func (r *Registry) Lookup(id string) (*Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[id]
	return w, ok
}

// GetOrLoad returns the loaded workspace, loading it from the store on the
// first request. A corrupt log fails the load and nothing is cached.
func (r *Registry) GetOrLoad(ctx context.Context, id string) (*Workspace, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if w, ok := r.workspaces[id]; ok {
		r.mu.Unlock()
		return w, nil
	}
	r.mu.Unlock()

	v, err, _ := r.loads.Do(id, func() (any, error) {
		if w, ok := r.Lookup(id); ok {
			return w, nil
		}
		w, err := load(ctx, id, r.cfg.Store, r.cfg.Policy, r.cfg.Now)
		if err != nil {
			if store.IsCorrupt(err) {
				glog.Errorf("[ws]%s unavailable: %v", id, err)
			}
			return nil, err
		}
		w.due = r.schedule

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return nil, ErrClosed
		}
		r.workspaces[id] = w
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Workspace), nil
}

// Acquire loads the workspace and attaches a holder to it. The returned
// release detaches it again; it is safe to call more than once.
func (r *Registry) Acquire(ctx context.Context, id string) (*Workspace, func(), error) {
	for {
		w, err := r.GetOrLoad(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		// attach under the registry lock so eviction cannot race us
		r.mu.Lock()
		current, ok := r.workspaces[id]
		if ok && current == w {
			w.Attach()
		}
		r.mu.Unlock()
		if ok && current == w {
			var once sync.Once
			return w, func() { once.Do(w.Detach) }, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}

func (r *Registry) loaded() []*Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Workspace, 0, len(r.workspaces))
	for _, w := range r.workspaces {
		out = append(out, w)
	}
	return out
}

// EvictIdle unloads workspaces that had no sessions for at least threshold.
// Each is flushed first; a workspace whose flush fails stays loaded so no
// update is lost. It returns the number of workspaces evicted.
func (r *Registry) EvictIdle(ctx context.Context, threshold time.Duration) int {
	now := r.cfg.Now()
	evicted := 0
	for _, w := range r.loaded() {
		if !w.idle(now, threshold) {
			continue
		}
		if err := w.Flush(ctx, true); err != nil {
			glog.Warningf("[ws]%s kept loaded, flush failed: %v", w.ID, err)
			continue
		}
		r.mu.Lock()
		if r.workspaces[w.ID] == w && w.idle(now, threshold) && !w.Degraded() {
			delete(r.workspaces, w.ID)
			evicted += 1
			glog.Infof("[ws]%s evicted", w.ID)
		}
		r.mu.Unlock()
	}
	return evicted
}

// schedule queues a background flush of w unless one is already queued.
func (r *Registry) schedule(w *Workspace) {
	w.mu.Lock()
	if w.queued {
		w.mu.Unlock()
		return
	}
	w.queued = true
	w.mu.Unlock()

	select {
	case r.flushes <- w:
	default:
		w.mu.Lock()
		w.queued = false
		w.mu.Unlock()
		glog.V(1).Infof("[ws]%s flush queue full, deferring to maintenance", w.ID)
	}
}

func (r *Registry) flushWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-r.flushes:
			w.mu.Lock()
			w.queued = false
			w.mu.Unlock()
			if err := w.Flush(ctx, false); err != nil {
				glog.Warningf("[ws]%s background flush: %v", w.ID, err)
			}
		}
	}
}

// Run starts the flush workers and the maintenance loop, which evicts idle
// workspaces and retries degraded ones. It returns when ctx is done.
func (r *Registry) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.CompactionWorkers; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.flushWorker(ctx)
		}()
	}

	interval := r.cfg.EvictInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			for _, w := range r.loaded() {
				if w.Degraded() || w.CompactDue() {
					r.schedule(w)
				}
			}
			if r.cfg.IdleTimeout > 0 {
				r.EvictIdle(ctx, r.cfg.IdleTimeout)
			}
		}
	}
}

// Close flushes and compacts every loaded workspace and refuses further
// loads. The store itself is left open.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var mu sync.Mutex
	var errs []error
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.CompactionWorkers)
	for _, w := range r.loaded() {
		w := w
		g.Go(func() error {
			if err := w.Flush(ctx, true); err != nil {
				glog.Errorf("[ws]%s final flush failed: %v", w.ID, err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
