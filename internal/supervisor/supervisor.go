// Package supervisor owns the worker registry. It is the only component
// that starts, stops, or restarts sampling workers.
package supervisor

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/fwmon/fwmon/internal/config"
	"github.com/fwmon/fwmon/internal/errors"
	"github.com/fwmon/fwmon/internal/logger"
	"github.com/fwmon/fwmon/internal/panos"
	"github.com/fwmon/fwmon/internal/worker"
)

// Store is what the supervisor and its workers need from the metrics store.
type Store interface {
	worker.Recorder
	PoolInUse() int
	PoolCapacity() int
}

// Supervisor keeps one worker per registered target.
type Supervisor struct {
	cfg   *config.Config
	store Store
	log   logger.Logger

	mu      sync.Mutex
	targets map[string]config.Target
	workers map[string]*worker.Worker
	ctx     context.Context
	started bool

	startedAt time.Time

	// newClient is swapped out by tests to avoid real network targets.
	newClient func(t config.Target) worker.Sampler
}

// New builds a supervisor over the given store and config.
func New(st Store, cfg *config.Config, log logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Noop()
	}
	return &Supervisor{
		cfg:     cfg,
		store:   st,
		log:     log,
		targets: make(map[string]config.Target),
		workers: make(map[string]*worker.Worker),
		newClient: func(t config.Target) worker.Sampler {
			return panos.NewClient(t.Host, t.Username, t.Password, t.VerifySSL)
		},
	}
}

// Register adds a target to the registry. Registering the same name twice
// is a config error.
func (s *Supervisor) Register(name string, t config.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[name]; exists {
		return errors.New(errors.ErrConfig,
			"target "+name+" is already registered",
			"Remove the duplicate entry from fwmon.yaml")
	}
	s.targets[name] = t
	return nil
}

// RegisterAll registers every enabled target from the config.
func (s *Supervisor) RegisterAll() error {
	for name, t := range s.cfg.EnabledTargets() {
		if err := s.Register(name, t); err != nil {
			return err
		}
	}
	return nil
}

// StartAll launches one worker per registered target. The context governs
// every worker's lifetime.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New(errors.ErrConfig, "supervisor already started", "")
	}
	s.started = true
	s.ctx = ctx
	s.startedAt = time.Now()
	names := make([]string, 0, len(s.targets))
	for name := range s.targets {
		names = append(names, name)
	}
	s.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		if err := s.startWorker(ctx, name); err != nil {
			return err
		}
	}
	s.log.Info("started %d workers", len(names))
	return nil
}

func (s *Supervisor) startWorker(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.targets[name]
	if !ok {
		s.mu.Unlock()
		return errors.New(errors.ErrConfig, "unknown target "+name, "")
	}
	w := worker.New(worker.Options{
		Name:         name,
		Host:         t.Host,
		Client:       s.newClient(t),
		Store:        s.store,
		Log:          s.log,
		Sampling:     s.cfg.Sampling,
		PollInterval: t.PollInterval,
	})
	s.workers[name] = w
	s.mu.Unlock()

	return w.Start(ctx)
}

// StopAll stops every worker and returns once all loops have joined.
// Afterwards no worker goroutine holds a store connection.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	workers := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.started = false
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	s.log.Info("all workers stopped")
}

// Restart replaces a target's worker with a fresh one, re-authenticating
// from scratch. Used to recover a target that went unreachable.
func (s *Supervisor) Restart(name string) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New(errors.ErrConfig, "supervisor is not running", "")
	}
	ctx := s.ctx
	w := s.workers[name]
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	s.log.Info("restarting worker for %s", name)
	return s.startWorker(ctx, name)
}

// Snapshot returns per-target worker status, sorted by name.
func (s *Supervisor) Snapshot() []worker.Status {
	s.mu.Lock()
	workers := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	out := make([]worker.Status, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TargetHealth is the per-target slice of a health report.
type TargetHealth struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Unreachable    bool      `json:"unreachable"`
	LastSuccess    time.Time `json:"last_success"`
	BufferLen      int       `json:"buffer_len"`
	RecordsWritten int64     `json:"records_written"`
}

// Health is the process health report served on /healthz.
type Health struct {
	Status         string         `json:"status"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
	MemoryRSSBytes uint64         `json:"memory_rss_bytes"`
	PoolInUse      int            `json:"pool_in_use"`
	PoolCapacity   int            `json:"pool_capacity"`
	Targets        []TargetHealth `json:"targets"`
}

// Health reports process memory, pool usage, and per-target liveness.
// Status degrades to "degraded" when any target is unreachable.
func (s *Supervisor) Health() Health {
	h := Health{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		PoolInUse:     s.store.PoolInUse(),
		PoolCapacity:  s.store.PoolCapacity(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			h.MemoryRSSBytes = mem.RSS
		}
	}

	for _, st := range s.Snapshot() {
		h.Targets = append(h.Targets, TargetHealth{
			Name:           st.Name,
			State:          st.State.String(),
			Unreachable:    st.Unreachable,
			LastSuccess:    st.LastSuccess,
			BufferLen:      st.BufferLen,
			RecordsWritten: st.RecordsWritten,
		})
		if st.Unreachable {
			h.Status = "degraded"
		}
	}
	return h
}
