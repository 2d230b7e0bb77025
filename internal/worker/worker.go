// Package worker runs the per-target sampling loops. Each worker owns one
// appliance: a fast sampler feeding the in-memory buffer and a slow poller
// that aggregates the window and writes one record per poll interval.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/fwmon/fwmon/internal/aggregate"
	"github.com/fwmon/fwmon/internal/buffer"
	"github.com/fwmon/fwmon/internal/config"
	"github.com/fwmon/fwmon/internal/errors"
	"github.com/fwmon/fwmon/internal/logger"
	"github.com/fwmon/fwmon/internal/panos"
	"github.com/fwmon/fwmon/internal/store"
)

// State is the worker lifecycle state. A mid-run key expiry is re-keyed
// inside the client's query path, so a worker that recovers never leaves
// StateRunning; StateAuthenticated is only observed between the initial
// keygen and the loops starting.
type State int32

const (
	StateStarting State = iota
	StateAuthenticated
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAuthenticated:
		return "authenticated"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sampler is the appliance query surface the worker needs. *panos.Client
// implements it; tests substitute a scripted fake.
type Sampler interface {
	Authenticate(ctx context.Context) error
	InvalidateKey()
	SystemResources(ctx context.Context) (panos.MgmtCPU, error)
	ResourceMonitor(ctx context.Context) (panos.ResourceReadings, error)
	SessionInfo(ctx context.Context) (panos.SessionReading, error)
	SystemInfo(ctx context.Context) (panos.Identity, error)
}

// Recorder is the write side of the metrics store.
type Recorder interface {
	Write(ctx context.Context, rec store.Record) error
	WriteIdentity(ctx context.Context, id store.TargetIdentity) error
}

// Status is a point-in-time snapshot of a worker, safe to read while the
// worker runs.
type Status struct {
	Name           string
	Host           string
	State          State
	Unreachable    bool
	LastSuccess    time.Time
	LastError      string
	FailureStreak  int
	RecordsWritten int64
	BufferLen      int
}

// Options configures a Worker.
type Options struct {
	Name         string
	Host         string
	Client       Sampler
	Store        Recorder
	Log          logger.Logger
	Sampling     config.SamplingConfig
	PollInterval time.Duration
}

// Worker samples one target. Create with New, drive with Start/Stop.
type Worker struct {
	name         string
	host         string
	client       Sampler
	store        Recorder
	log          logger.Logger
	sampling     config.SamplingConfig
	pollInterval time.Duration
	buf          *buffer.Buffer

	mu             sync.Mutex
	state          State
	unreachable    bool
	lastSuccess    time.Time
	lastErr        error
	failureStreak  int
	recordsWritten int64
	lastBoundary   time.Time
	identity       panos.Identity
	haveIdentity   bool

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds a worker. Zero sampling values fall back to defaults so a
// partially filled config still produces a working loop.
func New(opts Options) *Worker {
	s := opts.Sampling
	if s.FastInterval <= 0 {
		s.FastInterval = time.Second
	}
	if s.FastTimeout <= 0 {
		s.FastTimeout = 5 * time.Second
	}
	if s.SlowTimeout <= 0 {
		s.SlowTimeout = 30 * time.Second
	}
	if s.AuthFailureLimit <= 0 {
		s.AuthFailureLimit = 3
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = config.DefaultPollInterval
	}
	log := opts.Log
	if log == nil {
		log = logger.Noop()
	}
	return &Worker{
		name:         opts.Name,
		host:         opts.Host,
		client:       opts.Client,
		store:        opts.Store,
		log:          log,
		sampling:     s,
		pollInterval: poll,
		buf:          buffer.New(s.BufferMaxSamples, s.BufferMaxAge),
		state:        StateStarting,
		done:         make(chan struct{}),
	}
}

// Start launches the sampling loops. It returns immediately; the loops run
// until ctx is cancelled, Stop is called, or the target becomes unreachable.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New(errors.ErrConfig, "worker already started", "")
	}
	w.started = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(runCtx)
	return nil
}

// Stop cancels the loops and blocks until both have exited and any
// in-flight store write has completed. Safe to call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	if w.state != StateStopped {
		w.state = StateStopping
	}
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-w.done
}

// Done is closed when both loops have exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status snapshots the worker for the supervisor and status views.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		Name:           w.name,
		Host:           w.host,
		State:          w.state,
		Unreachable:    w.unreachable,
		LastSuccess:    w.lastSuccess,
		FailureStreak:  w.failureStreak,
		RecordsWritten: w.recordsWritten,
		BufferLen:      w.buf.Len(),
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

// BufferLen reports raw samples currently buffered.
func (w *Worker) BufferLen() int { return w.buf.Len() }

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	// Release the target's session token once the loops are done.
	defer w.client.InvalidateKey()

	if !w.authenticate(ctx) {
		w.setState(StateStopped)
		return
	}
	w.setState(StateAuthenticated)

	w.mu.Lock()
	w.lastBoundary = time.Now()
	w.mu.Unlock()
	w.setState(StateRunning)

	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		w.fastLoop(ctx)
	}()

	w.slowLoop(ctx)
	<-fastDone
	w.setState(StateStopped)
}

// authenticate tries the initial keygen up to the failure limit. A false
// return means the target is unreachable and the worker must not run.
func (w *Worker) authenticate(ctx context.Context) bool {
	for attempt := 1; attempt <= w.sampling.AuthFailureLimit; attempt++ {
		actx, cancel := context.WithTimeout(ctx, w.sampling.SlowTimeout)
		err := w.client.Authenticate(actx)
		cancel()
		if err == nil {
			w.noteSuccess(time.Now())
			return true
		}

		w.mu.Lock()
		w.lastErr = err
		w.failureStreak = attempt
		w.mu.Unlock()
		w.log.Warn("%s: authentication attempt %d/%d failed: %v", w.name, attempt, w.sampling.AuthFailureLimit, err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.sampling.FastInterval):
		}
	}
	w.markUnreachable()
	return false
}

func (w *Worker) fastLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sampling.FastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sampleOnce(ctx)
		}
	}
}

// sampleOnce issues one session query and appends raw samples for both
// streams. Failures append Success=false samples so the window's success
// rate reflects every attempt.
func (w *Worker) sampleOnce(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, w.sampling.FastTimeout)
	defer cancel()

	sr, err := w.client.SessionInfo(sctx)
	now := time.Now()
	if err != nil {
		w.buf.Append(buffer.RawSample{Stream: buffer.StreamThroughput, Timestamp: now, Success: false})
		w.buf.Append(buffer.RawSample{Stream: buffer.StreamPPS, Timestamp: now, Success: false})
		w.noteFailure(err)
		return
	}

	w.buf.Append(buffer.RawSample{
		Stream:    buffer.StreamThroughput,
		Timestamp: now,
		Value:     sr.ThroughputMbps,
		Success:   sr.ThroughputOK,
	})
	w.buf.Append(buffer.RawSample{
		Stream:    buffer.StreamPPS,
		Timestamp: now,
		Value:     sr.PacketsPerSec,
		Success:   sr.PPSOK,
	})
	w.noteSuccess(now)
}

func (w *Worker) slowLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setState(StateStopping)
			return
		case <-ticker.C:
			w.collect(ctx)
		}
	}
}

// collect runs one boundary cycle: structural queries, window drain,
// aggregation, one store write. The boundary only advances when the write
// lands, so a failed cycle's samples roll into the next window instead of
// being lost.
func (w *Worker) collect(ctx context.Context) {
	end := time.Now()
	w.mu.Lock()
	start := w.lastBoundary
	w.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, w.sampling.SlowTimeout)
	defer cancel()

	rec := store.Record{Target: w.name, Timestamp: end}

	if mgmt, err := w.client.SystemResources(sctx); err != nil {
		w.log.Debug("%s: system resources query failed: %v", w.name, err)
		w.noteFailure(err)
	} else {
		rec.CPUUser = store.Float(mgmt.User)
		rec.CPUSystem = store.Float(mgmt.System)
		rec.CPUIdle = store.Float(mgmt.Idle)
		rec.MgmtCPU = store.Float(mgmt.Total())
	}

	if rm, err := w.client.ResourceMonitor(sctx); err != nil {
		w.log.Debug("%s: resource monitor query failed: %v", w.name, err)
		w.noteFailure(err)
	} else {
		if rm.CoreLoadsOK {
			mean := aggregate.Mean(rm.CoreLoads)
			rec.DataPlaneCPU = store.Float(mean)
			rec.DataPlaneCPUMean = store.Float(mean)
			rec.DataPlaneCPUMax = store.Float(aggregate.Max(rm.CoreLoads))
			rec.DataPlaneCPUP95 = store.Float(aggregate.Percentile(rm.CoreLoads, 0.95))
		}
		if rm.PacketBufferOK {
			rec.PacketBufferPct = store.Float(rm.PacketBufferPct)
		}
	}

	w.refreshIdentity(sctx)

	if w.stopped() {
		return
	}

	window := w.buf.DrainWindow(start, end)
	sum := aggregate.Reduce(window, w.pollInterval)
	if sum.Throughput != nil {
		rec.ThroughputMbps = store.Float(sum.Throughput.Mean)
		rec.ThroughputMax = store.Float(sum.Throughput.Max)
		rec.ThroughputMin = store.Float(sum.Throughput.Min)
		rec.ThroughputP95 = store.Float(sum.Throughput.P95)
	}
	if sum.PPS != nil {
		rec.PPS = store.Float(sum.PPS.Mean)
		rec.PPSMax = store.Float(sum.PPS.Max)
		rec.PPSMin = store.Float(sum.PPS.Min)
		rec.PPSP95 = store.Float(sum.PPS.P95)
	}
	rec.SampleCount = sum.Quality.SampleCount
	rec.SuccessRate = sum.Quality.SuccessRate
	rec.SamplingPeriodSeconds = sum.Quality.SamplingPeriodSeconds

	if err := w.store.Write(ctx, rec); err != nil {
		w.log.Warn("%s: record write failed, window retained: %v", w.name, err)
		w.mu.Lock()
		w.lastErr = err
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.lastBoundary = end
	w.recordsWritten++
	w.lastSuccess = end
	w.mu.Unlock()
}

// refreshIdentity fetches device identity and upserts it on first sight or
// when the serial or software version changed (RMA swap, upgrade).
func (w *Worker) refreshIdentity(ctx context.Context) {
	id, err := w.client.SystemInfo(ctx)
	if err != nil {
		w.log.Debug("%s: system info query failed: %v", w.name, err)
		w.noteFailure(err)
		return
	}

	w.mu.Lock()
	changed := !w.haveIdentity || id.Serial != w.identity.Serial || id.SWVersion != w.identity.SWVersion
	w.mu.Unlock()
	if !changed {
		return
	}

	err = w.store.WriteIdentity(ctx, store.TargetIdentity{
		Name:      w.name,
		Host:      w.host,
		Model:     id.Model,
		Serial:    id.Serial,
		SWVersion: id.SWVersion,
	})
	if err != nil {
		w.log.Warn("%s: identity upsert failed: %v", w.name, err)
		return
	}

	w.mu.Lock()
	w.identity = id
	w.haveIdentity = true
	w.mu.Unlock()
	w.log.Info("%s: identity recorded: %s serial=%s sw=%s", w.name, id.Model, id.Serial, id.SWVersion)
}

// noteFailure tracks consecutive auth failures. Only genuine credential
// rejections count toward the unreachable limit; timeouts, transport
// failures, and parse errors are transient and must not stop the worker.
func (w *Worker) noteFailure(err error) {
	w.mu.Lock()
	w.lastErr = err
	if !errors.IsCode(err, errors.ErrAuth) {
		w.mu.Unlock()
		return
	}
	w.failureStreak++
	over := w.failureStreak >= w.sampling.AuthFailureLimit
	w.mu.Unlock()

	if over {
		w.markUnreachable()
	}
}

func (w *Worker) noteSuccess(at time.Time) {
	w.mu.Lock()
	w.failureStreak = 0
	w.lastSuccess = at
	w.mu.Unlock()
}

// markUnreachable records the terminal condition and cancels both loops.
// The run goroutine transitions to Stopped on its way out.
func (w *Worker) markUnreachable() {
	w.mu.Lock()
	if w.unreachable {
		w.mu.Unlock()
		return
	}
	w.unreachable = true
	cancel := w.cancel
	w.mu.Unlock()

	w.log.Error("%s: authentication failure limit reached, marking unreachable", w.name)
	if cancel != nil {
		cancel()
	}
}

func (w *Worker) stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateStopping || w.state == StateStopped || w.unreachable
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.log.Debug("%s: %s -> %s", w.name, prev, s)
	}
}
