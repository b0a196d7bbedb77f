package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// callLog records phase invocations across components in call order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(id string, phase Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, id+"/"+string(phase))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// fakeCaps implements every capability and counts invocations.
type fakeCaps struct {
	id  string
	log *callLog

	mu       sync.Mutex
	calls    map[Phase]int
	failures map[Phase][]error
	applied  []Values
	hooks    map[Phase]func()
}

func newFakeCaps(id string, log *callLog) *fakeCaps {
	return &fakeCaps{
		id:       id,
		log:      log,
		calls:    make(map[Phase]int),
		failures: make(map[Phase][]error),
		hooks:    make(map[Phase]func()),
	}
}

// failWith queues errors returned by successive calls of phase.
func (f *fakeCaps) failWith(phase Phase, errs ...error) *fakeCaps {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[phase] = append(f.failures[phase], errs...)
	return f
}

func (f *fakeCaps) clearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[Phase][]error)
}

func (f *fakeCaps) onCall(phase Phase, fn func()) *fakeCaps {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[phase] = fn
	return f
}

func (f *fakeCaps) invoke(phase Phase) error {
	f.mu.Lock()
	f.calls[phase]++
	var err error
	if queue := f.failures[phase]; len(queue) > 0 {
		err = queue[0]
		f.failures[phase] = queue[1:]
	}
	hook := f.hooks[phase]
	f.mu.Unlock()

	if f.log != nil {
		f.log.record(f.id, phase)
	}
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeCaps) count(phase Phase) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[phase]
}

func (f *fakeCaps) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeCaps) PreInstall(ctx context.Context) error {
	return f.invoke(PhasePreInstall)
}

func (f *fakeCaps) ComputeValues(ctx context.Context) (Values, error) {
	if err := f.invoke(PhaseHelmValues); err != nil {
		return nil, err
	}
	return Values{"component": f.id}, nil
}

func (f *fakeCaps) ApplyRelease(ctx context.Context, values Values) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, values)
	return nil
}

func (f *fakeCaps) PostInstall(ctx context.Context) error {
	return f.invoke(PhasePostInstall)
}

// valuesOnly exposes only the helm_values capability of a fakeCaps.
type valuesOnly struct {
	f *fakeCaps
}

func (v valuesOnly) ComputeValues(ctx context.Context) (Values, error) {
	return v.f.ComputeValues(ctx)
}

// recorder is an observer that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnEvent(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// sequence returns "kind component/phase" lines, or just the kind for run events.
func (r *recorder) sequence() []string {
	out := make([]string, 0)
	for _, e := range r.all() {
		if e.ComponentID == "" {
			out = append(out, string(e.Kind))
			continue
		}
		out = append(out, fmt.Sprintf("%s %s/%s", e.Kind, e.ComponentID, e.Phase))
	}
	return out
}

// forPhase returns the event kinds for one (component, phase) pair.
func (r *recorder) forPhase(id string, phase Phase) []EventKind {
	kinds := make([]EventKind, 0)
	for _, e := range r.all() {
		if e.ComponentID == id && e.Phase == phase {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

// sleepRecorder is a Sleeper that never waits.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// memLog is an in-memory CheckpointLog.
type memLog struct {
	mu          sync.Mutex
	runs        map[string]*RunRecord
	checkpoints map[string][]Checkpoint
	seq         int64
	failAppend  error
	appends     int
}

func newMemLog() *memLog {
	return &memLog{
		runs:        make(map[string]*RunRecord),
		checkpoints: make(map[string][]Checkpoint),
	}
}

func (m *memLog) CreateRun(ctx context.Context, run *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memLog) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *memLog) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	rec.Status = status
	rec.CompletedAt = completedAt
	return nil
}

func (m *memLog) AppendCheckpoint(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if m.failAppend != nil {
		return m.failAppend
	}
	m.seq++
	stored := *cp
	stored.Seq = m.seq
	m.checkpoints[cp.RunID] = append(m.checkpoints[cp.RunID], stored)
	return nil
}

func (m *memLog) LoadCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Checkpoint(nil), m.checkpoints[runID]...), nil
}

func (m *memLog) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var errBoom = errors.New("boom")

// fixedPolicies returns a fixed-backoff policy with maxAttempts for every phase.
func fixedPolicies(maxAttempts int) RetryPolicies {
	return RetryPolicies{Default: RetryPolicy{
		MaxAttempts:  maxAttempts,
		Backoff:      BackoffFixed,
		InitialDelay: time.Second,
	}}
}
