// Package graph executes stateful pipelines described as directed graphs of
// named stages over a shared state type.
//
// Each stage returns a partial update which is merged into the running state
// by a caller supplied merge function. Edges are unconditional or conditional;
// a conditional edge declares its finite outcome set up front and Compile
// rejects any branch whose routes do not cover it. Stages can be flagged as
// interruption points: execution stops before entering them, persists a
// checkpoint and returns to the caller, who continues later with Resume.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// End is the terminal marker. An edge to End finishes the run.
const End = "__end__"

const defaultMaxSteps = 50

// NodeFunc is a stage handler. It must not mutate state; it returns the
// partial update to merge.
type NodeFunc[S, U any] func(ctx context.Context, state S) (U, error)

// StepBudgeter is implemented by states whose loops are bounded by their own
// fields. A Run or Resume may execute the larger of WithMaxSteps and
// StepBudget stages.
type StepBudgeter interface {
	StepBudget() int
}

// MergeFunc folds a partial update into the state and returns the new state.
type MergeFunc[S, U any] func(state S, update U) S

// Branch is a conditional edge.
type Branch[S any] struct {
	// Outcomes is the complete set of labels Decide may return.
	Outcomes []string
	// Decide inspects the post-update state and picks an outcome.
	Decide func(state S) string
	// Routes maps every outcome to the next stage (or End).
	Routes map[string]string
}

// Builder collects stages and edges before Compile.
type Builder[S, U any] struct {
	name       string
	merge      MergeFunc[S, U]
	nodes      map[string]NodeFunc[S, U]
	edges      map[string]string
	branches   map[string]Branch[S]
	interrupts map[string]bool
	entry      string
	errs       []error
}

// NewBuilder starts a graph definition.
func NewBuilder[S, U any](name string, merge MergeFunc[S, U]) *Builder[S, U] {
	return &Builder[S, U]{
		name:       name,
		merge:      merge,
		nodes:      make(map[string]NodeFunc[S, U]),
		edges:      make(map[string]string),
		branches:   make(map[string]Branch[S]),
		interrupts: make(map[string]bool),
	}
}

func (b *Builder[S, U]) fail(stage, format string, args ...any) {
	b.errs = append(b.errs, &ConfigurationError{Graph: b.name, Stage: stage, Reason: fmt.Sprintf(format, args...)})
}

// AddNode registers a stage.
func (b *Builder[S, U]) AddNode(name string, fn NodeFunc[S, U]) *Builder[S, U] {
	switch {
	case strings.TrimSpace(name) == "" || name == End:
		b.fail(name, "invalid stage name")
	case fn == nil:
		b.fail(name, "nil handler")
	case b.nodes[name] != nil:
		b.fail(name, "duplicate stage")
	default:
		b.nodes[name] = fn
	}
	return b
}

// AddEdge adds an unconditional transition.
func (b *Builder[S, U]) AddEdge(from, to string) *Builder[S, U] {
	if _, ok := b.edges[from]; ok {
		b.fail(from, "duplicate edge")
		return b
	}
	b.edges[from] = to
	return b
}

// AddConditionalEdges adds a branch leaving from.
func (b *Builder[S, U]) AddConditionalEdges(from string, br Branch[S]) *Builder[S, U] {
	if _, ok := b.branches[from]; ok {
		b.fail(from, "duplicate branch")
		return b
	}
	b.branches[from] = br
	return b
}

// SetEntry names the first stage.
func (b *Builder[S, U]) SetEntry(name string) *Builder[S, U] {
	b.entry = name
	return b
}

// InterruptBefore flags stages at which execution pauses before entering.
func (b *Builder[S, U]) InterruptBefore(names ...string) *Builder[S, U] {
	for _, n := range names {
		b.interrupts[n] = true
	}
	return b
}

// Option customizes a compiled graph.
type Option func(*options)

type options struct {
	store    Checkpointer
	logger   *slog.Logger
	maxSteps int
	clock    func() time.Time
}

// WithCheckpointer persists run state after every stage.
func WithCheckpointer(store Checkpointer) Option {
	return func(o *options) { o.store = store }
}

// WithLogger sets the logger used for stage transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxSteps bounds the number of stages a single Run or Resume executes.
func WithMaxSteps(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Compile validates the definition and returns an executable graph.
func (b *Builder[S, U]) Compile(opts ...Option) (*Graph[S, U], error) {
	b.validate()
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	o := options{logger: slog.Default(), maxSteps: defaultMaxSteps, clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Graph[S, U]{
		name:       b.name,
		merge:      b.merge,
		nodes:      b.nodes,
		edges:      b.edges,
		branches:   b.branches,
		interrupts: b.interrupts,
		entry:      b.entry,
		opts:       o,
		locks:      newKeyedMutex(),
	}, nil
}

func (b *Builder[S, U]) validate() {
	if b.merge == nil {
		b.fail("", "merge function is required")
	}
	if _, ok := b.nodes[b.entry]; !ok {
		b.fail(b.entry, "entry stage is not defined")
	}
	targetOK := func(to string) bool {
		if to == End {
			return true
		}
		_, ok := b.nodes[to]
		return ok
	}
	for _, name := range sortedKeys(b.nodes) {
		_, hasEdge := b.edges[name]
		_, hasBranch := b.branches[name]
		switch {
		case hasEdge && hasBranch:
			b.fail(name, "stage has both an edge and a branch")
		case !hasEdge && !hasBranch:
			b.fail(name, "stage has no outgoing transition")
		}
	}
	for _, from := range sortedKeys(b.edges) {
		if _, ok := b.nodes[from]; !ok {
			b.fail(from, "edge leaves an unknown stage")
		}
		if to := b.edges[from]; !targetOK(to) {
			b.fail(from, "edge targets unknown stage %q", to)
		}
	}
	for _, from := range sortedKeys(b.branches) {
		br := b.branches[from]
		if _, ok := b.nodes[from]; !ok {
			b.fail(from, "branch leaves an unknown stage")
		}
		if br.Decide == nil {
			b.fail(from, "branch has no decision function")
		}
		if len(br.Outcomes) == 0 {
			b.fail(from, "branch declares no outcomes")
		}
		declared := make(map[string]bool, len(br.Outcomes))
		for _, outcome := range br.Outcomes {
			if declared[outcome] {
				b.fail(from, "outcome %q declared twice", outcome)
			}
			declared[outcome] = true
			to, ok := br.Routes[outcome]
			if !ok {
				b.fail(from, "outcome %q has no route", outcome)
				continue
			}
			if !targetOK(to) {
				b.fail(from, "outcome %q targets unknown stage %q", outcome, to)
			}
		}
		for _, outcome := range sortedKeys(br.Routes) {
			if !declared[outcome] {
				b.fail(from, "route %q is not a declared outcome", outcome)
			}
		}
	}
	for _, name := range sortedKeys(b.interrupts) {
		if _, ok := b.nodes[name]; !ok {
			b.fail(name, "interrupt names an unknown stage")
		}
	}
}

// Graph is a compiled, immutable pipeline definition. It is safe for
// concurrent use; calls for the same thread are serialized.
type Graph[S, U any] struct {
	name       string
	merge      MergeFunc[S, U]
	nodes      map[string]NodeFunc[S, U]
	edges      map[string]string
	branches   map[string]Branch[S]
	interrupts map[string]bool
	entry      string
	opts       options
	locks      *keyedMutex
}

// Result is the outcome of Run, Resume or State.
type Result[S any] struct {
	ThreadID string
	State    S
	Status   Status
	// Next is the stage that runs on Resume; empty once done.
	Next string
	Step int
}

// Interrupted reports whether the run paused at an interruption point.
func (r Result[S]) Interrupted() bool {
	return r.Status == StatusInterrupted
}

// Name returns the graph name.
func (g *Graph[S, U]) Name() string {
	return g.name
}

// Run executes a fresh run from the entry stage until End, an interruption
// point or a failure. An existing checkpoint for the thread is superseded.
func (g *Graph[S, U]) Run(ctx context.Context, threadID string, initial S) (Result[S], error) {
	unlock := g.locks.lock(threadID)
	defer unlock()

	cp := Checkpoint{
		Key:      CheckpointKey(g.name, threadID),
		ThreadID: threadID,
		Graph:    g.name,
		Status:   StatusRunning,
		Next:     g.entry,
	}
	if g.opts.store != nil {
		prev, err := g.opts.store.Get(ctx, cp.Key)
		switch {
		case err == nil:
			cp.Version = prev.Version
		case !errors.Is(err, ErrNotFound):
			return Result[S]{}, fmt.Errorf("graph %s: load checkpoint: %w", g.name, err)
		}
	}
	if err := g.save(ctx, &cp, initial); err != nil {
		return Result[S]{}, err
	}
	g.opts.logger.Info("graph run started", "graph", g.name, "thread_id", threadID)
	return g.execute(ctx, &cp, initial, false)
}

// Resume continues a persisted run. A done run is returned as stored without
// executing anything, so repeated calls never repeat side effects.
func (g *Graph[S, U]) Resume(ctx context.Context, threadID string) (Result[S], error) {
	unlock := g.locks.lock(threadID)
	defer unlock()

	cp, state, err := g.load(ctx, threadID)
	if err != nil {
		return Result[S]{}, err
	}
	skipInterrupt := false
	switch cp.Status {
	case StatusDone:
		return g.result(cp, state), nil
	case StatusInterrupted, StatusFailed:
		// An interrupted stage was approved by the caller; a failed stage had
		// already passed its gate before failing.
		skipInterrupt = true
	}
	g.opts.logger.Info("graph run resumed", "graph", g.name, "thread_id", threadID, "stage", cp.Next, "status", string(cp.Status))
	cp.Status = StatusRunning
	cp.Error = ""
	return g.execute(ctx, &cp, state, skipInterrupt)
}

// State returns the persisted snapshot of a thread.
func (g *Graph[S, U]) State(ctx context.Context, threadID string) (Result[S], error) {
	cp, state, err := g.load(ctx, threadID)
	if err != nil {
		return Result[S]{}, err
	}
	return g.result(cp, state), nil
}

// UpdateState merges a partial update into a paused or failed run without
// executing any stage.
func (g *Graph[S, U]) UpdateState(ctx context.Context, threadID string, update U) (Result[S], error) {
	unlock := g.locks.lock(threadID)
	defer unlock()

	cp, state, err := g.load(ctx, threadID)
	if err != nil {
		return Result[S]{}, err
	}
	if cp.Status == StatusDone {
		return Result[S]{}, fmt.Errorf("graph %s: update %s: %w", g.name, threadID, ErrCompleted)
	}
	state = g.merge(state, update)
	if err := g.save(ctx, &cp, state); err != nil {
		return Result[S]{}, err
	}
	return g.result(cp, state), nil
}

func (g *Graph[S, U]) execute(ctx context.Context, cp *Checkpoint, state S, skipInterrupt bool) (Result[S], error) {
	logger := g.opts.logger.With("graph", g.name, "thread_id", cp.ThreadID)
	limit := g.stepLimit(state)
	steps := 0
	for {
		current := cp.Next
		if current == End {
			cp.Status = StatusDone
			cp.Next = ""
			if err := g.save(ctx, cp, state); err != nil {
				return Result[S]{}, err
			}
			logger.Info("graph run completed", "steps", cp.Step)
			return g.result(*cp, state), nil
		}
		if g.interrupts[current] && !skipInterrupt {
			cp.Status = StatusInterrupted
			if err := g.save(ctx, cp, state); err != nil {
				return Result[S]{}, err
			}
			logger.Info("graph run interrupted", "stage", current)
			return g.result(*cp, state), nil
		}
		skipInterrupt = false

		if steps >= limit {
			return Result[S]{}, g.fail(ctx, cp, state, fmt.Errorf("graph %s: %w after %d stages", g.name, ErrStepLimit, steps))
		}
		steps++

		node := g.nodes[current]
		update, err := node(ctx, state)
		if err != nil {
			logger.Warn("graph stage failed", "stage", current, "err", err)
			return Result[S]{}, g.fail(ctx, cp, state, &StageError{Graph: g.name, Stage: current, Err: err})
		}
		state = g.merge(state, update)

		next, err := g.next(current, state)
		if err != nil {
			return Result[S]{}, g.fail(ctx, cp, state, err)
		}
		cp.Last = current
		cp.Next = next
		cp.Step++
		if err := g.save(ctx, cp, state); err != nil {
			return Result[S]{}, err
		}
		logger.Debug("graph stage completed", "stage", current, "next", next)
	}
}

func (g *Graph[S, U]) stepLimit(state S) int {
	limit := g.opts.maxSteps
	if b, ok := any(state).(StepBudgeter); ok && b.StepBudget() > limit {
		limit = b.StepBudget()
	}
	return limit
}

func (g *Graph[S, U]) next(from string, state S) (string, error) {
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	br := g.branches[from]
	outcome := br.Decide(state)
	to, ok := br.Routes[outcome]
	if !ok {
		return "", &ConfigurationError{Graph: g.name, Stage: from, Reason: fmt.Sprintf("outcome %q has no transition", outcome)}
	}
	return to, nil
}

// fail records the failure in the checkpoint and returns cause, joined with
// any persistence error.
func (g *Graph[S, U]) fail(ctx context.Context, cp *Checkpoint, state S, cause error) error {
	cp.Status = StatusFailed
	cp.Error = cause.Error()
	if err := g.save(ctx, cp, state); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (g *Graph[S, U]) save(ctx context.Context, cp *Checkpoint, state S) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("graph %s: encode state: %w", g.name, err)
	}
	cp.State = raw
	cp.UpdatedAt = g.opts.clock().UTC()
	if g.opts.store == nil {
		return nil
	}
	cp.Version++
	if err := g.opts.store.Put(ctx, *cp); err != nil {
		cp.Version--
		return fmt.Errorf("graph %s: save checkpoint: %w", g.name, err)
	}
	return nil
}

func (g *Graph[S, U]) load(ctx context.Context, threadID string) (Checkpoint, S, error) {
	var state S
	if g.opts.store == nil {
		return Checkpoint{}, state, ErrNoCheckpointer
	}
	cp, err := g.opts.store.Get(ctx, CheckpointKey(g.name, threadID))
	if err != nil {
		return Checkpoint{}, state, fmt.Errorf("graph %s: load %s: %w", g.name, threadID, err)
	}
	if cp.Graph != g.name {
		return Checkpoint{}, state, &ConfigurationError{Graph: g.name, Reason: fmt.Sprintf("checkpoint %s belongs to graph %q", threadID, cp.Graph)}
	}
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return Checkpoint{}, state, fmt.Errorf("graph %s: decode state: %w", g.name, err)
	}
	return cp, state, nil
}

func (g *Graph[S, U]) result(cp Checkpoint, state S) Result[S] {
	return Result[S]{
		ThreadID: cp.ThreadID,
		State:    state,
		Status:   cp.Status,
		Next:     cp.Next,
		Step:     cp.Step,
	}
}

// keyedMutex serializes work per key and drops idle locks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
