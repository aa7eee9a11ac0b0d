package graph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type loopState struct {
	Count int      `json:"count"`
	Max   int      `json:"max"`
	Trail []string `json:"trail"`
	Note  string   `json:"note"`
}

type loopUpdate struct {
	Count *int
	Trail []string
	Note  *string
}

func mergeLoop(s loopState, u loopUpdate) loopState {
	if u.Count != nil && *u.Count > s.Count {
		s.Count = *u.Count
	}
	if len(u.Trail) > 0 {
		trail := make([]string, 0, len(s.Trail)+len(u.Trail))
		trail = append(trail, s.Trail...)
		s.Trail = append(trail, u.Trail...)
	}
	if u.Note != nil {
		s.Note = *u.Note
	}
	return s
}

func visit(name string) NodeFunc[loopState, loopUpdate] {
	return func(_ context.Context, _ loopState) (loopUpdate, error) {
		return loopUpdate{Trail: []string{name}}, nil
	}
}

func increment(_ context.Context, s loopState) (loopUpdate, error) {
	n := s.Count + 1
	return loopUpdate{Count: &n, Trail: []string{"inc"}}, nil
}

func loopBranch() Branch[loopState] {
	return Branch[loopState]{
		Outcomes: []string{"again", "done"},
		Decide: func(s loopState) string {
			if s.Count < s.Max {
				return "again"
			}
			return "done"
		},
		Routes: map[string]string{"again": "inc", "done": "finish"},
	}
}

func buildLoop(t *testing.T, store Checkpointer, interrupt ...string) *Graph[loopState, loopUpdate] {
	t.Helper()
	g, err := NewBuilder[loopState, loopUpdate]("loop", mergeLoop).
		AddNode("start", visit("start")).
		AddNode("inc", increment).
		AddNode("finish", visit("finish")).
		SetEntry("start").
		AddEdge("start", "inc").
		AddConditionalEdges("inc", loopBranch()).
		AddEdge("finish", End).
		InterruptBefore(interrupt...).
		Compile(WithCheckpointer(store))
	require.NoError(t, err)
	return g
}

func TestRun_LoopsUntilBranchSelectsDone(t *testing.T) {
	g := buildLoop(t, NewMemoryStore())

	res, err := g.Run(context.Background(), "t1", loopState{Max: 3})
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, 3, res.State.Count)
	require.Equal(t, []string{"start", "inc", "inc", "inc", "finish"}, res.State.Trail)
	require.Empty(t, res.Next)
}

func TestRun_LongLoopIsIterative(t *testing.T) {
	g, err := NewBuilder[loopState, loopUpdate]("long", mergeLoop).
		AddNode("start", visit("start")).
		AddNode("inc", func(_ context.Context, s loopState) (loopUpdate, error) {
			n := s.Count + 1
			return loopUpdate{Count: &n}, nil
		}).
		AddNode("finish", visit("finish")).
		SetEntry("start").
		AddEdge("start", "inc").
		AddConditionalEdges("inc", loopBranch()).
		AddEdge("finish", End).
		Compile(WithMaxSteps(20000))
	require.NoError(t, err)

	res, err := g.Run(context.Background(), "t1", loopState{Max: 10000})
	require.NoError(t, err)
	require.Equal(t, 10000, res.State.Count)
}

func TestRun_StepLimit(t *testing.T) {
	store := NewMemoryStore()
	g, err := NewBuilder[loopState, loopUpdate]("bounded", mergeLoop).
		AddNode("start", visit("start")).
		AddNode("inc", increment).
		AddNode("finish", visit("finish")).
		SetEntry("start").
		AddEdge("start", "inc").
		AddConditionalEdges("inc", loopBranch()).
		AddEdge("finish", End).
		Compile(WithCheckpointer(store), WithMaxSteps(3))
	require.NoError(t, err)

	_, err = g.Run(context.Background(), "t1", loopState{Max: 100})
	require.ErrorIs(t, err, ErrStepLimit)

	snap, err := g.State(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, snap.Status)
}

func TestRun_InterruptsBeforeStageAndResumes(t *testing.T) {
	store := NewMemoryStore()
	g := buildLoop(t, store, "finish")

	res, err := g.Run(context.Background(), "t1", loopState{Max: 1})
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	require.Equal(t, "finish", res.Next)
	require.NotContains(t, res.State.Trail, "finish")

	res, err = g.Resume(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, "finish", res.State.Trail[len(res.State.Trail)-1])
}

func TestResume_DoneRunIsNotReExecuted(t *testing.T) {
	calls := 0
	g, err := NewBuilder[loopState, loopUpdate]("once", mergeLoop).
		AddNode("gate", visit("gate")).
		AddNode("effect", func(_ context.Context, _ loopState) (loopUpdate, error) {
			calls++
			return loopUpdate{Trail: []string{"effect"}}, nil
		}).
		SetEntry("gate").
		AddEdge("gate", "effect").
		AddEdge("effect", End).
		InterruptBefore("effect").
		Compile(WithCheckpointer(NewMemoryStore()))
	require.NoError(t, err)

	_, err = g.Run(context.Background(), "t1", loopState{})
	require.NoError(t, err)

	first, err := g.Resume(context.Background(), "t1")
	require.NoError(t, err)
	second, err := g.Resume(context.Background(), "t1")
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.Equal(t, first.State, second.State)
	require.Equal(t, StatusDone, second.Status)
}

func TestUpdateState_AppliesEditsBeforeResume(t *testing.T) {
	g := buildLoop(t, NewMemoryStore(), "finish")
	_, err := g.Run(context.Background(), "t1", loopState{Max: 1})
	require.NoError(t, err)

	note := "edited"
	snap, err := g.UpdateState(context.Background(), "t1", loopUpdate{Note: &note})
	require.NoError(t, err)
	require.Equal(t, StatusInterrupted, snap.Status)

	res, err := g.Resume(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "edited", res.State.Note)

	_, err = g.UpdateState(context.Background(), "t1", loopUpdate{Note: &note})
	require.ErrorIs(t, err, ErrCompleted)
}

func TestResume_UnknownThread(t *testing.T) {
	g := buildLoop(t, NewMemoryStore())
	_, err := g.Resume(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResume_WithoutCheckpointer(t *testing.T) {
	g, err := NewBuilder[loopState, loopUpdate]("nostore", mergeLoop).
		AddNode("start", visit("start")).
		SetEntry("start").
		AddEdge("start", End).
		Compile()
	require.NoError(t, err)
	_, err = g.Resume(context.Background(), "t1")
	require.ErrorIs(t, err, ErrNoCheckpointer)
}

func TestRun_StageFailureIsRecordedAndRetried(t *testing.T) {
	fail := true
	g, err := NewBuilder[loopState, loopUpdate]("flaky", mergeLoop).
		AddNode("start", visit("start")).
		AddNode("flaky", func(_ context.Context, _ loopState) (loopUpdate, error) {
			if fail {
				return loopUpdate{}, errors.New("upstream timeout")
			}
			return loopUpdate{Trail: []string{"flaky"}}, nil
		}).
		SetEntry("start").
		AddEdge("start", "flaky").
		AddEdge("flaky", End).
		Compile(WithCheckpointer(NewMemoryStore()))
	require.NoError(t, err)

	_, err = g.Run(context.Background(), "t1", loopState{})
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, "flaky", stageErr.Stage)

	snap, err := g.State(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, snap.Status)
	require.Equal(t, "flaky", snap.Next)

	fail = false
	res, err := g.Resume(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"start", "flaky"}, res.State.Trail)
}

func TestRun_UnmappedOutcomeIsConfigurationError(t *testing.T) {
	g, err := NewBuilder[loopState, loopUpdate]("bad", mergeLoop).
		AddNode("start", visit("start")).
		SetEntry("start").
		AddConditionalEdges("start", Branch[loopState]{
			Outcomes: []string{"yes"},
			Decide:   func(loopState) string { return "maybe" },
			Routes:   map[string]string{"yes": End},
		}).
		Compile()
	require.NoError(t, err)

	_, err = g.Run(context.Background(), "t1", loopState{})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "start", cfgErr.Stage)
	require.Contains(t, cfgErr.Reason, "maybe")
}

func TestCompile_RejectsInvalidDefinitions(t *testing.T) {
	cases := []struct {
		name  string
		build func() *Builder[loopState, loopUpdate]
		want  string
	}{
		{
			name: "missing entry",
			build: func() *Builder[loopState, loopUpdate] {
				return NewBuilder[loopState, loopUpdate]("g", mergeLoop).
					AddNode("a", visit("a")).AddEdge("a", End)
			},
			want: "entry stage",
		},
		{
			name: "incomplete outcome routes",
			build: func() *Builder[loopState, loopUpdate] {
				return NewBuilder[loopState, loopUpdate]("g", mergeLoop).
					AddNode("a", visit("a")).SetEntry("a").
					AddConditionalEdges("a", Branch[loopState]{
						Outcomes: []string{"x", "y"},
						Decide:   func(loopState) string { return "x" },
						Routes:   map[string]string{"x": End},
					})
			},
			want: `outcome "y" has no route`,
		},
		{
			name: "undeclared route",
			build: func() *Builder[loopState, loopUpdate] {
				return NewBuilder[loopState, loopUpdate]("g", mergeLoop).
					AddNode("a", visit("a")).SetEntry("a").
					AddConditionalEdges("a", Branch[loopState]{
						Outcomes: []string{"x"},
						Decide:   func(loopState) string { return "x" },
						Routes:   map[string]string{"x": End, "z": End},
					})
			},
			want: `route "z" is not a declared outcome`,
		},
		{
			name: "unknown edge target",
			build: func() *Builder[loopState, loopUpdate] {
				return NewBuilder[loopState, loopUpdate]("g", mergeLoop).
					AddNode("a", visit("a")).SetEntry("a").AddEdge("a", "nowhere")
			},
			want: "unknown stage",
		},
		{
			name: "dangling stage",
			build: func() *Builder[loopState, loopUpdate] {
				return NewBuilder[loopState, loopUpdate]("g", mergeLoop).
					AddNode("a", visit("a")).SetEntry("a")
			},
			want: "no outgoing transition",
		},
		{
			name: "unknown interrupt",
			build: func() *Builder[loopState, loopUpdate] {
				return NewBuilder[loopState, loopUpdate]("g", mergeLoop).
					AddNode("a", visit("a")).SetEntry("a").AddEdge("a", End).
					InterruptBefore("ghost")
			},
			want: "interrupt",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.build().Compile()
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestGraph_SameThreadCallsAreSerialized(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	g, err := NewBuilder[loopState, loopUpdate]("serial", mergeLoop).
		AddNode("work", func(_ context.Context, _ loopState) (loopUpdate, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			mu.Lock()
			active--
			mu.Unlock()
			return loopUpdate{}, nil
		}).
		SetEntry("work").
		AddEdge("work", End).
		Compile(WithCheckpointer(NewMemoryStore()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Run(context.Background(), "shared", loopState{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, peak)
}

func TestMemoryStore_VersionConflicts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.ErrorIs(t, store.Put(ctx, Checkpoint{Key: "k", Version: 2}), ErrConflict)
	require.NoError(t, store.Put(ctx, Checkpoint{Key: "k", Version: 1, State: []byte(`{}`)}))
	require.ErrorIs(t, store.Put(ctx, Checkpoint{Key: "k", Version: 1}), ErrConflict)
	require.NoError(t, store.Put(ctx, Checkpoint{Key: "k", Version: 2, State: []byte(`{}`)}))

	cp, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, int64(2), cp.Version)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

type budgetState struct {
	Count int `json:"count"`
	Max   int `json:"max"`
}

// StepBudget covers start, Max increments and finish.
func (s budgetState) StepBudget() int {
	return s.Max + 2
}

func TestRun_StateStepBudgetRaisesLimit(t *testing.T) {
	merge := func(s budgetState, n int) budgetState {
		if n > s.Count {
			s.Count = n
		}
		return s
	}
	g, err := NewBuilder[budgetState, int]("budgeted", merge).
		AddNode("start", func(context.Context, budgetState) (int, error) { return 0, nil }).
		AddNode("inc", func(_ context.Context, s budgetState) (int, error) { return s.Count + 1, nil }).
		AddNode("finish", func(_ context.Context, s budgetState) (int, error) { return s.Count, nil }).
		SetEntry("start").
		AddEdge("start", "inc").
		AddConditionalEdges("inc", Branch[budgetState]{
			Outcomes: []string{"again", "done"},
			Decide: func(s budgetState) string {
				if s.Count < s.Max {
					return "again"
				}
				return "done"
			},
			Routes: map[string]string{"again": "inc", "done": "finish"},
		}).
		AddEdge("finish", End).
		Compile(WithCheckpointer(NewMemoryStore()), WithMaxSteps(5))
	require.NoError(t, err)

	res, err := g.Run(context.Background(), "t1", budgetState{Max: 40})
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, 40, res.State.Count)
	require.Equal(t, 42, res.Step)

	// The budget only raises the configured floor.
	res, err = g.Run(context.Background(), "t2", budgetState{Max: 1})
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
}
