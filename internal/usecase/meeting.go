package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pm-agent/internal/domain"
	"pm-agent/internal/graph"
	"pm-agent/internal/llm"
	"pm-agent/internal/prompts"
)

// MeetingGraphName namespaces meeting checkpoints in the store.
const MeetingGraphName = "meeting_to_task"

// Meeting pipeline stages.
const (
	StageTranscribe  = "transcribe"
	StageAnalyze     = "analyze"
	StageReflect     = "reflect"
	StageRefine      = "refine"
	StageCreateTasks = "create_tasks"
	StageNotify      = "notify"
)

const (
	defaultMaxRevisions = 2
	reasonNoEmail       = "Email not found in participants"
)

type Transcriber interface {
	Transcribe(ctx context.Context, audioRef string) (string, error)
}

// audioSourceChecker is implemented by transcribers that only read audio from
// allowed locations.
type audioSourceChecker interface {
	AllowsAudio(audioRef string) bool
}

type StructuredLLM interface {
	Structured(ctx context.Context, messages []domain.ChatMessage, schema llm.Schema, out any) error
}

type TaskCreator interface {
	CreateTasks(ctx context.Context, items []domain.ActionItem, projectID, authorID string, userMapping map[string]string, idempotencyKey string) ([]domain.Task, error)
}

type Notifier interface {
	Send(ctx context.Context, body, to, subject string) error
}

// MeetingDeps are the collaborators of the meeting pipeline. Store is
// required because every run pauses for review.
type MeetingDeps struct {
	Transcriber Transcriber
	LLM         StructuredLLM
	Tasks       TaskCreator
	Notifier    Notifier
	Prompts     *prompts.Set
	Store       graph.Checkpointer
	Logger      *slog.Logger
}

type MeetingService struct {
	deps         MeetingDeps
	logger       *slog.Logger
	maxRevisions int
	graph        *graph.Graph[MeetingState, MeetingUpdate]
}

type StartMeetingInput struct {
	AudioRef string
	Metadata domain.MeetingMetadata
	// MaxRevisions overrides the configured bound when set. Zero disables
	// refinement.
	MaxRevisions *int
	ThreadID     string
}

// ResumeMeetingInput carries the reviewer's optional edits.
type ResumeMeetingInput struct {
	ThreadID    string
	Minutes     *string
	ActionItems *[]domain.ActionItem
}

type MeetingSnapshot struct {
	ThreadID string
	Status   graph.Status
	Next     string
	State    MeetingState
}

// AwaitingReview reports whether the run is paused before task creation.
func (s MeetingSnapshot) AwaitingReview() bool {
	return s.Status == graph.StatusInterrupted && s.Next == StageCreateTasks
}

func NewMeetingService(deps MeetingDeps, maxRevisions, maxSteps int) (*MeetingService, error) {
	switch {
	case deps.Transcriber == nil:
		return nil, errors.New("usecase: transcriber must not be nil")
	case deps.LLM == nil:
		return nil, errors.New("usecase: llm client must not be nil")
	case deps.Tasks == nil:
		return nil, errors.New("usecase: task creator must not be nil")
	case deps.Notifier == nil:
		return nil, errors.New("usecase: notifier must not be nil")
	case deps.Prompts == nil:
		return nil, errors.New("usecase: prompts must not be nil")
	case deps.Store == nil:
		return nil, errors.New("usecase: checkpoint store must not be nil")
	}
	if maxRevisions < 0 {
		return nil, errors.New("usecase: max revisions must not be negative")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &MeetingService{deps: deps, logger: deps.Logger, maxRevisions: maxRevisions}

	g, err := graph.NewBuilder[MeetingState, MeetingUpdate](MeetingGraphName, mergeMeeting).
		AddNode(StageTranscribe, s.transcribe).
		AddNode(StageAnalyze, s.analyze).
		AddNode(StageReflect, s.reflect).
		AddNode(StageRefine, s.refine).
		AddNode(StageCreateTasks, s.createTasks).
		AddNode(StageNotify, s.notify).
		SetEntry(StageTranscribe).
		AddEdge(StageTranscribe, StageAnalyze).
		AddEdge(StageAnalyze, StageReflect).
		AddConditionalEdges(StageReflect, graph.Branch[MeetingState]{
			Outcomes: []string{DecisionAccept, DecisionRevise},
			Decide:   reflectOutcome,
			Routes: map[string]string{
				DecisionAccept: StageCreateTasks,
				DecisionRevise: StageRefine,
			},
		}).
		AddEdge(StageRefine, StageReflect).
		AddEdge(StageCreateTasks, StageNotify).
		AddEdge(StageNotify, graph.End).
		InterruptBefore(StageCreateTasks).
		Compile(
			graph.WithCheckpointer(deps.Store),
			graph.WithLogger(deps.Logger),
			graph.WithMaxSteps(maxSteps),
		)
	if err != nil {
		return nil, err
	}
	s.graph = g
	return s, nil
}

// reflectOutcome sends a revise decision to task creation once the revision
// bound is reached.
func reflectOutcome(st MeetingState) string {
	if st.Decision == DecisionRevise && st.RevisionCount >= st.MaxRevisions {
		return DecisionAccept
	}
	return st.Decision
}

// Start runs the pipeline up to the review pause before task creation.
func (s *MeetingService) Start(ctx context.Context, in StartMeetingInput) (MeetingSnapshot, error) {
	audioRef := strings.TrimSpace(in.AudioRef)
	if audioRef == "" {
		return MeetingSnapshot{}, newError(ErrorInvalidInput, "empty_audio_ref", nil)
	}
	if c, ok := s.deps.Transcriber.(audioSourceChecker); ok && !c.AllowsAudio(audioRef) {
		return MeetingSnapshot{}, newError(ErrorInvalidInput, "audio_ref_not_allowed", nil)
	}
	maxRevisions := s.maxRevisions
	if in.MaxRevisions != nil {
		if *in.MaxRevisions < 0 {
			return MeetingSnapshot{}, newError(ErrorInvalidInput, "negative_max_revisions", nil)
		}
		maxRevisions = *in.MaxRevisions
	}
	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" {
		threadID = newUUID()
	}

	res, err := s.graph.Run(ctx, threadID, MeetingState{
		ThreadID:     threadID,
		AudioRef:     audioRef,
		ActionItems:  []domain.ActionItem{},
		MaxRevisions: maxRevisions,
		Metadata:     in.Metadata,
	})
	if err != nil {
		return MeetingSnapshot{}, classify(err, "meeting_run_failed")
	}
	return snapshot(res), nil
}

// Resume applies the reviewer's edits, if any, and runs the pipeline to the
// end. Resuming a finished run returns it unchanged.
func (s *MeetingService) Resume(ctx context.Context, in ResumeMeetingInput) (MeetingSnapshot, error) {
	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" {
		return MeetingSnapshot{}, newError(ErrorInvalidInput, "empty_thread_id", nil)
	}
	if in.Minutes != nil || in.ActionItems != nil {
		update := MeetingUpdate{Minutes: in.Minutes}
		if in.ActionItems != nil {
			items := normalizeItems(*in.ActionItems)
			for i, it := range items {
				if it.Title == "" || !it.Priority.Valid() {
					return MeetingSnapshot{}, newError(ErrorInvalidInput, fmt.Sprintf("invalid_action_item_%d", i), nil)
				}
			}
			update.ActionItems = &items
		}
		if _, err := s.graph.UpdateState(ctx, threadID, update); err != nil {
			return MeetingSnapshot{}, classify(err, "meeting_review_update_failed")
		}
		s.logger.Info("meeting review edits applied", "thread_id", threadID,
			"minutes", in.Minutes != nil, "action_items", in.ActionItems != nil)
	}

	res, err := s.graph.Resume(ctx, threadID)
	if err != nil {
		return MeetingSnapshot{}, classify(err, "meeting_resume_failed")
	}
	return snapshot(res), nil
}

// Get returns the persisted snapshot of a run.
func (s *MeetingService) Get(ctx context.Context, threadID string) (MeetingSnapshot, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return MeetingSnapshot{}, newError(ErrorInvalidInput, "empty_thread_id", nil)
	}
	res, err := s.graph.State(ctx, threadID)
	if err != nil {
		return MeetingSnapshot{}, classify(err, "meeting_load_failed")
	}
	return snapshot(res), nil
}

func snapshot(res graph.Result[MeetingState]) MeetingSnapshot {
	return MeetingSnapshot{ThreadID: res.ThreadID, Status: res.Status, Next: res.Next, State: res.State}
}

func (s *MeetingService) transcribe(ctx context.Context, st MeetingState) (MeetingUpdate, error) {
	text, err := s.deps.Transcriber.Transcribe(ctx, st.AudioRef)
	if err != nil {
		return MeetingUpdate{}, &AdapterError{Adapter: "transcription", Err: err}
	}
	s.logger.Info("meeting transcribed", "thread_id", st.ThreadID, "chars", len(text))
	return MeetingUpdate{Transcript: ptr(text)}, nil
}

func (s *MeetingService) analyze(ctx context.Context, st MeetingState) (MeetingUpdate, error) {
	prompt, err := s.deps.Prompts.Render(prompts.Analysis, map[string]any{
		"Participants": participantList(st.Metadata),
		"Metadata":     metadataBlob(st.Metadata),
		"Transcript":   st.Transcript,
	})
	if err != nil {
		return MeetingUpdate{}, err
	}
	var out meetingAnalysis
	if err := s.deps.LLM.Structured(ctx, userPrompt(prompt), meetingAnalysisSchema, &out); err != nil {
		return MeetingUpdate{}, fmt.Errorf("analyze: %w", err)
	}
	items := normalizeItems(out.ActionItems)
	s.logger.Info("meeting analyzed", "thread_id", st.ThreadID, "count", len(items))
	return MeetingUpdate{Minutes: ptr(strings.TrimSpace(out.Summary)), ActionItems: &items}, nil
}

func (s *MeetingService) reflect(ctx context.Context, st MeetingState) (MeetingUpdate, error) {
	prompt, err := s.deps.Prompts.Render(prompts.Reflection, map[string]any{
		"Participants": participantList(st.Metadata),
		"Minutes":      st.Minutes,
		"ActionItems":  actionItemsBlob(st.ActionItems),
	})
	if err != nil {
		return MeetingUpdate{}, err
	}
	var out reflection
	if err := s.deps.LLM.Structured(ctx, userPrompt(prompt), reflectionSchema, &out); err != nil {
		return MeetingUpdate{}, fmt.Errorf("reflect: %w", err)
	}
	logger := s.logger.With("thread_id", st.ThreadID, "revision", st.RevisionCount, "decision", out.Decision)
	if out.Decision == DecisionRevise && st.RevisionCount >= st.MaxRevisions {
		logger.Warn("max revisions reached, proceeding to task creation", "max_revisions", st.MaxRevisions)
	} else {
		logger.Info("meeting reflected")
	}
	return MeetingUpdate{Critique: ptr(strings.TrimSpace(out.Critique)), Decision: ptr(out.Decision)}, nil
}

func (s *MeetingService) refine(ctx context.Context, st MeetingState) (MeetingUpdate, error) {
	prompt, err := s.deps.Prompts.Render(prompts.Refinement, map[string]any{
		"Participants": participantList(st.Metadata),
		"Minutes":      st.Minutes,
		"ActionItems":  actionItemsBlob(st.ActionItems),
		"Critique":     st.Critique,
		"Transcript":   st.Transcript,
	})
	if err != nil {
		return MeetingUpdate{}, err
	}
	var out meetingAnalysis
	if err := s.deps.LLM.Structured(ctx, userPrompt(prompt), meetingAnalysisSchema, &out); err != nil {
		return MeetingUpdate{}, fmt.Errorf("refine: %w", err)
	}
	items := normalizeItems(out.ActionItems)
	revision := st.RevisionCount + 1
	s.logger.Info("meeting refined", "thread_id", st.ThreadID, "revision", revision, "count", len(items))
	return MeetingUpdate{
		Minutes:       ptr(strings.TrimSpace(out.Summary)),
		ActionItems:   &items,
		RevisionCount: ptr(revision),
	}, nil
}

func (s *MeetingService) createTasks(ctx context.Context, st MeetingState) (MeetingUpdate, error) {
	if len(st.ActionItems) == 0 {
		s.logger.Info("no action items to create", "thread_id", st.ThreadID)
		return MeetingUpdate{CreatedTasks: &[]domain.Task{}}, nil
	}
	mapping := make(map[string]string, len(st.Metadata.Participants))
	for _, p := range st.Metadata.Participants {
		if name := strings.ToLower(strings.TrimSpace(p.Username)); name != "" && p.UserID != "" {
			mapping[name] = p.UserID
		}
	}
	created, err := s.deps.Tasks.CreateTasks(ctx, st.ActionItems, st.Metadata.ProjectID, st.Metadata.AuthorUserID, mapping, "meeting-"+st.ThreadID)
	if err != nil {
		return MeetingUpdate{}, &AdapterError{Adapter: "task_creation", Err: err}
	}
	s.logger.Info("tasks created", "thread_id", st.ThreadID, "count", len(created))
	return MeetingUpdate{CreatedTasks: &created}, nil
}

func (s *MeetingService) notify(ctx context.Context, st MeetingState) (MeetingUpdate, error) {
	title := strings.TrimSpace(st.Metadata.Title)
	if title == "" {
		title = "Meeting"
	}
	results := make([]domain.NotificationResult, 0, len(st.ActionItems))
	for _, it := range st.ActionItems {
		if it.IsUnassigned() {
			continue
		}
		res := domain.NotificationResult{Assignee: it.Assignee, Title: it.Title}
		p, ok := st.Metadata.FindParticipant(it.Assignee)
		if !ok || strings.TrimSpace(p.Email) == "" {
			res.Status = domain.NotificationSkipped
			res.Reason = reasonNoEmail
			results = append(results, res)
			continue
		}
		res.Email = p.Email
		body, err := s.deps.Prompts.Render(prompts.NotificationEmail, map[string]any{
			"Assignee": p.Username,
			"Title":    title,
			"Date":     st.Metadata.Date,
			"Item":     it,
			"Minutes":  st.Minutes,
		})
		if err == nil {
			subject := fmt.Sprintf("[Action Required] %s - Task for %s", title, p.Username)
			err = s.deps.Notifier.Send(ctx, body, p.Email, subject)
		}
		if err != nil {
			res.Status = domain.NotificationFailed
			res.Reason = err.Error()
			s.logger.Warn("notification failed", "thread_id", st.ThreadID, "assignee", it.Assignee, "err", err)
		} else {
			res.Status = domain.NotificationSent
		}
		results = append(results, res)
	}
	s.logger.Info("notifications processed", "thread_id", st.ThreadID, "count", len(results))
	return MeetingUpdate{Notifications: &results}, nil
}
