// Package quiz runs the lifecycle of quiz attempts: start, submit, manual
// grading, results and staff resets. An attempt moves from in_progress to
// graded directly when every answer is auto-graded, or through submitted
// when a grader has to mark free-text answers.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-learn/internal/access"
	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/events"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/store"
)

// Sampler draws n questions out of questions without replacement.
type Sampler func(questions []domain.Question, n int) []domain.Question

// EngineConfig holds dependencies for the quiz engine.
type EngineConfig struct {
	Store    store.Store
	Access   *access.Resolver     // default: resolver without a time source
	Progress *progress.Aggregator // default: aggregator over Store
	Events   events.Logger        // default: discard
	Now      func() time.Time     // default: time.Now
	Sampler  Sampler              // default: uniform random subset
	NewID    func() string        // default: random UUID
}

// Engine is the quiz attempt state machine.
type Engine struct {
	store    store.Store
	access   *access.Resolver
	progress *progress.Aggregator
	events   events.Logger
	now      func() time.Time
	sample   Sampler
	newID    func() string
}

// NewEngine creates a quiz engine.
func NewEngine(cfg EngineConfig) *Engine {
	st := cfg.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	logger := cfg.Events
	if logger == nil {
		logger = events.NopLogger{}
	}
	resolver := cfg.Access
	if resolver == nil {
		resolver = access.NewResolver(st, nil)
	}
	agg := cfg.Progress
	if agg == nil {
		agg = progress.NewAggregator(st, logger)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sample := cfg.Sampler
	if sample == nil {
		sample = RandomSample
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{
		store:    st,
		access:   resolver,
		progress: agg,
		events:   logger,
		now:      now,
		sample:   sample,
		newID:    newID,
	}
}

// RandomSample draws a uniformly random subset of n questions and returns
// them in authoring order.
func RandomSample(questions []domain.Question, n int) []domain.Question {
	idx := rand.Perm(len(questions))[:n]
	slices.Sort(idx)
	out := make([]domain.Question, n)
	for i, j := range idx {
		out[i] = questions[j]
	}
	return out
}

// StartedAttempt is what a learner receives when an attempt opens. Questions
// carry no correct-answer data and TotalMarks covers only the drawn subset.
type StartedAttempt struct {
	AttemptID        string                `json:"attempt_id"`
	QuizID           string                `json:"quiz_id"`
	Number           int                   `json:"attempt"`
	Questions        []domain.QuestionView `json:"questions"`
	TotalMarks       float64               `json:"total_marks"`
	TimeLimitMinutes int                   `json:"time_limit_minutes"`
	StartTime        time.Time             `json:"start_time"`
	ExpiresAt        *time.Time            `json:"expires_at,omitempty"`
}

// Start opens a new attempt at the quiz of lessonID. Expired attempts are
// swept first, in their own transaction, so they consume their slot even
// when the start itself is rejected.
func (e *Engine) Start(ctx context.Context, actor domain.Actor, courseID, moduleID, lessonID string) (StartedAttempt, error) {
	if actor.UserID == "" {
		return StartedAttempt{}, domain.Validationf("user is required")
	}

	var quizID string
	err := e.store.View(ctx, func(rd store.Reader) error {
		lesson, err := rd.Lesson(ctx, lessonID)
		if err != nil {
			return err
		}
		quizID = lesson.QuizID
		return nil
	})
	if err != nil {
		return StartedAttempt{}, err
	}
	if quizID != "" {
		if _, err := e.Sweep(ctx, quizID, actor.UserID); err != nil {
			return StartedAttempt{}, err
		}
	}

	var (
		started StartedAttempt
		evs     []events.Event
	)
	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		evs = nil
		d, err := e.access.CheckQuizEntry(ctx, tx, actor, courseID, moduleID, lessonID)
		if err != nil {
			return err
		}
		if err := d.Err(); err != nil {
			return err
		}

		lesson, err := tx.Lesson(ctx, lessonID)
		if err != nil {
			return err
		}
		quiz, err := tx.Quiz(ctx, lesson.QuizID)
		if err != nil {
			return err
		}

		if err := tx.LockAttempts(ctx, quiz.ID, actor.UserID); err != nil {
			return fmt.Errorf("locking attempts: %w", err)
		}
		attempts, err := tx.Attempts(ctx, quiz.ID, actor.UserID)
		if err != nil {
			return err
		}
		now := e.now()
		expired, err := e.sweepTx(ctx, tx, quiz, attempts, now)
		if err != nil {
			return err
		}
		evs = append(evs, expired...)
		attempts, err = tx.Attempts(ctx, quiz.ID, actor.UserID)
		if err != nil {
			return err
		}

		completed, highest := 0, 0
		for _, a := range attempts {
			if a.Status == domain.AttemptInProgress {
				return domain.Conflict(domain.ReasonOngoingAttempt, "attempt %d is still in progress", a.Number)
			}
			completed++
			highest = max(highest, a.Number)
		}
		if !actor.IsStaff() && completed >= quiz.MaxAttempts {
			return domain.Conflict(domain.ReasonMaxAttemptsReached, "%d of %d attempts used", completed, quiz.MaxAttempts)
		}

		questions := e.drawQuestions(quiz)
		a := domain.Attempt{
			ID:          e.newID(),
			QuizID:      quiz.ID,
			UserID:      actor.UserID,
			CourseID:    courseID,
			ModuleID:    moduleID,
			LessonID:    lessonID,
			Number:      highest + 1,
			QuestionIDs: make([]string, len(questions)),
			StartTime:   now,
			Status:      domain.AttemptInProgress,
			Answers:     []domain.Answer{},
		}
		views := make([]domain.QuestionView, len(questions))
		for i, q := range questions {
			a.QuestionIDs[i] = q.ID
			a.TotalMarks += float64(q.Marks)
			views[i] = q.View()
		}
		if err := tx.InsertAttempt(ctx, a); err != nil {
			return err
		}

		started = StartedAttempt{
			AttemptID:        a.ID,
			QuizID:           quiz.ID,
			Number:           a.Number,
			Questions:        views,
			TotalMarks:       a.TotalMarks,
			TimeLimitMinutes: quiz.QuizTimeMinutes,
			StartTime:        now,
		}
		if limit := quiz.TimeLimit(); limit > 0 {
			expiresAt := now.Add(limit)
			started.ExpiresAt = &expiresAt
		}
		evs = append(evs, attemptEvent(events.AttemptStarted, a))
		return nil
	})
	if err != nil {
		return StartedAttempt{}, err
	}

	slog.Info("quiz attempt started",
		"user_id", actor.UserID,
		"quiz_id", started.QuizID,
		"attempt", started.Number,
		"questions", len(started.Questions),
	)
	events.Emit(ctx, e.events, evs...)
	return started, nil
}

// drawQuestions returns the whole quiz when the pool size is 0 or covers
// every question, and a random subset otherwise.
func (e *Engine) drawQuestions(quiz domain.Quiz) []domain.Question {
	n := quiz.QuestionPoolSize
	if n <= 0 || n >= len(quiz.Questions) {
		return slices.Clone(quiz.Questions)
	}
	return e.sample(quiz.Questions, n)
}

// Sweep force-submits the user's in-progress attempts at quizID whose time
// ran out, with a score of zero, and reports how many it closed.
func (e *Engine) Sweep(ctx context.Context, quizID, userID string) (int, error) {
	var evs []events.Event
	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		evs = nil
		quiz, err := tx.Quiz(ctx, quizID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.LockAttempts(ctx, quizID, userID); err != nil {
			return fmt.Errorf("locking attempts: %w", err)
		}
		attempts, err := tx.Attempts(ctx, quizID, userID)
		if err != nil {
			return err
		}
		evs, err = e.sweepTx(ctx, tx, quiz, attempts, e.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, ev := range evs {
		slog.Info("quiz attempt expired",
			"user_id", ev.UserID,
			"quiz_id", quizID,
			"attempt", ev.Data["attempt"],
		)
	}
	events.Emit(ctx, e.events, evs...)
	return len(evs), nil
}

func (e *Engine) sweepTx(ctx context.Context, tx store.Tx, quiz domain.Quiz, attempts []domain.Attempt, now time.Time) ([]events.Event, error) {
	var evs []events.Event
	for _, a := range attempts {
		if a.Status != domain.AttemptInProgress || !timedOut(quiz, a, now) {
			continue
		}
		zero := 0.0
		a.Status = domain.AttemptSubmitted
		a.Expired = true
		a.Score = &zero
		a.Percentage = &zero
		a.Passed = false
		a.SubmitTime = &now
		if err := tx.UpdateAttempt(ctx, a); err != nil {
			return nil, fmt.Errorf("expiring attempt: %w", err)
		}
		evs = append(evs, attemptEvent(events.AttemptExpired, a))
	}
	return evs, nil
}

// timedOut reports whether a's time window closed before now. Untimed
// quizzes never time out.
func timedOut(quiz domain.Quiz, a domain.Attempt, now time.Time) bool {
	limit := quiz.TimeLimit()
	return limit > 0 && now.Sub(a.StartTime) > limit
}

func attemptEvent(eventType string, a domain.Attempt) events.Event {
	data := map[string]any{
		"attempt_id": a.ID,
		"quiz_id":    a.QuizID,
		"course_id":  a.CourseID,
		"module_id":  a.ModuleID,
		"attempt":    a.Number,
	}
	if a.Percentage != nil {
		data["percentage"] = *a.Percentage
		data["passed"] = a.Passed
	}
	return events.Event{UserID: a.UserID, Type: eventType, Data: data}
}
