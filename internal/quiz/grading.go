package quiz

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/events"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/store"
)

// AnswerInput is a learner's response to one question.
type AnswerInput struct {
	QuestionID       string `json:"question_id"`
	SelectedOptionID string `json:"selected_option_id,omitempty"`
	Text             string `json:"text,omitempty"`
}

// GradeInput is a grader's mark for one free-text answer.
type GradeInput struct {
	QuestionID string  `json:"question_id"`
	Marks      float64 `json:"marks"`
	Feedback   string  `json:"feedback,omitempty"`
}

// Submit closes an in-progress attempt. Multiple-choice answers are scored
// immediately; free-text answers wait for a grader. Answers to questions
// outside the attempt's frozen set are ignored. A late submission is
// rejected and leaves the attempt in progress.
func (e *Engine) Submit(ctx context.Context, actor domain.Actor, attemptID string, answers []AnswerInput) (domain.Attempt, error) {
	var quizID string
	err := e.store.View(ctx, func(rd store.Reader) error {
		a, err := rd.Attempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if a.UserID != actor.UserID {
			return domain.NotFound("attempt", attemptID)
		}
		quizID = a.QuizID
		return nil
	})
	if err != nil {
		return domain.Attempt{}, err
	}

	var (
		result domain.Attempt
		evs    []events.Event
	)
	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		evs = nil
		// Same lock as Start and Sweep, taken before the row lock, so an
		// expiry sweep cannot overwrite this submission.
		if err := tx.LockAttempts(ctx, quizID, actor.UserID); err != nil {
			return fmt.Errorf("locking attempts: %w", err)
		}
		a, err := tx.Attempt(ctx, attemptID)
		if err != nil {
			return err
		}
		switch a.Status {
		case domain.AttemptSubmitted:
			return domain.Conflict(domain.ReasonAttemptSubmitted, "attempt %s", attemptID)
		case domain.AttemptGraded:
			return domain.Conflict(domain.ReasonAttemptGraded, "attempt %s", attemptID)
		}

		quiz, err := tx.Quiz(ctx, a.QuizID)
		if err != nil {
			return err
		}
		now := e.now()
		if timedOut(quiz, a, now) {
			return domain.Conflict(domain.ReasonTimeLimitExceeded,
				"submitted %s after start, limit is %s", now.Sub(a.StartTime).Round(time.Second), quiz.TimeLimit())
		}
		lesson, err := tx.Lesson(ctx, a.LessonID)
		if err != nil {
			return err
		}

		var score, possible float64
		a.Answers = make([]domain.Answer, 0, len(answers))
		seen := make(map[string]bool, len(answers))
		for _, in := range answers {
			if !a.HasQuestion(in.QuestionID) || seen[in.QuestionID] {
				continue
			}
			q, ok := quiz.Question(in.QuestionID)
			if !ok {
				continue
			}
			seen[in.QuestionID] = true

			switch q.Type {
			case domain.QuestionMCQ:
				ans := scoreMCQ(q, in.SelectedOptionID)
				score += ans.Marks
				possible += float64(q.Marks)
				a.Answers = append(a.Answers, ans)
			case domain.QuestionText:
				a.Answers = append(a.Answers, domain.Answer{
					QuestionID: q.ID,
					Text:       normalizeText(in.Text),
				})
				a.NeedsManualGrading = true
			}
		}
		a.SubmitTime = &now

		if a.NeedsManualGrading {
			a.Status = domain.AttemptSubmitted
			evs = append(evs, attemptEvent(events.AttemptSubmitted, a))
		} else {
			pct := percentage(score, possible)
			a.Score = &score
			a.Percentage = &pct
			a.Passed = pct >= passingScore(quiz, lesson)
			a.Status = domain.AttemptGraded
			a.GradedAt = &now
			evs = append(evs, attemptEvent(events.AttemptGraded, a))
		}

		if err := tx.UpdateAttempt(ctx, a); err != nil {
			return fmt.Errorf("saving attempt: %w", err)
		}
		if a.Passed {
			passEvs, err := e.recordPass(ctx, tx, a, lesson)
			if err != nil {
				return err
			}
			evs = append(evs, passEvs...)
		}
		result = a
		return nil
	})
	if err != nil {
		return domain.Attempt{}, err
	}

	slog.Info("quiz attempt submitted",
		"user_id", result.UserID,
		"quiz_id", result.QuizID,
		"attempt", result.Number,
		"status", result.Status,
		"passed", result.Passed,
	)
	events.Emit(ctx, e.events, evs...)
	return result, nil
}

// Grade marks the free-text answers of a submitted attempt. Awarded marks
// are clamped to [0, question marks]; multiple-choice answers keep their
// automatic marks. The percentage is taken over every question drawn for
// the attempt.
func (e *Engine) Grade(ctx context.Context, actor domain.Actor, attemptID string, grades []GradeInput) (domain.Attempt, error) {
	if !actor.IsStaff() {
		return domain.Attempt{}, domain.Denied(domain.ReasonStaffOnly)
	}
	byQuestion := make(map[string]GradeInput, len(grades))
	for _, g := range grades {
		if math.IsNaN(g.Marks) || math.IsInf(g.Marks, 0) {
			return domain.Attempt{}, domain.Validationf("marks for question %s must be a finite number", g.QuestionID)
		}
		byQuestion[g.QuestionID] = g
	}

	var (
		result domain.Attempt
		evs    []events.Event
	)
	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		evs = nil
		a, err := tx.Attempt(ctx, attemptID)
		if err != nil {
			return err
		}
		switch {
		case a.Status == domain.AttemptInProgress:
			return domain.Conflict(domain.ReasonAttemptNotSubmitted, "attempt %s", attemptID)
		case a.Status == domain.AttemptGraded:
			return domain.Conflict(domain.ReasonAttemptGraded, "attempt %s", attemptID)
		case a.Expired:
			return domain.Conflict(domain.ReasonAttemptGraded, "attempt %s expired with a score of zero", attemptID)
		}

		quiz, err := tx.Quiz(ctx, a.QuizID)
		if err != nil {
			return err
		}
		lesson, err := tx.Lesson(ctx, a.LessonID)
		if err != nil {
			return err
		}

		var score float64
		for i, ans := range a.Answers {
			q, ok := quiz.Question(ans.QuestionID)
			if !ok {
				return domain.Validationf("question %s no longer exists in quiz %s", ans.QuestionID, quiz.ID)
			}
			g, graded := byQuestion[ans.QuestionID]
			if q.Type == domain.QuestionText {
				if !graded {
					return domain.Validationf("missing grade for question %s", ans.QuestionID)
				}
				ans.Marks = clamp(g.Marks, 0, float64(q.Marks))
				ans.Graded = true
			}
			if graded {
				ans.Feedback = g.Feedback
			}
			score += ans.Marks
			a.Answers[i] = ans
		}

		now := e.now()
		pct := percentage(score, a.TotalMarks)
		a.Score = &score
		a.Percentage = &pct
		a.Passed = pct >= passingScore(quiz, lesson)
		a.Status = domain.AttemptGraded
		a.GradedBy = actor.UserID
		a.GradedAt = &now
		if err := tx.UpdateAttempt(ctx, a); err != nil {
			return fmt.Errorf("saving attempt: %w", err)
		}
		evs = append(evs, attemptEvent(events.AttemptGraded, a))

		if a.Passed {
			passEvs, err := e.recordPass(ctx, tx, a, lesson)
			if err != nil {
				return err
			}
			evs = append(evs, passEvs...)
		}
		result = a
		return nil
	})
	if err != nil {
		return domain.Attempt{}, err
	}

	slog.Info("quiz attempt graded",
		"user_id", result.UserID,
		"quiz_id", result.QuizID,
		"attempt", result.Number,
		"graded_by", actor.UserID,
		"passed", result.Passed,
	)
	events.Emit(ctx, e.events, evs...)
	return result, nil
}

// recordPass records the quiz pass, and the lesson completion when the
// lesson is gated on its quiz, in the attempt's transaction.
func (e *Engine) recordPass(ctx context.Context, tx store.Tx, a domain.Attempt, lesson domain.Lesson) ([]events.Event, error) {
	key := domain.ProgressKey{UserID: a.UserID, CourseID: a.CourseID, ModuleID: a.ModuleID}

	var evs []events.Event
	p, added, err := e.progress.RecordQuizPassTx(ctx, tx, key, lesson.ID, a.QuizID)
	if err != nil {
		return nil, fmt.Errorf("recording quiz pass: %w", err)
	}
	if added {
		evs = append(evs, progress.QuizPassedEvent(key, a.QuizID, p.Percent))
	}

	if lesson.QuizSettings.RequireQuizPass {
		p, added, err = e.progress.RecordLessonCompleteTx(ctx, tx, key, lesson.ID)
		if err != nil {
			return nil, fmt.Errorf("recording lesson completion: %w", err)
		}
		if added {
			evs = append(evs, progress.LessonCompletedEvent(key, lesson.ID, p.Percent))
		}
	}
	return evs, nil
}

func scoreMCQ(q domain.Question, selected string) domain.Answer {
	correct, ok := q.CorrectOption()
	isCorrect := ok && selected != "" && selected == correct.ID
	ans := domain.Answer{
		QuestionID:       q.ID,
		SelectedOptionID: selected,
		Graded:           true,
		IsCorrect:        &isCorrect,
	}
	if isCorrect {
		ans.Marks = float64(q.Marks)
	}
	return ans
}

// passingScore is the lesson's minimum passing score when set, else the
// quiz's own.
func passingScore(quiz domain.Quiz, lesson domain.Lesson) float64 {
	if lesson.QuizSettings.MinimumPassingScore > 0 {
		return lesson.QuizSettings.MinimumPassingScore
	}
	return quiz.PassingScore
}

// percentage is not rounded, so a score exactly at the passing bar passes.
func percentage(score, possible float64) float64 {
	if possible <= 0 {
		return 0
	}
	return score / possible * 100
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
