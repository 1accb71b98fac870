package quiz

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/p-n-ai/pai-learn/internal/access"
	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/events"
	"github.com/p-n-ai/pai-learn/internal/store"
)

// ReviewItem pairs a drawn question with the learner's answer.
type ReviewItem struct {
	Question        domain.QuestionView `json:"question"`
	Answer          *domain.Answer      `json:"answer,omitempty"`
	CorrectOptionID string              `json:"correct_option_id,omitempty"`
}

// Result is an attempt as its owner or a grader may read it. Review is
// present only when the lesson allows review, or for staff.
type Result struct {
	Attempt domain.Attempt `json:"attempt"`
	Review  []ReviewItem   `json:"review,omitempty"`
}

// Results returns an attempt. Owners can read it once graded; staff can
// read any attempt at any time.
func (e *Engine) Results(ctx context.Context, actor domain.Actor, attemptID string) (Result, error) {
	var res Result
	err := e.store.View(ctx, func(rd store.Reader) error {
		a, err := rd.Attempt(ctx, attemptID)
		if err != nil {
			return err
		}
		staff := actor.IsStaff()
		if !staff && a.UserID != actor.UserID {
			return domain.NotFound("attempt", attemptID)
		}
		if !staff && a.Status != domain.AttemptGraded {
			return domain.Conflict(domain.ReasonResultsNotAvailable, "attempt %s is %s", attemptID, a.Status)
		}
		res.Attempt = a

		lesson, err := rd.Lesson(ctx, a.LessonID)
		if err != nil {
			return err
		}
		if !staff && !lesson.QuizSettings.AllowReview {
			return nil
		}
		quiz, err := rd.Quiz(ctx, a.QuizID)
		if err != nil {
			return err
		}
		res.Review = review(quiz, a)
		return nil
	})
	return res, err
}

func review(quiz domain.Quiz, a domain.Attempt) []ReviewItem {
	items := make([]ReviewItem, 0, len(a.QuestionIDs))
	for _, id := range a.QuestionIDs {
		q, ok := quiz.Question(id)
		if !ok {
			continue
		}
		item := ReviewItem{Question: q.View()}
		if i := slices.IndexFunc(a.Answers, func(ans domain.Answer) bool { return ans.QuestionID == id }); i >= 0 {
			ans := a.Answers[i]
			item.Answer = &ans
		}
		if q.Type == domain.QuestionMCQ {
			if opt, ok := q.CorrectOption(); ok {
				item.CorrectOptionID = opt.ID
			}
		}
		items = append(items, item)
	}
	return items
}

// Status summarises a user's attempts at a lesson's quiz.
type Status struct {
	QuizID             string          `json:"quiz_id"`
	Access             access.Decision `json:"access"`
	AttemptsUsed       int             `json:"attempts_used"`
	MaxAttempts        int             `json:"max_attempts"`
	AttemptsRemaining  int             `json:"attempts_remaining"`
	Live               *domain.Attempt `json:"live_attempt,omitempty"`
	AwaitingGrading    int             `json:"awaiting_grading"`
	BestPercentage     *float64        `json:"best_percentage,omitempty"`
	Passed             bool            `json:"passed"`
	CanStartNewAttempt bool            `json:"can_start_new_attempt"`
}

// Status reports attempt usage without changing anything. In-progress
// attempts whose time ran out count as used, as the next Start will close
// them.
func (e *Engine) Status(ctx context.Context, actor domain.Actor, courseID, moduleID, lessonID string) (Status, error) {
	var st Status
	err := e.store.View(ctx, func(rd store.Reader) error {
		d, err := e.access.CheckQuizEntry(ctx, rd, actor, courseID, moduleID, lessonID)
		if err != nil {
			return err
		}
		lesson, err := rd.Lesson(ctx, lessonID)
		if err != nil {
			return err
		}
		quiz, err := rd.Quiz(ctx, lesson.QuizID)
		if err != nil {
			return err
		}
		attempts, err := rd.Attempts(ctx, quiz.ID, actor.UserID)
		if err != nil {
			return err
		}

		now := e.now()
		st = Status{QuizID: quiz.ID, Access: d, MaxAttempts: quiz.MaxAttempts}
		for _, a := range attempts {
			if a.Status == domain.AttemptInProgress && !timedOut(quiz, a, now) {
				live := a
				st.Live = &live
				continue
			}
			st.AttemptsUsed++
			switch {
			case a.Status == domain.AttemptSubmitted && !a.Expired:
				st.AwaitingGrading++
			case a.Status == domain.AttemptGraded && a.Percentage != nil:
				if st.BestPercentage == nil || *a.Percentage > *st.BestPercentage {
					pct := *a.Percentage
					st.BestPercentage = &pct
				}
				st.Passed = st.Passed || a.Passed
			}
		}
		st.AttemptsRemaining = max(quiz.MaxAttempts-st.AttemptsUsed, 0)
		st.CanStartNewAttempt = d.Allowed && st.Live == nil &&
			(actor.IsStaff() || st.AttemptsUsed < quiz.MaxAttempts)
		return nil
	})
	return st, err
}

// PendingGrading lists the submitted attempts at quizID that wait for a
// grader, oldest submission first.
func (e *Engine) PendingGrading(ctx context.Context, actor domain.Actor, quizID string) ([]domain.Attempt, error) {
	_, attempts, err := e.Report(ctx, actor, quizID)
	if err != nil {
		return nil, err
	}
	pending := slices.DeleteFunc(attempts, func(a domain.Attempt) bool {
		return a.Status != domain.AttemptSubmitted || !a.NeedsManualGrading || a.Expired
	})
	slices.SortStableFunc(pending, func(a, b domain.Attempt) int {
		return a.SubmitTime.Compare(*b.SubmitTime)
	})
	return pending, nil
}

// Report returns a quiz and every attempt at it, for staff.
func (e *Engine) Report(ctx context.Context, actor domain.Actor, quizID string) (domain.Quiz, []domain.Attempt, error) {
	if !actor.IsStaff() {
		return domain.Quiz{}, nil, domain.Denied(domain.ReasonStaffOnly)
	}
	var (
		quiz     domain.Quiz
		attempts []domain.Attempt
	)
	err := e.store.View(ctx, func(rd store.Reader) error {
		var err error
		if quiz, err = rd.Quiz(ctx, quizID); err != nil {
			return err
		}
		attempts, err = rd.QuizAttempts(ctx, quizID)
		return err
	})
	return quiz, attempts, err
}

// ResetAttempts deletes every attempt of userID at quizID and takes the quiz
// out of the user's passed set, so the next attempt is number 1.
func (e *Engine) ResetAttempts(ctx context.Context, actor domain.Actor, quizID, userID string) (int, error) {
	if !actor.IsStaff() {
		return 0, domain.Denied(domain.ReasonStaffOnly)
	}

	var (
		deleted int
		key     domain.ProgressKey
	)
	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		quiz, err := tx.Quiz(ctx, quizID)
		if err != nil {
			return err
		}
		lesson, err := tx.Lesson(ctx, quiz.LessonID)
		if err != nil {
			return err
		}
		module, err := tx.Module(ctx, lesson.ModuleID)
		if err != nil {
			return err
		}
		if err := tx.LockAttempts(ctx, quizID, userID); err != nil {
			return fmt.Errorf("locking attempts: %w", err)
		}
		if deleted, err = tx.DeleteAttempts(ctx, quizID, userID); err != nil {
			return fmt.Errorf("deleting attempts: %w", err)
		}
		key = domain.ProgressKey{UserID: userID, CourseID: module.CourseID, ModuleID: module.ID}
		_, err = e.progress.RemoveQuizTx(ctx, tx, key, quizID)
		return err
	})
	if err != nil {
		return 0, err
	}

	slog.Info("quiz attempts reset",
		"user_id", userID,
		"quiz_id", quizID,
		"deleted", deleted,
		"reset_by", actor.UserID,
	)
	events.Emit(ctx, e.events, events.Event{
		UserID: userID,
		Type:   events.AttemptsReset,
		Data: map[string]any{
			"quiz_id":   quizID,
			"course_id": key.CourseID,
			"module_id": key.ModuleID,
			"deleted":   deleted,
			"reset_by":  actor.UserID,
		},
	})
	return deleted, nil
}
