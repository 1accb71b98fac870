package domain

import (
	"slices"
	"time"
)

// AttemptStatus is the state of a quiz attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSubmitted  AttemptStatus = "submitted"
	AttemptGraded     AttemptStatus = "graded"
)

// Completed reports whether the attempt has left the in-progress state.
func (s AttemptStatus) Completed() bool {
	return s == AttemptSubmitted || s == AttemptGraded
}

// Answer is a learner's response to one question of an attempt.
type Answer struct {
	QuestionID       string  `json:"question_id"`
	SelectedOptionID string  `json:"selected_option_id,omitempty"`
	Text             string  `json:"text,omitempty"`
	Marks            float64 `json:"marks"`
	Graded           bool    `json:"graded"`
	IsCorrect        *bool   `json:"is_correct,omitempty"`
	Feedback         string  `json:"feedback,omitempty"`
}

// Attempt is one timed, numbered run of a user through a quiz. QuestionIDs
// and TotalMarks are frozen when the attempt starts.
type Attempt struct {
	ID                 string        `json:"id"`
	QuizID             string        `json:"quiz_id"`
	UserID             string        `json:"user_id"`
	CourseID           string        `json:"course_id"`
	ModuleID           string        `json:"module_id"`
	LessonID           string        `json:"lesson_id"`
	Number             int           `json:"attempt"`
	QuestionIDs        []string      `json:"question_ids"`
	TotalMarks         float64       `json:"total_marks"`
	StartTime          time.Time     `json:"start_time"`
	SubmitTime         *time.Time    `json:"submit_time,omitempty"`
	Status             AttemptStatus `json:"status"`
	Answers            []Answer      `json:"answers"`
	Score              *float64      `json:"score,omitempty"`
	Percentage         *float64      `json:"percentage,omitempty"`
	Passed             bool          `json:"passed"`
	NeedsManualGrading bool          `json:"needs_manual_grading"`
	Expired            bool          `json:"expired"`
	GradedBy           string        `json:"graded_by,omitempty"`
	GradedAt           *time.Time    `json:"graded_at,omitempty"`
}

// HasQuestion reports whether questionID belongs to the frozen question set.
func (a Attempt) HasQuestion(questionID string) bool {
	return slices.Contains(a.QuestionIDs, questionID)
}

// Clone returns a deep copy of a.
func (a Attempt) Clone() Attempt {
	a.QuestionIDs = slices.Clone(a.QuestionIDs)
	answers := make([]Answer, len(a.Answers))
	for i, ans := range a.Answers {
		if ans.IsCorrect != nil {
			v := *ans.IsCorrect
			ans.IsCorrect = &v
		}
		answers[i] = ans
	}
	a.Answers = answers
	a.Score = clonePtr(a.Score)
	a.Percentage = clonePtr(a.Percentage)
	a.SubmitTime = clonePtr(a.SubmitTime)
	a.GradedAt = clonePtr(a.GradedAt)
	return a
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
