// Package domain holds the data model shared by the enrollment and
// progression engine: catalog content, enrollments, progress records and quiz
// attempts, plus the error taxonomy every component reports with.
package domain

import (
	"slices"
	"time"
)

// DefaultRequiredCompletion is the completion bar for a prerequisite that has
// no explicit dependency entry.
const DefaultRequiredCompletion = 100.0

// Course is the root of a catalog tree.
type Course struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	CreatorID       string  `json:"creator_id"`
	Price           float64 `json:"price"`
	ModulePrice     float64 `json:"module_price"`
	EnrollmentCount int     `json:"enrollment_count"`
	Deleted         bool    `json:"-"`
}

// Dependency refines a prerequisite with the completion it must reach.
type Dependency struct {
	ModuleID                  string  `json:"module_id"`
	RequiredCompletionPercent float64 `json:"required_completion_percent"`
}

// Module is an ordered, prerequisite-gated unit of a course.
type Module struct {
	ID            string       `json:"id"`
	CourseID      string       `json:"course_id"`
	Title         string       `json:"title"`
	Order         int          `json:"order"`
	IsAccessible  bool         `json:"is_accessible"`
	Prerequisites []string     `json:"prerequisites"`
	Dependencies  []Dependency `json:"dependencies"`
	Deleted       bool         `json:"-"`
}

// RequiredPercent returns the completion a learner needs in prerequisite
// prereqID before this module opens.
func (m Module) RequiredPercent(prereqID string) float64 {
	for _, d := range m.Dependencies {
		if d.ModuleID == prereqID {
			return d.RequiredCompletionPercent
		}
	}
	return DefaultRequiredCompletion
}

// Clone returns a copy that shares no slices with m.
func (m Module) Clone() Module {
	m.Prerequisites = slices.Clone(m.Prerequisites)
	m.Dependencies = slices.Clone(m.Dependencies)
	return m
}

// QuizPlacement says where a lesson's quiz is shown relative to its content.
type QuizPlacement string

const (
	QuizBefore QuizPlacement = "before"
	QuizAfter  QuizPlacement = "after"
	QuizAny    QuizPlacement = "any"
)

// QuizSettings configures how a lesson's quiz gates progress.
type QuizSettings struct {
	Required            bool          `json:"required"`
	MinimumPassingScore float64       `json:"minimum_passing_score"`
	BlockProgress       bool          `json:"block_progress"`
	RequireQuizPass     bool          `json:"require_quiz_pass"`
	RequirePreviousPass bool          `json:"require_previous_pass"`
	MinimumTimeMinutes  int           `json:"minimum_time_minutes"`
	ShowQuiz            QuizPlacement `json:"show_quiz"`
	AllowReview         bool          `json:"allow_review"`
}

// MinimumTime is the time a learner must spend on the lesson before its quiz
// may be attempted.
func (s QuizSettings) MinimumTime() time.Duration {
	return time.Duration(s.MinimumTimeMinutes) * time.Minute
}

// AssetRequirement marks a lesson asset as required for completion.
type AssetRequirement struct {
	AssetID  string `json:"asset_id"`
	Required bool   `json:"required"`
}

// CompletionRequirements describes what counts as finishing a lesson.
type CompletionRequirements struct {
	WatchVideo         bool               `json:"watch_video"`
	Assets             []AssetRequirement `json:"assets"`
	MinimumTimeMinutes int                `json:"minimum_time_minutes"`
}

// Lesson is an ordered unit of a module, optionally carrying a quiz.
type Lesson struct {
	ID                     string                 `json:"id"`
	ModuleID               string                 `json:"module_id"`
	Title                  string                 `json:"title"`
	Order                  int                    `json:"order"`
	ContentURL             string                 `json:"content_url,omitempty"`
	QuizID                 string                 `json:"quiz_id,omitempty"`
	QuizSettings           QuizSettings           `json:"quiz_settings"`
	CompletionRequirements CompletionRequirements `json:"completion_requirements"`
	Deleted                bool                   `json:"-"`
}

// Clone returns a copy that shares no slices with l.
func (l Lesson) Clone() Lesson {
	l.CompletionRequirements.Assets = slices.Clone(l.CompletionRequirements.Assets)
	return l
}

// QuestionType distinguishes auto-graded from manually graded questions.
type QuestionType string

const (
	QuestionMCQ  QuestionType = "mcq"
	QuestionText QuestionType = "text"
)

// Option is one choice of a multiple-choice question.
type Option struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// Question is a single quiz item.
type Question struct {
	ID      string       `json:"id"`
	Text    string       `json:"text"`
	Type    QuestionType `json:"type"`
	Marks   int          `json:"marks"`
	Options []Option     `json:"options,omitempty"`
}

// CorrectOption returns the option flagged correct.
func (q Question) CorrectOption() (Option, bool) {
	for _, o := range q.Options {
		if o.IsCorrect {
			return o, true
		}
	}
	return Option{}, false
}

// Quiz is the assessment attached to a lesson.
type Quiz struct {
	ID               string     `json:"id"`
	LessonID         string     `json:"lesson_id"`
	QuizTimeMinutes  int        `json:"quiz_time_minutes"`
	PassingScore     float64    `json:"passing_score"`
	MaxAttempts      int        `json:"max_attempts"`
	QuestionPoolSize int        `json:"question_pool_size"`
	Questions        []Question `json:"questions"`
	TotalMarks       int        `json:"total_marks"`
	Deleted          bool       `json:"-"`
}

// TimeLimit is the attempt window. Zero means the quiz is untimed.
func (q Quiz) TimeLimit() time.Duration {
	return time.Duration(q.QuizTimeMinutes) * time.Minute
}

// RecomputeTotalMarks sets TotalMarks to the sum of all question marks.
func (q *Quiz) RecomputeTotalMarks() {
	total := 0
	for _, question := range q.Questions {
		total += question.Marks
	}
	q.TotalMarks = total
}

// Question looks up a question by id.
func (q Quiz) Question(id string) (Question, bool) {
	for _, question := range q.Questions {
		if question.ID == id {
			return question, true
		}
	}
	return Question{}, false
}

// Clone returns a deep copy of q.
func (q Quiz) Clone() Quiz {
	questions := make([]Question, len(q.Questions))
	for i, question := range q.Questions {
		question.Options = slices.Clone(question.Options)
		questions[i] = question
	}
	q.Questions = questions
	return q
}

// OptionView is an option as shown to a learner, without its correctness.
type OptionView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// QuestionView is a question as shown to a learner taking a quiz.
type QuestionView struct {
	ID      string       `json:"id"`
	Text    string       `json:"text"`
	Type    QuestionType `json:"type"`
	Marks   int          `json:"marks"`
	Options []OptionView `json:"options,omitempty"`
}

// View strips correct-answer data from q.
func (q Question) View() QuestionView {
	v := QuestionView{ID: q.ID, Text: q.Text, Type: q.Type, Marks: q.Marks}
	for _, o := range q.Options {
		v.Options = append(v.Options, OptionView{ID: o.ID, Text: o.Text})
	}
	return v
}
