// Package store provides the transactional unit of work shared by every
// engine component. Reads for access decisions go through View; every
// mutation runs inside RunInTx, where either all writes commit or none do.
package store

import (
	"context"

	"github.com/p-n-ai/pai-learn/internal/domain"
)

// Reader exposes the read side of the data model. Catalog lookups return
// only active (non-deleted) entities and report domain.ErrNotFound
// otherwise; the ...IncludingDeleted variants are for admin views.
type Reader interface {
	Course(ctx context.Context, id string) (domain.Course, error)
	Module(ctx context.Context, id string) (domain.Module, error)
	// Modules returns the active modules of a course ordered by Order.
	Modules(ctx context.Context, courseID string) ([]domain.Module, error)
	ModulesIncludingDeleted(ctx context.Context, courseID string) ([]domain.Module, error)
	Lesson(ctx context.Context, id string) (domain.Lesson, error)
	// Lessons returns the active lessons of a module ordered by Order.
	Lessons(ctx context.Context, moduleID string) ([]domain.Lesson, error)
	LessonsIncludingDeleted(ctx context.Context, moduleID string) ([]domain.Lesson, error)
	Quiz(ctx context.Context, id string) (domain.Quiz, error)

	Enrollment(ctx context.Context, userID, courseID string) (domain.Enrollment, error)
	Progress(ctx context.Context, key domain.ProgressKey) (domain.Progress, error)
	// CourseProgress returns every progress record of a user in a course.
	CourseProgress(ctx context.Context, userID, courseID string) ([]domain.Progress, error)

	Attempt(ctx context.Context, id string) (domain.Attempt, error)
	// Attempts returns a user's attempts at a quiz ordered by number.
	Attempts(ctx context.Context, quizID, userID string) ([]domain.Attempt, error)
	// QuizAttempts returns every attempt at a quiz ordered by user and number.
	QuizAttempts(ctx context.Context, quizID string) ([]domain.Attempt, error)
}

// Tx is a Reader plus the writes allowed inside a unit of work.
type Tx interface {
	Reader

	PutCourse(ctx context.Context, c domain.Course) error
	PutModule(ctx context.Context, m domain.Module) error
	PutLesson(ctx context.Context, l domain.Lesson) error
	PutQuiz(ctx context.Context, q domain.Quiz) error

	PutEnrollment(ctx context.Context, e domain.Enrollment) error
	DeleteEnrollment(ctx context.Context, userID, courseID string) error

	PutProgress(ctx context.Context, p domain.Progress) error

	// LockAttempts serialises attempt creation for one (quiz, user) pair
	// until the transaction ends.
	LockAttempts(ctx context.Context, quizID, userID string) error
	// InsertAttempt fails with domain.ErrStateConflict when the attempt
	// number is taken or another attempt is already in progress.
	InsertAttempt(ctx context.Context, a domain.Attempt) error
	UpdateAttempt(ctx context.Context, a domain.Attempt) error
	DeleteAttempts(ctx context.Context, quizID, userID string) (int, error)
}

// Store runs units of work against the backing data store.
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	RunInTx(ctx context.Context, fn func(Tx) error) error
}
