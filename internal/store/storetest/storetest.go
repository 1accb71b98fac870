// Package storetest seeds stores for tests.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/store"
)

// Seed writes items into st in one transaction and fails the test on error.
// Items are domain values or pointers to them.
func Seed(t testing.TB, st store.Store, items ...any) {
	t.Helper()
	if err := Put(context.Background(), st, items...); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
}

// Put writes items into st in one transaction.
func Put(ctx context.Context, st store.Store, items ...any) error {
	return st.RunInTx(ctx, func(tx store.Tx) error {
		for _, item := range items {
			if err := put(ctx, tx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

func put(ctx context.Context, tx store.Tx, item any) error {
	switch v := item.(type) {
	case domain.Course:
		return tx.PutCourse(ctx, v)
	case *domain.Course:
		return tx.PutCourse(ctx, *v)
	case domain.Module:
		return tx.PutModule(ctx, v)
	case *domain.Module:
		return tx.PutModule(ctx, *v)
	case domain.Lesson:
		return tx.PutLesson(ctx, v)
	case *domain.Lesson:
		return tx.PutLesson(ctx, *v)
	case domain.Quiz:
		v.RecomputeTotalMarks()
		return tx.PutQuiz(ctx, v)
	case *domain.Quiz:
		v.RecomputeTotalMarks()
		return tx.PutQuiz(ctx, *v)
	case domain.Enrollment:
		return tx.PutEnrollment(ctx, v)
	case *domain.Enrollment:
		return tx.PutEnrollment(ctx, *v)
	case domain.Progress:
		return tx.PutProgress(ctx, v)
	case *domain.Progress:
		return tx.PutProgress(ctx, *v)
	case domain.Attempt:
		return tx.InsertAttempt(ctx, v)
	case *domain.Attempt:
		return tx.InsertAttempt(ctx, *v)
	default:
		return fmt.Errorf("storetest: unsupported item %T", item)
	}
}

// MCQ builds a multiple-choice question whose correct option id is correct.
func MCQ(id string, marks int, correct string, optionIDs ...string) domain.Question {
	q := domain.Question{ID: id, Text: "question " + id, Type: domain.QuestionMCQ, Marks: marks}
	for _, o := range optionIDs {
		q.Options = append(q.Options, domain.Option{ID: o, Text: "option " + o, IsCorrect: o == correct})
	}
	return q
}

// Essay builds a free-text question.
func Essay(id string, marks int) domain.Question {
	return domain.Question{ID: id, Text: "question " + id, Type: domain.QuestionText, Marks: marks}
}
