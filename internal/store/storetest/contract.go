package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/store"
)

var (
	errRollback = errors.New("rollback")
	epoch       = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

// Run checks the behaviour every Store implementation must share. newStore
// returns an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, st store.Store)
	}{
		{"catalog soft delete and ordering", testCatalog},
		{"quiz round trip", testQuiz},
		{"enrollment", testEnrollment},
		{"progress", testProgress},
		{"concurrent first progress writes", testProgressFirstWrites},
		{"attempt constraints", testAttempts},
		{"failed transaction leaves no trace", testRollback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func view(t *testing.T, st store.Store, fn func(rd store.Reader) error) {
	t.Helper()
	if err := st.View(t.Context(), fn); err != nil {
		t.Fatal(err)
	}
}

func seedCourse(t *testing.T, st store.Store) {
	t.Helper()
	Seed(t, st,
		domain.Course{ID: "c1", Title: "Course", CreatorID: "teacher", Price: 100, ModulePrice: 30},
		domain.Module{ID: "m2", CourseID: "c1", Title: "Second", Order: 2, IsAccessible: true,
			Prerequisites: []string{"m1"},
			Dependencies:  []domain.Dependency{{ModuleID: "m1", RequiredCompletionPercent: 60}}},
		domain.Module{ID: "m1", CourseID: "c1", Title: "First", Order: 1, IsAccessible: true},
		domain.Lesson{ID: "l2", ModuleID: "m1", Order: 2},
		domain.Lesson{ID: "l1", ModuleID: "m1", Order: 1, QuizID: "q1",
			QuizSettings: domain.QuizSettings{RequireQuizPass: true, MinimumTimeMinutes: 5, ShowQuiz: domain.QuizAfter}},
	)
}

func testCatalog(t *testing.T, st store.Store) {
	seedCourse(t, st)
	Seed(t, st, domain.Module{ID: "m3", CourseID: "c1", Order: 3, Deleted: true})

	view(t, st, func(rd store.Reader) error {
		ctx := t.Context()
		m, err := rd.Module(ctx, "m2")
		if err != nil {
			return err
		}
		if m.RequiredPercent("m1") != 60 || !slices.Equal(m.Prerequisites, []string{"m1"}) {
			t.Errorf("module m2 = %+v", m)
		}
		if _, err := rd.Module(ctx, "m3"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("deleted module lookup error = %v, want not found", err)
		}

		active, err := rd.Modules(ctx, "c1")
		if err != nil {
			return err
		}
		if ids := moduleIDs(active); !slices.Equal(ids, []string{"m1", "m2"}) {
			t.Errorf("Modules = %v, want [m1 m2]", ids)
		}
		all, err := rd.ModulesIncludingDeleted(ctx, "c1")
		if err != nil {
			return err
		}
		if ids := moduleIDs(all); !slices.Equal(ids, []string{"m1", "m2", "m3"}) {
			t.Errorf("ModulesIncludingDeleted = %v", ids)
		}

		lessons, err := rd.Lessons(ctx, "m1")
		if err != nil {
			return err
		}
		if len(lessons) != 2 || lessons[0].ID != "l1" || lessons[0].QuizSettings.MinimumTimeMinutes != 5 {
			t.Errorf("Lessons = %+v", lessons)
		}
		if _, err := rd.Course(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("missing course error = %v", err)
		}
		return nil
	})
}

func moduleIDs(ms []domain.Module) []string {
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}
	return ids
}

func testQuiz(t *testing.T, st store.Store) {
	seedCourse(t, st)
	Seed(t, st, domain.Quiz{ID: "q1", LessonID: "l1", PassingScore: 70, MaxAttempts: 3, QuizTimeMinutes: 15,
		Questions: []domain.Question{MCQ("a", 2, "y", "x", "y"), Essay("b", 3)}})

	view(t, st, func(rd store.Reader) error {
		q, err := rd.Quiz(t.Context(), "q1")
		if err != nil {
			return err
		}
		if q.TotalMarks != 5 || len(q.Questions) != 2 {
			t.Errorf("quiz = %+v", q)
		}
		if opt, ok := q.Questions[0].CorrectOption(); !ok || opt.ID != "y" {
			t.Errorf("correct option = %+v, %v", opt, ok)
		}
		return nil
	})
}

func testEnrollment(t *testing.T, st store.Store) {
	seedCourse(t, st)
	Seed(t, st, domain.Enrollment{UserID: "u1", CourseID: "c1", Type: domain.EnrollmentModule, EnrolledAt: epoch,
		Modules: []domain.ModuleGrant{{ModuleID: "m1", EnrolledAt: epoch}}})

	view(t, st, func(rd store.Reader) error {
		e, err := rd.Enrollment(t.Context(), "u1", "c1")
		if err != nil {
			return err
		}
		if !e.HasModule("m1") || e.HasModule("m2") || !e.EnrolledAt.Equal(epoch) {
			t.Errorf("enrollment = %+v", e)
		}
		return nil
	})

	err := st.RunInTx(t.Context(), func(tx store.Tx) error {
		return tx.DeleteEnrollment(t.Context(), "u1", "c1")
	})
	if err != nil {
		t.Fatal(err)
	}
	view(t, st, func(rd store.Reader) error {
		if _, err := rd.Enrollment(t.Context(), "u1", "c1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("deleted enrollment error = %v", err)
		}
		return nil
	})
}

func testProgress(t *testing.T, st store.Store) {
	seedCourse(t, st)
	key := domain.ProgressKey{UserID: "u1", CourseID: "c1", ModuleID: "m1"}
	Seed(t, st,
		domain.Progress{ProgressKey: key, CompletedLessons: []string{"l1"}, CompletedQuizzes: []string{"q1"}, Percent: 50, LastAccessed: epoch},
		domain.Progress{ProgressKey: domain.ProgressKey{UserID: "u1", CourseID: "c1", ModuleID: "m2"}, Percent: 0, LastAccessed: epoch},
		domain.Progress{ProgressKey: domain.ProgressKey{UserID: "u2", CourseID: "c1", ModuleID: "m1"}, Percent: 100, LastAccessed: epoch},
	)

	view(t, st, func(rd store.Reader) error {
		p, err := rd.Progress(t.Context(), key)
		if err != nil {
			return err
		}
		if p.Percent != 50 || !p.HasLesson("l1") || !p.HasQuiz("q1") {
			t.Errorf("progress = %+v", p)
		}
		all, err := rd.CourseProgress(t.Context(), "u1", "c1")
		if err != nil {
			return err
		}
		if len(all) != 2 || all[0].ModuleID != "m1" || all[1].ModuleID != "m2" {
			t.Errorf("CourseProgress = %+v", all)
		}
		if _, err := rd.Progress(t.Context(), domain.ProgressKey{UserID: "u3", CourseID: "c1", ModuleID: "m1"}); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("missing progress error = %v", err)
		}
		return nil
	})
}

// testProgressFirstWrites races read-modify-write transactions on a
// progress record that does not exist yet. Every lesson must survive.
func testProgressFirstWrites(t *testing.T, st store.Store) {
	seedCourse(t, st)
	ctx := t.Context()
	key := domain.ProgressKey{UserID: "u1", CourseID: "c1", ModuleID: "m1"}

	const writers = 8
	var wg sync.WaitGroup
	for i := range writers {
		wg.Go(func() {
			err := st.RunInTx(ctx, func(tx store.Tx) error {
				p, err := tx.Progress(ctx, key)
				if errors.Is(err, domain.ErrNotFound) {
					p = domain.Progress{ProgressKey: key}
				} else if err != nil {
					return err
				}
				p.CompletedLessons, _ = domain.AddToSet(p.CompletedLessons, fmt.Sprintf("l%d", i))
				p.LastAccessed = epoch
				return tx.PutProgress(ctx, p)
			})
			if err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()

	view(t, st, func(rd store.Reader) error {
		p, err := rd.Progress(ctx, key)
		if err != nil {
			return err
		}
		if len(p.CompletedLessons) != writers {
			t.Errorf("completed lessons = %v, want %d entries", p.CompletedLessons, writers)
		}
		return nil
	})
}

func attempt(id string, number int, status domain.AttemptStatus) domain.Attempt {
	return domain.Attempt{
		ID: id, QuizID: "q1", UserID: "u1", CourseID: "c1", ModuleID: "m1", LessonID: "l1",
		Number: number, QuestionIDs: []string{"a", "b"}, TotalMarks: 5, StartTime: epoch, Status: status,
	}
}

func insert(ctx context.Context, st store.Store, a domain.Attempt) error {
	return st.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.LockAttempts(ctx, a.QuizID, a.UserID); err != nil {
			return err
		}
		return tx.InsertAttempt(ctx, a)
	})
}

func testAttempts(t *testing.T, st store.Store) {
	seedCourse(t, st)
	ctx := t.Context()

	if err := insert(ctx, st, attempt("a1", 1, domain.AttemptInProgress)); err != nil {
		t.Fatal(err)
	}
	err := insert(ctx, st, attempt("a2", 2, domain.AttemptInProgress))
	if !errors.Is(err, &domain.Error{Kind: domain.KindStateConflict, Reason: domain.ReasonOngoingAttempt}) {
		t.Errorf("second live attempt error = %v, want ongoing_attempt", err)
	}

	submitted := attempt("a1", 1, domain.AttemptSubmitted)
	at := epoch.Add(5 * time.Minute)
	score, pct := 4.0, 80.0
	submitted.SubmitTime = &at
	submitted.Score, submitted.Percentage, submitted.Passed = &score, &pct, true
	submitted.Answers = []domain.Answer{{QuestionID: "a", SelectedOptionID: "y", Marks: 2, Graded: true}}
	if err := st.RunInTx(ctx, func(tx store.Tx) error { return tx.UpdateAttempt(ctx, submitted) }); err != nil {
		t.Fatal(err)
	}

	if err := insert(ctx, st, attempt("a3", 1, domain.AttemptInProgress)); !errors.Is(err, domain.ErrStateConflict) {
		t.Errorf("reused attempt number error = %v, want conflict", err)
	}
	if err := insert(ctx, st, attempt("a2", 2, domain.AttemptInProgress)); err != nil {
		t.Fatalf("second attempt after submit: %v", err)
	}
	other := attempt("b1", 1, domain.AttemptInProgress)
	other.UserID = "u0"
	if err := insert(ctx, st, other); err != nil {
		t.Fatalf("other user's attempt: %v", err)
	}

	missing := attempt("zz", 9, domain.AttemptSubmitted)
	err = st.RunInTx(ctx, func(tx store.Tx) error { return tx.UpdateAttempt(ctx, missing) })
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("update of missing attempt error = %v", err)
	}

	view(t, st, func(rd store.Reader) error {
		a, err := rd.Attempt(ctx, "a1")
		if err != nil {
			return err
		}
		if a.Status != domain.AttemptSubmitted || a.Percentage == nil || *a.Percentage != 80 ||
			a.SubmitTime == nil || !a.SubmitTime.Equal(at) || len(a.Answers) != 1 {
			t.Errorf("updated attempt = %+v", a)
		}
		mine, err := rd.Attempts(ctx, "q1", "u1")
		if err != nil {
			return err
		}
		if len(mine) != 2 || mine[0].Number != 1 || mine[1].Number != 2 {
			t.Errorf("Attempts = %+v", mine)
		}
		all, err := rd.QuizAttempts(ctx, "q1")
		if err != nil {
			return err
		}
		if len(all) != 3 || all[0].UserID != "u0" {
			t.Errorf("QuizAttempts = %+v", all)
		}
		return nil
	})

	var deleted int
	err = st.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		deleted, err = tx.DeleteAttempts(ctx, "q1", "u1")
		return err
	})
	if err != nil || deleted != 2 {
		t.Errorf("DeleteAttempts = %d, %v; want 2", deleted, err)
	}
}

func testRollback(t *testing.T, st store.Store) {
	seedCourse(t, st)
	ctx := t.Context()

	err := st.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.PutEnrollment(ctx, domain.Enrollment{UserID: "u1", CourseID: "c1", Type: domain.EnrollmentFull, EnrolledAt: epoch}); err != nil {
			return err
		}
		c, err := tx.Course(ctx, "c1")
		if err != nil {
			return err
		}
		c.EnrollmentCount++
		if err := tx.PutCourse(ctx, c); err != nil {
			return err
		}
		return errRollback
	})
	if !errors.Is(err, errRollback) {
		t.Fatalf("RunInTx error = %v, want rollback", err)
	}

	view(t, st, func(rd store.Reader) error {
		if _, err := rd.Enrollment(ctx, "u1", "c1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("enrollment survived rollback: %v", err)
		}
		c, err := rd.Course(ctx, "c1")
		if err != nil {
			return err
		}
		if c.EnrollmentCount != 0 {
			t.Errorf("enrollment count = %d after rollback", c.EnrollmentCount)
		}
		return nil
	})
}
