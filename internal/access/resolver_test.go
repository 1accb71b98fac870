package access_test

import (
	"errors"
	"testing"
	"time"

	"github.com/p-n-ai/pai-learn/internal/access"
	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/store"
	"github.com/p-n-ai/pai-learn/internal/store/storetest"
	"github.com/p-n-ai/pai-learn/internal/timetrack"
)

var (
	student = domain.Actor{UserID: "u1", Role: domain.RoleStudent}
	admin   = domain.Actor{UserID: "root", Role: domain.RoleAdmin}
	creator = domain.Actor{UserID: "teacher", Role: domain.RoleInstructor}
)

// fixture: module B requires A at 80%; A has five lessons.
func setup(t *testing.T) (*store.MemoryStore, *timetrack.MemoryTracker, *access.Resolver) {
	t.Helper()
	st := store.NewMemoryStore()
	items := []any{
		domain.Course{ID: "c1", Title: "Course", CreatorID: "teacher"},
		domain.Module{ID: "A", CourseID: "c1", Title: "A", Order: 1},
		domain.Module{ID: "B", CourseID: "c1", Title: "B", Order: 2,
			Prerequisites: []string{"A"},
			Dependencies:  []domain.Dependency{{ModuleID: "A", RequiredCompletionPercent: 80}}},
		domain.Module{ID: "C", CourseID: "c1", Title: "C", Order: 3},
	}
	for i := range 5 {
		items = append(items, domain.Lesson{ID: lid(i), ModuleID: "A", Order: i + 1, ContentURL: "https://cdn/" + lid(i)})
	}
	storetest.Seed(t, st, items...)
	tr := timetrack.NewMemoryTracker()
	return st, tr, access.NewResolver(st, tr)
}

func lid(i int) string { return "A-" + string(rune('1'+i)) }

func setProgress(t *testing.T, st store.Store, moduleID string, lessons ...string) {
	t.Helper()
	storetest.Seed(t, st, domain.Progress{
		ProgressKey:      domain.ProgressKey{UserID: "u1", CourseID: "c1", ModuleID: moduleID},
		CompletedLessons: lessons,
	})
}

func TestCanAccessModule_PrerequisiteScenario(t *testing.T) {
	st, _, r := setup(t)
	ctx := t.Context()
	storetest.Seed(t, st, domain.Enrollment{UserID: "u1", CourseID: "c1", Type: domain.EnrollmentFull})

	// 3 of 5 lessons = 60%.
	setProgress(t, st, "A", lid(0), lid(1), lid(2))
	d, err := r.CanAccessModule(ctx, student, "c1", "B")
	if err != nil {
		t.Fatalf("CanAccessModule() error = %v", err)
	}
	if d.Allowed || d.Reason != domain.ReasonPrerequisitesNotMet {
		t.Fatalf("decision at 60%% = %+v, want prerequisites_not_met", d)
	}
	if !errors.Is(d.Err(), domain.ErrAccessDenied) {
		t.Errorf("Err() = %v, want access denied", d.Err())
	}

	// 4 of 5 lessons = 80%.
	setProgress(t, st, "A", lid(0), lid(1), lid(2), lid(3))
	d, err = r.CanAccessModule(ctx, student, "c1", "B")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Err() != nil {
		t.Errorf("decision at 80%% = %+v, want allowed", d)
	}
}

func TestCanAccessModule(t *testing.T) {
	tests := []struct {
		name       string
		enrollment *domain.Enrollment
		actor      domain.Actor
		module     string
		want       access.Decision
	}{
		{
			name:   "not enrolled",
			actor:  student,
			module: "A",
			want:   access.Decision{Reason: domain.ReasonNotEnrolled},
		},
		{
			name:       "full enrollment opens module without prerequisites",
			enrollment: &domain.Enrollment{UserID: "u1", CourseID: "c1", Type: domain.EnrollmentFull},
			actor:      student,
			module:     "C",
			want:       access.Decision{Allowed: true},
		},
		{
			name: "module enrollment for another module",
			enrollment: &domain.Enrollment{UserID: "u1", CourseID: "c1", Type: domain.EnrollmentModule,
				Modules: []domain.ModuleGrant{{ModuleID: "A"}}},
			actor:  student,
			module: "C",
			want:   access.Decision{Reason: domain.ReasonModuleNotPurchased},
		},
		{
			name: "module enrollment for the module",
			enrollment: &domain.Enrollment{UserID: "u1", CourseID: "c1", Type: domain.EnrollmentModule,
				Modules: []domain.ModuleGrant{{ModuleID: "A"}}},
			actor:  student,
			module: "A",
			want:   access.Decision{Allowed: true},
		},
		{
			name:   "staff skip every check",
			actor:  admin,
			module: "B",
			want:   access.Decision{Allowed: true},
		},
		{
			name:   "creator skips every check",
			actor:  creator,
			module: "B",
			want:   access.Decision{Allowed: true},
		},
		{
			name:   "instructor who is not the creator is a learner",
			actor:  domain.Actor{UserID: "other", Role: domain.RoleInstructor},
			module: "A",
			want:   access.Decision{Reason: domain.ReasonNotEnrolled},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, _, r := setup(t)
			if tt.enrollment != nil {
				storetest.Seed(t, st, *tt.enrollment)
			}
			got, err := r.CanAccessModule(t.Context(), tt.actor, "c1", tt.module)
			if err != nil {
				t.Fatalf("CanAccessModule() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CanAccessModule() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCanAccessModule_FullEnrollmentIgnoresModuleList(t *testing.T) {
	st, _, r := setup(t)
	storetest.Seed(t, st,
		domain.Enrollment{UserID: "u1", CourseID: "c1", Type: domain.EnrollmentFull,
			Modules: []domain.ModuleGrant{{ModuleID: "C"}}},
		domain.Module{ID: "B", CourseID: "c1", Order: 2},
	)

	for _, m := range []string{"A", "B", "C"} {
		d, err := r.CanAccessModule(t.Context(), student, "c1", m)
		if err != nil || !d.Allowed {
			t.Errorf("CanAccessModule(%s) = %+v, %v, want allowed", m, d, err)
		}
	}
}

func TestCanAccessModule_DeletedPrerequisiteDoesNotGate(t *testing.T) {
	st, _, r := setup(t)
	storetest.Seed(t, st,
		domain.Enrollment{UserID: "u1", CourseID: "c1", Type: domain.EnrollmentFull},
		domain.Module{ID: "A", CourseID: "c1", Order: 1, Deleted: true},
	)

	d, err := r.CanAccessModule(t.Context(), student, "c1", "B")
	if err != nil || !d.Allowed {
		t.Errorf("CanAccessModule(B) = %+v, %v, want allowed", d, err)
	}
}

func TestCanAccessModule_NotFound(t *testing.T) {
	st, _, r := setup(t)
	storetest.Seed(t, st,
		domain.Course{ID: "c2"},
		domain.Module{ID: "X", CourseID: "c2", Order: 1},
	)

	tests := []struct {
		name   string
		course string
		module string
	}{
		{"unknown course", "nope", "A"},
		{"unknown module", "c1", "nope"},
		{"module of another course", "c1", "X"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CanAccessModule(t.Context(), student, tt.course, tt.module)
			if !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("CanAccessModule() error = %v, want not found", err)
			}
		})
	}
}

func quizModule(t *testing.T, st store.Store) {
	t.Helper()
	mcq := storetest.MCQ("q", 1, "a", "a", "b")
	storetest.Seed(t, st,
		domain.Enrollment{UserID: "u1", CourseID: "c1", Type: domain.EnrollmentFull},
		domain.Lesson{ID: "C-1", ModuleID: "C", Order: 1, QuizID: "quiz-1"},
		domain.Lesson{ID: "C-2", ModuleID: "C", Order: 2},
		domain.Lesson{ID: "C-3", ModuleID: "C", Order: 3, QuizID: "quiz-3",
			QuizSettings: domain.QuizSettings{MinimumTimeMinutes: 10, RequirePreviousPass: true}},
		domain.Lesson{ID: "C-4", ModuleID: "C", Order: 4, QuizID: "quiz-4",
			QuizSettings: domain.QuizSettings{RequirePreviousPass: true}},
		domain.Quiz{ID: "quiz-1", LessonID: "C-1", MaxAttempts: 1, Questions: []domain.Question{mcq}},
		domain.Quiz{ID: "quiz-3", LessonID: "C-3", MaxAttempts: 1, Questions: []domain.Question{mcq}},
		domain.Quiz{ID: "quiz-4", LessonID: "C-4", MaxAttempts: 1, Questions: []domain.Question{mcq}},
	)
}

func TestCanAttemptQuiz(t *testing.T) {
	st, tr, r := setup(t)
	ctx := t.Context()
	quizModule(t, st)

	check := func(lesson string, actor domain.Actor, want access.Decision) {
		t.Helper()
		got, err := r.CanAttemptQuiz(ctx, actor, "c1", "C", lesson)
		if err != nil {
			t.Fatalf("CanAttemptQuiz(%s) error = %v", lesson, err)
		}
		if got != want {
			t.Errorf("CanAttemptQuiz(%s) = %+v, want %+v", lesson, got, want)
		}
	}

	// First lesson has nothing to satisfy.
	check("C-1", student, access.Decision{Allowed: true})

	// Time gate comes first, and staff bypass it.
	check("C-3", student, access.Decision{Reason: domain.ReasonQuizTimeNotMet})
	check("C-3", admin, access.Decision{Allowed: true})
	if err := tr.Record(ctx, "u1", "C-3", 9*time.Minute); err != nil {
		t.Fatal(err)
	}
	check("C-3", student, access.Decision{Reason: domain.ReasonQuizTimeNotMet})
	if err := tr.Record(ctx, "u1", "C-3", time.Minute); err != nil {
		t.Fatal(err)
	}
	// Previous lesson C-2 has no quiz.
	check("C-3", student, access.Decision{Allowed: true})

	// C-4 needs quiz-3 passed.
	check("C-4", student, access.Decision{Reason: domain.ReasonPreviousQuizNotPassed})
	check("C-4", admin, access.Decision{Allowed: true})
	storetest.Seed(t, st, domain.Progress{
		ProgressKey:      domain.ProgressKey{UserID: "u1", CourseID: "c1", ModuleID: "C"},
		CompletedQuizzes: []string{"quiz-3"},
	})
	check("C-4", student, access.Decision{Allowed: true})
}

func TestCanAttemptQuiz_ModuleDenialWins(t *testing.T) {
	st, _, r := setup(t)
	quizModule(t, st)
	storetest.Seed(t, st, domain.Enrollment{UserID: "u1", CourseID: "c1", Type: domain.EnrollmentModule,
		Modules: []domain.ModuleGrant{{ModuleID: "A"}}})

	d, err := r.CanAttemptQuiz(t.Context(), student, "c1", "C", "C-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != domain.ReasonModuleNotPurchased {
		t.Errorf("CanAttemptQuiz() = %+v, want module_not_purchased", d)
	}
}

func TestCanAttemptQuiz_LessonWithoutQuiz(t *testing.T) {
	st, _, r := setup(t)
	quizModule(t, st)

	_, err := r.CanAttemptQuiz(t.Context(), student, "c1", "C", "C-2")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("CanAttemptQuiz() error = %v, want not found", err)
	}
}

func TestOutline_Redaction(t *testing.T) {
	st, _, r := setup(t)
	ctx := t.Context()
	quizModule(t, st)
	storetest.Seed(t, st, domain.Lesson{ID: "B-1", ModuleID: "B", Order: 1, ContentURL: "https://cdn/B-1"})

	out, err := r.Outline(ctx, student, "c1")
	if err != nil {
		t.Fatalf("Outline() error = %v", err)
	}
	if out.EnrollmentType != domain.EnrollmentFull || len(out.Modules) != 3 {
		t.Fatalf("outline = %+v", out)
	}

	byID := map[string]access.ModuleOutline{}
	for _, m := range out.Modules {
		byID[m.ID] = m
	}
	b := byID["B"]
	if b.Access.Allowed || len(b.Lessons) != 1 || b.Lessons[0].ContentURL != "" {
		t.Errorf("locked module B = %+v, want titles only", b)
	}
	c := byID["C"]
	if !c.Access.Allowed || c.Lessons[0].Quiz == nil {
		t.Fatalf("module C = %+v, want open with quiz", c)
	}
	if c.Lessons[0].Quiz.Questions != nil {
		t.Error("learner outline exposes quiz questions")
	}

	staff, err := r.Outline(ctx, admin, "c1")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range staff.Modules {
		if !m.Access.Allowed {
			t.Errorf("staff denied module %s", m.ID)
		}
		if m.ID == "C" && len(m.Lessons[0].Quiz.Questions) != 1 {
			t.Error("staff outline missing quiz questions")
		}
	}
}
