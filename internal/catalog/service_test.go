package catalog_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/p-n-ai/pai-learn/internal/catalog"
	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/store"
	"github.com/p-n-ai/pai-learn/internal/store/storetest"
)

var (
	admin   = domain.Actor{UserID: "admin", Role: domain.RoleAdmin}
	creator = domain.Actor{UserID: "teacher", Role: domain.RoleInstructor}
	student = domain.Actor{UserID: "s1", Role: domain.RoleStudent}
)

type fakeMedia struct {
	calls []string
	err   error
}

func (f *fakeMedia) DeleteModuleMedia(_ context.Context, courseID, moduleID string) error {
	f.calls = append(f.calls, courseID+"/"+moduleID)
	return f.err
}

func newService(t *testing.T, media catalog.MediaStore) (*catalog.Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	storetest.Seed(t, st, domain.Course{ID: "c1", Title: "Physics", CreatorID: "teacher"})
	n := 0
	svc := catalog.NewService(catalog.ServiceConfig{
		Store: st,
		Media: media,
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	return svc, st
}

func saveModules(t *testing.T, svc *catalog.Service, ids ...string) {
	t.Helper()
	for i, id := range ids {
		if _, err := svc.SaveModule(t.Context(), creator, domain.Module{ID: id, CourseID: "c1", Title: id, Order: i + 1}); err != nil {
			t.Fatalf("SaveModule(%s) error = %v", id, err)
		}
	}
}

func loadModule(t *testing.T, st store.Store, id string) domain.Module {
	t.Helper()
	var m domain.Module
	err := st.View(t.Context(), func(rd store.Reader) error {
		var err error
		m, err = rd.Module(t.Context(), id)
		return err
	})
	if err != nil {
		t.Fatalf("loading module %s: %v", id, err)
	}
	return m
}

func TestSaveCourse(t *testing.T) {
	svc, st := newService(t, nil)
	ctx := t.Context()

	c, err := svc.SaveCourse(ctx, creator, domain.Course{Title: "Chemistry", Price: 50, EnrollmentCount: 99})
	if err != nil {
		t.Fatalf("SaveCourse() error = %v", err)
	}
	if c.ID != "id-1" || c.CreatorID != "teacher" || c.EnrollmentCount != 0 {
		t.Errorf("created course = %+v", c)
	}

	storetest.Seed(t, st, domain.Course{ID: "c1", Title: "Physics", CreatorID: "teacher", EnrollmentCount: 7})
	c, err = svc.SaveCourse(ctx, admin, domain.Course{ID: "c1", Title: "Physics II", CreatorID: "someone"})
	if err != nil {
		t.Fatalf("SaveCourse(update) error = %v", err)
	}
	if c.CreatorID != "teacher" || c.EnrollmentCount != 7 || c.Title != "Physics II" {
		t.Errorf("updated course = %+v, want creator and count kept", c)
	}

	tests := []struct {
		name   string
		actor  domain.Actor
		course domain.Course
		want   error
	}{
		{"missing title", admin, domain.Course{}, domain.ErrValidation},
		{"negative price", admin, domain.Course{Title: "x", Price: -1}, domain.ErrValidation},
		{"student cannot create", student, domain.Course{Title: "x"}, domain.Denied(domain.ReasonStaffOnly)},
		{"other instructor cannot update", domain.Actor{UserID: "t2", Role: domain.RoleInstructor}, domain.Course{ID: "c1", Title: "x"}, domain.Denied(domain.ReasonNotCourseOwner)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.SaveCourse(ctx, tt.actor, tt.course); !errors.Is(err, tt.want) {
				t.Errorf("SaveCourse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSaveModule_Validation(t *testing.T) {
	svc, st := newService(t, nil)
	storetest.Seed(t, st, domain.Course{ID: "c2", Title: "Other", CreatorID: "teacher"})
	saveModules(t, svc, "A", "B")
	if _, err := svc.SaveModule(t.Context(), creator, domain.Module{ID: "X", CourseID: "c2", Order: 1}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		actor  domain.Actor
		module domain.Module
		want   error
	}{
		{"no course", creator, domain.Module{ID: "C", Order: 3}, domain.ErrValidation},
		{"unknown course", creator, domain.Module{ID: "C", CourseID: "nope", Order: 3}, domain.ErrNotFound},
		{"zero order", creator, domain.Module{ID: "C", CourseID: "c1"}, domain.ErrValidation},
		{"duplicate order", creator, domain.Module{ID: "C", CourseID: "c1", Order: 1}, domain.ErrValidation},
		{"prerequisite in other course", creator, domain.Module{ID: "C", CourseID: "c1", Order: 3, Prerequisites: []string{"X"}}, domain.ErrValidation},
		{"unknown prerequisite", creator, domain.Module{ID: "C", CourseID: "c1", Order: 3, Prerequisites: []string{"Z"}}, domain.ErrValidation},
		{"self prerequisite", creator, domain.Module{ID: "A", CourseID: "c1", Order: 1, Prerequisites: []string{"A"}}, domain.ErrGraph},
		{"dependency without prerequisite", creator, domain.Module{ID: "C", CourseID: "c1", Order: 3,
			Dependencies: []domain.Dependency{{ModuleID: "A", RequiredCompletionPercent: 50}}}, domain.ErrValidation},
		{"dependency above 100", creator, domain.Module{ID: "C", CourseID: "c1", Order: 3, Prerequisites: []string{"A"},
			Dependencies: []domain.Dependency{{ModuleID: "A", RequiredCompletionPercent: 120}}}, domain.ErrValidation},
		{"move to another course", creator, domain.Module{ID: "X", CourseID: "c1", Order: 3}, domain.ErrValidation},
		{"student", student, domain.Module{ID: "C", CourseID: "c1", Order: 3}, domain.ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.SaveModule(t.Context(), tt.actor, tt.module); !errors.Is(err, tt.want) {
				t.Errorf("SaveModule() error = %v, want %v", err, tt.want)
			}
		})
	}

	// Reordering a module onto its own order is fine.
	if _, err := svc.SaveModule(t.Context(), creator, domain.Module{ID: "A", CourseID: "c1", Title: "A2", Order: 1}); err != nil {
		t.Errorf("SaveModule(same order) error = %v", err)
	}
}

func TestSaveModule_RejectsCycleAndLeavesStateUnchanged(t *testing.T) {
	svc, st := newService(t, nil)
	saveModules(t, svc, "A", "B", "C")
	ctx := t.Context()

	if _, err := svc.SetDependencies(ctx, creator, "B", []domain.Dependency{{ModuleID: "A", RequiredCompletionPercent: 100}}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SetDependencies(ctx, creator, "C", []domain.Dependency{{ModuleID: "B", RequiredCompletionPercent: 100}}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.SaveModule(ctx, creator, domain.Module{ID: "A", CourseID: "c1", Order: 1, Prerequisites: []string{"C"}})
	if !errors.Is(err, &domain.Error{Kind: domain.KindGraph, Reason: domain.ReasonCircularPrerequisite}) {
		t.Fatalf("SaveModule() error = %v, want circular prerequisite", err)
	}
	if got := loadModule(t, st, "A").Prerequisites; len(got) != 0 {
		t.Errorf("A prerequisites = %v after rejected save", got)
	}
}

func TestSetDependencies(t *testing.T) {
	svc, st := newService(t, nil)
	saveModules(t, svc, "A", "B", "C")
	ctx := t.Context()

	m, err := svc.SetDependencies(ctx, creator, "C", []domain.Dependency{
		{ModuleID: "A", RequiredCompletionPercent: 60},
		{ModuleID: "B", RequiredCompletionPercent: 80},
	})
	if err != nil {
		t.Fatalf("SetDependencies() error = %v", err)
	}
	if len(m.Prerequisites) != 2 || m.RequiredPercent("A") != 60 || m.RequiredPercent("B") != 80 {
		t.Errorf("module = %+v", m)
	}
	if got := loadModule(t, st, "C"); len(got.Dependencies) != 2 {
		t.Errorf("stored dependencies = %+v", got.Dependencies)
	}

	if _, err := svc.SetDependencies(ctx, creator, "A", []domain.Dependency{{ModuleID: "C", RequiredCompletionPercent: 10}}); !errors.Is(err, domain.ErrGraph) {
		t.Errorf("SetDependencies(cycle) error = %v, want graph error", err)
	}
	if _, err := svc.SetDependencies(ctx, creator, "A", []domain.Dependency{{ModuleID: "B"}, {ModuleID: "B"}}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("SetDependencies(duplicate) error = %v, want validation", err)
	}
	if _, err := svc.SetDependencies(ctx, student, "A", nil); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("SetDependencies(student) error = %v, want access denied", err)
	}

	m, err = svc.SetDependencies(ctx, creator, "C", nil)
	if err != nil || len(m.Prerequisites) != 0 {
		t.Errorf("clearing dependencies = %+v, %v", m, err)
	}
}

func TestDeleteModule(t *testing.T) {
	media := &fakeMedia{err: errors.New("bucket unavailable")}
	svc, st := newService(t, media)
	saveModules(t, svc, "A", "B")
	ctx := t.Context()

	if err := svc.DeleteModule(ctx, student, "A"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("DeleteModule(student) error = %v", err)
	}
	if err := svc.DeleteModule(ctx, creator, "A"); err != nil {
		t.Fatalf("DeleteModule() error = %v, want media failure swallowed", err)
	}
	if len(media.calls) != 1 || media.calls[0] != "c1/A" {
		t.Errorf("media calls = %v", media.calls)
	}
	err := st.View(ctx, func(rd store.Reader) error {
		_, err := rd.Module(ctx, "A")
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted module lookup error = %v, want not found", err)
	}

	// The freed order can be reused.
	if _, err := svc.SaveModule(ctx, creator, domain.Module{ID: "D", CourseID: "c1", Order: 1}); err != nil {
		t.Errorf("SaveModule(reused order) error = %v", err)
	}
	if err := svc.DeleteModule(ctx, creator, "A"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second DeleteModule() error = %v, want not found", err)
	}
}

func TestSaveLessonAndQuiz(t *testing.T) {
	svc, st := newService(t, nil)
	saveModules(t, svc, "A")
	ctx := t.Context()

	l, err := svc.SaveLesson(ctx, creator, domain.Lesson{ID: "l1", ModuleID: "A", Title: "Intro", Order: 1})
	if err != nil {
		t.Fatalf("SaveLesson() error = %v", err)
	}
	if _, err := svc.SaveLesson(ctx, creator, domain.Lesson{ID: "l2", ModuleID: "A", Order: 1}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("SaveLesson(duplicate order) error = %v", err)
	}
	if _, err := svc.SaveLesson(ctx, creator, domain.Lesson{ID: "l2", ModuleID: "A", Order: 2,
		QuizSettings: domain.QuizSettings{ShowQuiz: "sometimes"}}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("SaveLesson(bad placement) error = %v", err)
	}

	q, err := svc.SaveQuiz(ctx, creator, domain.Quiz{
		ID:          "q1",
		LessonID:    l.ID,
		MaxAttempts: 2,
		Questions: []domain.Question{
			storetest.MCQ("m1", 2, "a", "a", "b"),
			storetest.Essay("e1", 3),
		},
	})
	if err != nil {
		t.Fatalf("SaveQuiz() error = %v", err)
	}
	if q.TotalMarks != 5 {
		t.Errorf("TotalMarks = %d, want 5", q.TotalMarks)
	}

	// Re-saving the lesson keeps its quiz link.
	l.Title = "Intro (updated)"
	l.QuizID = ""
	if _, err := svc.SaveLesson(ctx, creator, l); err != nil {
		t.Fatal(err)
	}
	err = st.View(ctx, func(rd store.Reader) error {
		got, err := rd.Lesson(ctx, "l1")
		if err != nil {
			return err
		}
		if got.QuizID != "q1" || got.Title != "Intro (updated)" {
			t.Errorf("lesson = %+v, want quiz link kept", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.SaveQuiz(ctx, creator, domain.Quiz{ID: "q2", LessonID: "l1", MaxAttempts: 1,
		Questions: []domain.Question{storetest.Essay("e1", 1)}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("SaveQuiz(second quiz on lesson) error = %v", err)
	}

	if err := svc.DeleteLesson(ctx, creator, "l1"); err != nil {
		t.Errorf("DeleteLesson() error = %v", err)
	}
}

func TestValidateQuiz(t *testing.T) {
	mcq := storetest.MCQ("m1", 1, "a", "a", "b")
	noCorrect := storetest.MCQ("m2", 1, "", "a", "b")
	twoCorrect := mcq
	twoCorrect.Options = []domain.Option{{ID: "a", IsCorrect: true}, {ID: "b", IsCorrect: true}}
	oneOption := storetest.MCQ("m3", 1, "a", "a")
	zeroMarks := storetest.Essay("e0", 0)
	textWithOptions := storetest.Essay("e1", 1)
	textWithOptions.Options = []domain.Option{{ID: "a"}}
	unknownType := domain.Question{ID: "u", Type: "essay", Marks: 1}

	valid := domain.Quiz{MaxAttempts: 1, PassingScore: 70, Questions: []domain.Question{mcq}}

	tests := []struct {
		name  string
		quiz  func(q domain.Quiz) domain.Quiz
		valid bool
	}{
		{"valid", func(q domain.Quiz) domain.Quiz { return q }, true},
		{"pool equals question count", func(q domain.Quiz) domain.Quiz { q.QuestionPoolSize = 1; return q }, true},
		{"no questions", func(q domain.Quiz) domain.Quiz { q.Questions = nil; return q }, false},
		{"zero max attempts", func(q domain.Quiz) domain.Quiz { q.MaxAttempts = 0; return q }, false},
		{"passing above 100", func(q domain.Quiz) domain.Quiz { q.PassingScore = 101; return q }, false},
		{"negative time", func(q domain.Quiz) domain.Quiz { q.QuizTimeMinutes = -1; return q }, false},
		{"pool larger than questions", func(q domain.Quiz) domain.Quiz { q.QuestionPoolSize = 2; return q }, false},
		{"duplicate question id", func(q domain.Quiz) domain.Quiz { q.Questions = []domain.Question{mcq, mcq}; return q }, false},
		{"no correct option", func(q domain.Quiz) domain.Quiz { q.Questions = []domain.Question{noCorrect}; return q }, false},
		{"two correct options", func(q domain.Quiz) domain.Quiz { q.Questions = []domain.Question{twoCorrect}; return q }, false},
		{"single option", func(q domain.Quiz) domain.Quiz { q.Questions = []domain.Question{oneOption}; return q }, false},
		{"zero marks", func(q domain.Quiz) domain.Quiz { q.Questions = []domain.Question{zeroMarks}; return q }, false},
		{"text with options", func(q domain.Quiz) domain.Quiz { q.Questions = []domain.Question{textWithOptions}; return q }, false},
		{"unknown type", func(q domain.Quiz) domain.Quiz { q.Questions = []domain.Question{unknownType}; return q }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := catalog.ValidateQuiz(tt.quiz(valid.Clone()))
			if tt.valid && err != nil {
				t.Errorf("ValidateQuiz() error = %v", err)
			}
			if !tt.valid && !errors.Is(err, domain.ErrValidation) {
				t.Errorf("ValidateQuiz() error = %v, want validation", err)
			}
		})
	}
}
