package domain_test

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/p-n-ai/pai-learn/internal/domain"
)

func TestErrorIs(t *testing.T) {
	wrapped := fmt.Errorf("starting quiz: %w", domain.Conflict(domain.ReasonOngoingAttempt, "attempt 2 is in progress"))

	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"kind sentinel", wrapped, domain.ErrStateConflict, true},
		{"kind and reason", wrapped, &domain.Error{Kind: domain.KindStateConflict, Reason: domain.ReasonOngoingAttempt}, true},
		{"other reason", wrapped, &domain.Error{Kind: domain.KindStateConflict, Reason: domain.ReasonMaxAttemptsReached}, false},
		{"other kind", wrapped, domain.ErrAccessDenied, false},
		{"not found", domain.NotFound("module", "m1"), domain.ErrNotFound, true},
		{"cycle", domain.CircularPrerequisite("m1"), domain.ErrGraph, true},
		{"plain error", errors.New("boom"), domain.ErrValidation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		kind domain.Kind
		name string
	}{
		{domain.KindValidation, "validation"},
		{domain.KindAccessDenied, "access_denied"},
		{domain.KindStateConflict, "state_conflict"},
		{domain.KindNotFound, "not_found"},
		{domain.KindGraph, "graph"},
		{domain.Kind(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.name {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.name)
		}
	}
}

func TestSets(t *testing.T) {
	var s []string
	var added bool
	for _, v := range []string{"l3", "l1", "l2", "l1"} {
		s, added = domain.AddToSet(s, v)
	}
	if added {
		t.Error("adding a duplicate reported a change")
	}
	if !slices.Equal(s, []string{"l1", "l2", "l3"}) {
		t.Errorf("set = %v", s)
	}

	s, removed := domain.RemoveFromSet(s, "l2")
	if !removed || !slices.Equal(s, []string{"l1", "l3"}) {
		t.Errorf("after remove = %v, %v", s, removed)
	}
	if _, removed := domain.RemoveFromSet(s, "l9"); removed {
		t.Error("removing a missing element reported a change")
	}
}

func TestModuleRequiredPercent(t *testing.T) {
	m := domain.Module{
		Prerequisites: []string{"a", "b"},
		Dependencies:  []domain.Dependency{{ModuleID: "a", RequiredCompletionPercent: 40}},
	}
	if got := m.RequiredPercent("a"); got != 40 {
		t.Errorf("RequiredPercent(a) = %v, want 40", got)
	}
	if got := m.RequiredPercent("b"); got != domain.DefaultRequiredCompletion {
		t.Errorf("RequiredPercent(b) = %v, want default", got)
	}
}

func TestQuiz(t *testing.T) {
	q := domain.Quiz{Questions: []domain.Question{
		{ID: "a", Type: domain.QuestionMCQ, Marks: 2, Options: []domain.Option{{ID: "x"}, {ID: "y", IsCorrect: true}}},
		{ID: "b", Type: domain.QuestionText, Marks: 3},
	}}
	q.RecomputeTotalMarks()
	if q.TotalMarks != 5 {
		t.Errorf("TotalMarks = %d, want 5", q.TotalMarks)
	}
	if _, ok := q.Question("c"); ok {
		t.Error("Question(c) found a missing question")
	}
	if opt, ok := q.Questions[0].CorrectOption(); !ok || opt.ID != "y" {
		t.Errorf("CorrectOption() = %+v, %v", opt, ok)
	}

	clone := q.Clone()
	clone.Questions[0].Options[0].Text = "changed"
	if q.Questions[0].Options[0].Text != "" {
		t.Error("Clone shares options with the original")
	}
}

func TestAttemptClone(t *testing.T) {
	correct := true
	score := 3.0
	a := domain.Attempt{
		QuestionIDs: []string{"a"},
		Answers:     []domain.Answer{{QuestionID: "a", IsCorrect: &correct}},
		Score:       &score,
	}
	c := a.Clone()
	*c.Answers[0].IsCorrect = false
	*c.Score = 0
	c.QuestionIDs[0] = "z"

	if !*a.Answers[0].IsCorrect || *a.Score != 3 || a.QuestionIDs[0] != "a" {
		t.Errorf("Clone shares state with the original: %+v", a)
	}
	if !domain.AttemptGraded.Completed() || domain.AttemptInProgress.Completed() {
		t.Error("Completed() is wrong")
	}
}

func TestActorIsStaff(t *testing.T) {
	for role, want := range map[domain.Role]bool{
		domain.RoleStudent:    false,
		domain.RoleInstructor: false,
		domain.RoleModerator:  true,
		domain.RoleAdmin:      true,
	} {
		if got := (domain.Actor{Role: role}).IsStaff(); got != want {
			t.Errorf("%s IsStaff() = %v, want %v", role, got, want)
		}
	}
}
