package domain

import (
	"slices"
	"time"
)

// Role is a platform role carried by the caller's identity.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
)

// Actor is the caller on whose behalf an operation runs.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// IsStaff reports whether the actor holds a platform staff role.
func (a Actor) IsStaff() bool {
	return a.Role == RoleAdmin || a.Role == RoleModerator
}

// EnrollmentType is the variant tag of an Enrollment.
type EnrollmentType string

const (
	EnrollmentFull   EnrollmentType = "full"
	EnrollmentModule EnrollmentType = "module"
)

// ModuleGrant records one purchased module of a module-scoped enrollment.
type ModuleGrant struct {
	ModuleID   string    `json:"module_id"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// Enrollment is a user's access to one course. A Full enrollment never
// carries module grants; a Module enrollment carries at least one.
type Enrollment struct {
	UserID     string         `json:"user_id"`
	CourseID   string         `json:"course_id"`
	Type       EnrollmentType `json:"enrollment_type"`
	EnrolledAt time.Time      `json:"enrolled_at"`
	Modules    []ModuleGrant  `json:"modules,omitempty"`
}

// HasModule reports whether a module-scoped enrollment includes moduleID.
func (e Enrollment) HasModule(moduleID string) bool {
	for _, m := range e.Modules {
		if m.ModuleID == moduleID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with e.
func (e Enrollment) Clone() Enrollment {
	e.Modules = slices.Clone(e.Modules)
	return e
}

// ProgressKey identifies a progress record.
type ProgressKey struct {
	UserID   string `json:"user_id"`
	CourseID string `json:"course_id"`
	ModuleID string `json:"module_id"`
}

// Progress is the completion state of one module for one user.
type Progress struct {
	ProgressKey
	CompletedLessons []string  `json:"completed_lessons"`
	CompletedQuizzes []string  `json:"completed_quizzes"`
	Percent          float64   `json:"progress"`
	LastAccessed     time.Time `json:"last_accessed"`
}

// HasQuiz reports whether quizID is recorded as passed.
func (p Progress) HasQuiz(quizID string) bool {
	return slices.Contains(p.CompletedQuizzes, quizID)
}

// HasLesson reports whether lessonID is recorded as complete.
func (p Progress) HasLesson(lessonID string) bool {
	return slices.Contains(p.CompletedLessons, lessonID)
}

// Clone returns a copy that shares no slices with p.
func (p Progress) Clone() Progress {
	p.CompletedLessons = slices.Clone(p.CompletedLessons)
	p.CompletedQuizzes = slices.Clone(p.CompletedQuizzes)
	return p
}

// AddToSet inserts v into the sorted set s. The bool is false when v was
// already present.
func AddToSet(s []string, v string) ([]string, bool) {
	i, found := slices.BinarySearch(s, v)
	if found {
		return s, false
	}
	return slices.Insert(s, i, v), true
}

// RemoveFromSet deletes v from the sorted set s.
func RemoveFromSet(s []string, v string) ([]string, bool) {
	i, found := slices.BinarySearch(s, v)
	if !found {
		return s, false
	}
	return slices.Delete(s, i, i+1), true
}
