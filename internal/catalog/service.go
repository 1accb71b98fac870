// Package catalog administers course content: courses, modules and their
// prerequisite graph, lessons and quizzes. Every write validates the graph
// and the content shape inside the same transaction that stores it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/graph"
	"github.com/p-n-ai/pai-learn/internal/store"
)

// MediaStore removes the media files that belong to a module. It lives
// outside the engine.
type MediaStore interface {
	DeleteModuleMedia(ctx context.Context, courseID, moduleID string) error
}

// ServiceConfig holds dependencies for the catalog service.
type ServiceConfig struct {
	Store store.Store
	Media MediaStore    // optional
	NewID func() string // default: random UUID
	// CleanupTimeout bounds media cleanup after a module delete.
	CleanupTimeout time.Duration // default: 30s
}

// Service writes catalog content.
type Service struct {
	store          store.Store
	media          MediaStore
	newID          func() string
	cleanupTimeout time.Duration
}

// NewService creates a catalog service.
func NewService(cfg ServiceConfig) *Service {
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	timeout := cfg.CleanupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		store:          cfg.Store,
		media:          cfg.Media,
		newID:          newID,
		cleanupTimeout: timeout,
	}
}

// SaveCourse creates a course, or updates the title and prices of an
// existing one. A new course belongs to the actor unless CreatorID is set
// by staff. The enrollment count is never taken from the caller.
func (s *Service) SaveCourse(ctx context.Context, actor domain.Actor, c domain.Course) (domain.Course, error) {
	if c.Title == "" {
		return domain.Course{}, domain.Validationf("course title is required")
	}
	if c.Price < 0 || c.ModulePrice < 0 {
		return domain.Course{}, domain.Validationf("course prices must not be negative")
	}

	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		existing, err := tx.Course(ctx, c.ID)
		switch {
		case c.ID != "" && err == nil:
			if err := authorize(actor, existing); err != nil {
				return err
			}
			c.CreatorID = existing.CreatorID
			c.EnrollmentCount = existing.EnrollmentCount
		case c.ID == "" || errors.Is(err, domain.ErrNotFound):
			if !actor.IsStaff() && actor.Role != domain.RoleInstructor {
				return domain.Denied(domain.ReasonStaffOnly)
			}
			if c.ID == "" {
				c.ID = s.newID()
			}
			if c.CreatorID == "" || !actor.IsStaff() {
				c.CreatorID = actor.UserID
			}
			c.EnrollmentCount = 0
		default:
			return err
		}
		c.Deleted = false
		return tx.PutCourse(ctx, c)
	})
	if err != nil {
		return domain.Course{}, err
	}
	slog.Info("course saved", "course_id", c.ID, "by", actor.UserID)
	return c, nil
}

// SaveModule creates or updates a module. Prerequisites must be active
// modules of the same course and must not close a cycle; dependency entries
// must refer to declared prerequisites. Orders are unique among the active
// modules of a course.
func (s *Service) SaveModule(ctx context.Context, actor domain.Actor, m domain.Module) (domain.Module, error) {
	if m.CourseID == "" {
		return domain.Module{}, domain.Validationf("module course is required")
	}
	if m.Order < 1 {
		return domain.Module{}, domain.Validationf("module order must be at least 1, got %d", m.Order)
	}
	m.Prerequisites = dedupe(m.Prerequisites)
	if err := validateDependencies(m); err != nil {
		return domain.Module{}, err
	}

	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		course, err := tx.Course(ctx, m.CourseID)
		if err != nil {
			return err
		}
		if err := authorize(actor, course); err != nil {
			return err
		}
		if m.ID == "" {
			m.ID = s.newID()
		} else if existing, err := tx.Module(ctx, m.ID); err == nil && existing.CourseID != m.CourseID {
			return domain.Validationf("module %s belongs to course %s", m.ID, existing.CourseID)
		}

		modules, err := tx.Modules(ctx, m.CourseID)
		if err != nil {
			return err
		}
		for _, other := range modules {
			if other.ID != m.ID && other.Order == m.Order {
				return domain.Validationf("order %d is already used by module %s", m.Order, other.ID)
			}
		}
		if err := checkPrerequisites(modules, m); err != nil {
			return err
		}
		m.Deleted = false
		return tx.PutModule(ctx, m)
	})
	if err != nil {
		return domain.Module{}, err
	}
	slog.Info("module saved", "course_id", m.CourseID, "module_id", m.ID, "prerequisites", len(m.Prerequisites))
	return m, nil
}

// SetDependencies replaces a module's prerequisites with the modules named in
// deps. The cycle check runs before anything is written.
func (s *Service) SetDependencies(ctx context.Context, actor domain.Actor, moduleID string, deps []domain.Dependency) (domain.Module, error) {
	var m domain.Module
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		if m, err = tx.Module(ctx, moduleID); err != nil {
			return err
		}
		course, err := tx.Course(ctx, m.CourseID)
		if err != nil {
			return err
		}
		if err := authorize(actor, course); err != nil {
			return err
		}

		m.Dependencies = slices.Clone(deps)
		m.Prerequisites = make([]string, 0, len(deps))
		for _, d := range deps {
			m.Prerequisites = append(m.Prerequisites, d.ModuleID)
		}
		m.Prerequisites = dedupe(m.Prerequisites)
		if len(m.Prerequisites) != len(deps) {
			return domain.Validationf("duplicate dependency in module %s", moduleID)
		}

		modules, err := tx.Modules(ctx, m.CourseID)
		if err != nil {
			return err
		}
		if err := graph.New(modules).Validate(m.ID, m.Prerequisites); err != nil {
			return err
		}
		if err := validateDependencies(m); err != nil {
			return err
		}
		if err := checkPrerequisites(modules, m); err != nil {
			return err
		}
		return tx.PutModule(ctx, m)
	})
	if err != nil {
		return domain.Module{}, err
	}
	slog.Info("module dependencies set", "module_id", moduleID, "dependencies", len(deps))
	return m, nil
}

// DeleteModule soft-deletes a module. Modules that listed it as a
// prerequisite stop being gated by it. Media cleanup runs after the commit
// and its failures are only logged.
func (s *Service) DeleteModule(ctx context.Context, actor domain.Actor, moduleID string) error {
	var courseID string
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		m, err := tx.Module(ctx, moduleID)
		if err != nil {
			return err
		}
		course, err := tx.Course(ctx, m.CourseID)
		if err != nil {
			return err
		}
		if err := authorize(actor, course); err != nil {
			return err
		}
		courseID = m.CourseID
		m.Deleted = true
		return tx.PutModule(ctx, m)
	})
	if err != nil {
		return err
	}
	slog.Info("module deleted", "course_id", courseID, "module_id", moduleID, "by", actor.UserID)

	if s.media != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
		defer cancel()
		if err := s.media.DeleteModuleMedia(cleanupCtx, courseID, moduleID); err != nil {
			slog.Warn("failed to delete module media", "course_id", courseID, "module_id", moduleID, "error", err)
		}
	}
	return nil
}

// SaveLesson creates or updates a lesson. The lesson's quiz link is kept
// from the stored lesson; SaveQuiz sets it.
func (s *Service) SaveLesson(ctx context.Context, actor domain.Actor, l domain.Lesson) (domain.Lesson, error) {
	if l.ModuleID == "" {
		return domain.Lesson{}, domain.Validationf("lesson module is required")
	}
	if l.Order < 1 {
		return domain.Lesson{}, domain.Validationf("lesson order must be at least 1, got %d", l.Order)
	}
	if err := validateQuizSettings(l.QuizSettings); err != nil {
		return domain.Lesson{}, err
	}
	if l.CompletionRequirements.MinimumTimeMinutes < 0 {
		return domain.Lesson{}, domain.Validationf("minimum time must not be negative")
	}

	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		if err := s.authorizeModule(ctx, tx, actor, l.ModuleID); err != nil {
			return err
		}
		l.QuizID = ""
		if l.ID == "" {
			l.ID = s.newID()
		} else if existing, err := tx.Lesson(ctx, l.ID); err == nil {
			if existing.ModuleID != l.ModuleID {
				return domain.Validationf("lesson %s belongs to module %s", l.ID, existing.ModuleID)
			}
			l.QuizID = existing.QuizID
		}

		lessons, err := tx.Lessons(ctx, l.ModuleID)
		if err != nil {
			return err
		}
		for _, other := range lessons {
			if other.ID != l.ID && other.Order == l.Order {
				return domain.Validationf("order %d is already used by lesson %s", l.Order, other.ID)
			}
		}
		l.Deleted = false
		return tx.PutLesson(ctx, l)
	})
	if err != nil {
		return domain.Lesson{}, err
	}
	slog.Info("lesson saved", "module_id", l.ModuleID, "lesson_id", l.ID)
	return l, nil
}

// DeleteLesson soft-deletes a lesson. It drops out of every progress
// percentage from the next read on.
func (s *Service) DeleteLesson(ctx context.Context, actor domain.Actor, lessonID string) error {
	return s.store.RunInTx(ctx, func(tx store.Tx) error {
		l, err := tx.Lesson(ctx, lessonID)
		if err != nil {
			return err
		}
		if err := s.authorizeModule(ctx, tx, actor, l.ModuleID); err != nil {
			return err
		}
		l.Deleted = true
		return tx.PutLesson(ctx, l)
	})
}

// SaveQuiz validates and stores the quiz of a lesson and links the lesson to
// it. TotalMarks is recomputed from the questions.
func (s *Service) SaveQuiz(ctx context.Context, actor domain.Actor, q domain.Quiz) (domain.Quiz, error) {
	if q.LessonID == "" {
		return domain.Quiz{}, domain.Validationf("quiz lesson is required")
	}
	if err := ValidateQuiz(q); err != nil {
		return domain.Quiz{}, err
	}
	q.RecomputeTotalMarks()

	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		lesson, err := tx.Lesson(ctx, q.LessonID)
		if err != nil {
			return err
		}
		if err := s.authorizeModule(ctx, tx, actor, lesson.ModuleID); err != nil {
			return err
		}
		if q.ID == "" {
			q.ID = lesson.QuizID
		}
		if q.ID == "" {
			q.ID = s.newID()
		}
		if lesson.QuizID != "" && lesson.QuizID != q.ID {
			return domain.Validationf("lesson %s already has quiz %s", lesson.ID, lesson.QuizID)
		}
		q.Deleted = false
		if err := tx.PutQuiz(ctx, q); err != nil {
			return err
		}
		lesson.QuizID = q.ID
		return tx.PutLesson(ctx, lesson)
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	slog.Info("quiz saved", "lesson_id", q.LessonID, "quiz_id", q.ID, "questions", len(q.Questions))
	return q, nil
}

// ValidateQuiz checks a quiz's settings and question shapes.
func ValidateQuiz(q domain.Quiz) error {
	switch {
	case len(q.Questions) == 0:
		return domain.Validationf("quiz has no questions")
	case q.MaxAttempts < 1:
		return domain.Validationf("max attempts must be at least 1, got %d", q.MaxAttempts)
	case q.PassingScore < 0 || q.PassingScore > 100:
		return domain.Validationf("passing score %v is outside 0..100", q.PassingScore)
	case q.QuizTimeMinutes < 0:
		return domain.Validationf("quiz time must not be negative")
	case q.QuestionPoolSize < 0 || q.QuestionPoolSize > len(q.Questions):
		return domain.Validationf("question pool size %d is outside 0..%d", q.QuestionPoolSize, len(q.Questions))
	}

	ids := make(map[string]bool, len(q.Questions))
	for i, question := range q.Questions {
		if question.ID == "" {
			return domain.Validationf("question %d has no id", i+1)
		}
		if ids[question.ID] {
			return domain.Validationf("duplicate question id %s", question.ID)
		}
		ids[question.ID] = true
		if err := validateQuestion(question); err != nil {
			return err
		}
	}
	return nil
}

func validateQuestion(q domain.Question) error {
	if q.Marks < 1 {
		return domain.Validationf("question %s must be worth at least 1 mark", q.ID)
	}
	switch q.Type {
	case domain.QuestionText:
		if len(q.Options) > 0 {
			return domain.Validationf("text question %s must not have options", q.ID)
		}
		return nil
	case domain.QuestionMCQ:
	default:
		return domain.Validationf("question %s has unknown type %q", q.ID, q.Type)
	}

	if len(q.Options) < 2 {
		return domain.Validationf("question %s needs at least 2 options", q.ID)
	}
	correct := 0
	seen := make(map[string]bool, len(q.Options))
	for _, o := range q.Options {
		if o.ID == "" || seen[o.ID] {
			return domain.Validationf("question %s has a missing or duplicate option id", q.ID)
		}
		seen[o.ID] = true
		if o.IsCorrect {
			correct++
		}
	}
	if correct != 1 {
		return domain.Validationf("question %s must have exactly one correct option, has %d", q.ID, correct)
	}
	return nil
}

func validateQuizSettings(s domain.QuizSettings) error {
	if s.MinimumPassingScore < 0 || s.MinimumPassingScore > 100 {
		return domain.Validationf("minimum passing score %v is outside 0..100", s.MinimumPassingScore)
	}
	if s.MinimumTimeMinutes < 0 {
		return domain.Validationf("minimum quiz time must not be negative")
	}
	switch s.ShowQuiz {
	case "", domain.QuizBefore, domain.QuizAfter, domain.QuizAny:
		return nil
	default:
		return domain.Validationf("unknown quiz placement %q", s.ShowQuiz)
	}
}

func validateDependencies(m domain.Module) error {
	for _, d := range m.Dependencies {
		if d.RequiredCompletionPercent < 0 || d.RequiredCompletionPercent > 100 {
			return domain.Validationf("required completion %v for %s is outside 0..100", d.RequiredCompletionPercent, d.ModuleID)
		}
		if !slices.Contains(m.Prerequisites, d.ModuleID) {
			return domain.Validationf("dependency %s is not a prerequisite of module %s", d.ModuleID, m.ID)
		}
	}
	return nil
}

// checkPrerequisites runs the cycle check, then requires every prerequisite
// to be an active module of the course. Self-references are reported by the
// cycle check.
func checkPrerequisites(modules []domain.Module, m domain.Module) error {
	if err := graph.New(modules).Validate(m.ID, m.Prerequisites); err != nil {
		return err
	}
	active := make(map[string]bool, len(modules))
	for _, other := range modules {
		active[other.ID] = true
	}
	for _, p := range m.Prerequisites {
		if !active[p] {
			return domain.Validationf("prerequisite %s is not a module of course %s", p, m.CourseID)
		}
	}
	return nil
}

func (s *Service) authorizeModule(ctx context.Context, rd store.Reader, actor domain.Actor, moduleID string) error {
	m, err := rd.Module(ctx, moduleID)
	if err != nil {
		return err
	}
	course, err := rd.Course(ctx, m.CourseID)
	if err != nil {
		return fmt.Errorf("loading course of module %s: %w", moduleID, err)
	}
	return authorize(actor, course)
}

// authorize lets staff and the course creator change a course.
func authorize(actor domain.Actor, course domain.Course) error {
	if actor.IsStaff() || (actor.UserID != "" && actor.UserID == course.CreatorID) {
		return nil
	}
	return domain.Denied(domain.ReasonNotCourseOwner)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
