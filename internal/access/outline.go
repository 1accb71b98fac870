package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/store"
)

// CourseOutline is the course tree as one caller may see it.
type CourseOutline struct {
	ID             string                `json:"id"`
	Title          string                `json:"title"`
	EnrollmentType domain.EnrollmentType `json:"enrollment_type,omitempty"`
	Modules        []ModuleOutline       `json:"modules"`
}

// ModuleOutline is one module of a CourseOutline. Lessons of a module the
// caller cannot open carry titles only.
type ModuleOutline struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Order         int             `json:"order"`
	IsAccessible  bool            `json:"is_accessible"`
	Prerequisites []string        `json:"prerequisites,omitempty"`
	Access        Decision        `json:"access"`
	Progress      float64         `json:"progress"`
	Lessons       []LessonOutline `json:"lessons"`
}

// LessonOutline is one lesson of a ModuleOutline.
type LessonOutline struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	Order      int          `json:"order"`
	Completed  bool         `json:"completed"`
	ContentURL string       `json:"content_url,omitempty"`
	Quiz       *QuizOutline `json:"quiz,omitempty"`
}

// QuizOutline describes a lesson's quiz. Questions, with their answers, are
// included for staff and the course creator only.
type QuizOutline struct {
	ID               string               `json:"id"`
	TimeMinutes      int                  `json:"quiz_time_minutes"`
	PassingScore     float64              `json:"passing_score"`
	MaxAttempts      int                  `json:"max_attempts"`
	QuestionCount    int                  `json:"question_count"`
	QuestionPoolSize int                  `json:"question_pool_size"`
	ShowQuiz         domain.QuizPlacement `json:"show_quiz,omitempty"`
	Passed           bool                 `json:"passed"`
	Questions        []domain.Question    `json:"questions,omitempty"`
	Settings         *domain.QuizSettings `json:"settings,omitempty"`
}

// Outline assembles the course tree for actor. Module access is resolved per
// module and drives how much of each lesson is revealed.
func (r *Resolver) Outline(ctx context.Context, actor domain.Actor, courseID string) (CourseOutline, error) {
	var out CourseOutline
	err := r.store.View(ctx, func(rd store.Reader) error {
		var err error
		out, err = r.outline(ctx, rd, actor, courseID)
		return err
	})
	return out, err
}

func (r *Resolver) outline(ctx context.Context, rd store.Reader, actor domain.Actor, courseID string) (CourseOutline, error) {
	course, err := rd.Course(ctx, courseID)
	if err != nil {
		return CourseOutline{}, err
	}
	full := privileged(actor, course)

	out := CourseOutline{ID: course.ID, Title: course.Title}
	if e, err := rd.Enrollment(ctx, actor.UserID, courseID); err == nil {
		out.EnrollmentType = e.Type
	} else if !errors.Is(err, domain.ErrNotFound) {
		return CourseOutline{}, fmt.Errorf("loading enrollment: %w", err)
	}

	modules, err := rd.Modules(ctx, courseID)
	if err != nil {
		return CourseOutline{}, err
	}
	out.Modules = make([]ModuleOutline, 0, len(modules))
	for _, m := range modules {
		mo, err := r.moduleOutline(ctx, rd, actor, m, full)
		if err != nil {
			return CourseOutline{}, err
		}
		out.Modules = append(out.Modules, mo)
	}
	return out, nil
}

func (r *Resolver) moduleOutline(ctx context.Context, rd store.Reader, actor domain.Actor, m domain.Module, full bool) (ModuleOutline, error) {
	decision, err := r.CheckModule(ctx, rd, actor, m.CourseID, m.ID)
	if err != nil {
		return ModuleOutline{}, err
	}
	p, err := progress.ModuleProgress(ctx, rd, domain.ProgressKey{
		UserID:   actor.UserID,
		CourseID: m.CourseID,
		ModuleID: m.ID,
	})
	if err != nil {
		return ModuleOutline{}, err
	}

	lessons, err := rd.Lessons(ctx, m.ID)
	if err != nil {
		return ModuleOutline{}, err
	}

	mo := ModuleOutline{
		ID:            m.ID,
		Title:         m.Title,
		Order:         m.Order,
		IsAccessible:  m.IsAccessible,
		Prerequisites: m.Prerequisites,
		Access:        decision,
		Progress:      p.Percent,
		Lessons:       make([]LessonOutline, 0, len(lessons)),
	}
	for _, l := range lessons {
		lo := LessonOutline{
			ID:        l.ID,
			Title:     l.Title,
			Order:     l.Order,
			Completed: p.HasLesson(l.ID),
		}
		if decision.Allowed {
			lo.ContentURL = l.ContentURL
			if l.QuizID != "" {
				qo, err := quizOutline(ctx, rd, l, p, full)
				if err != nil {
					return ModuleOutline{}, err
				}
				lo.Quiz = qo
			}
		}
		mo.Lessons = append(mo.Lessons, lo)
	}
	return mo, nil
}

func quizOutline(ctx context.Context, rd store.Reader, l domain.Lesson, p domain.Progress, full bool) (*QuizOutline, error) {
	q, err := rd.Quiz(ctx, l.QuizID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	qo := &QuizOutline{
		ID:               q.ID,
		TimeMinutes:      q.QuizTimeMinutes,
		PassingScore:     q.PassingScore,
		MaxAttempts:      q.MaxAttempts,
		QuestionCount:    len(q.Questions),
		QuestionPoolSize: q.QuestionPoolSize,
		ShowQuiz:         l.QuizSettings.ShowQuiz,
		Passed:           p.HasQuiz(q.ID),
	}
	if full {
		qo.Questions = q.Questions
		settings := l.QuizSettings
		qo.Settings = &settings
	}
	return qo, nil
}
