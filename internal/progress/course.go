package progress

import (
	"context"

	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/store"
)

// ModuleSummary is one module's line in a course roll-up.
type ModuleSummary struct {
	ModuleID         string  `json:"module_id"`
	Title            string  `json:"title"`
	CompletedLessons int     `json:"completed_lessons"`
	TotalLessons     int     `json:"total_lessons"`
	PassedQuizzes    int     `json:"passed_quizzes"`
	Percent          float64 `json:"progress"`
}

// CourseSummary rolls up a user's progress over the active modules of a
// course. Percent weighs every active lesson of the course equally.
type CourseSummary struct {
	UserID   string          `json:"user_id"`
	CourseID string          `json:"course_id"`
	Modules  []ModuleSummary `json:"modules"`
	Percent  float64         `json:"progress"`
}

// CourseProgress builds the roll-up for userID in courseID.
func (a *Aggregator) CourseProgress(ctx context.Context, userID, courseID string) (CourseSummary, error) {
	var summary CourseSummary
	err := a.store.View(ctx, func(rd store.Reader) error {
		var err error
		summary, err = courseProgress(ctx, rd, userID, courseID)
		return err
	})
	return summary, err
}

func courseProgress(ctx context.Context, rd store.Reader, userID, courseID string) (CourseSummary, error) {
	if _, err := rd.Course(ctx, courseID); err != nil {
		return CourseSummary{}, err
	}
	modules, err := rd.Modules(ctx, courseID)
	if err != nil {
		return CourseSummary{}, err
	}
	records, err := rd.CourseProgress(ctx, userID, courseID)
	if err != nil {
		return CourseSummary{}, err
	}
	byModule := make(map[string]domain.Progress, len(records))
	for _, p := range records {
		byModule[p.ModuleID] = p
	}

	summary := CourseSummary{
		UserID:   userID,
		CourseID: courseID,
		Modules:  make([]ModuleSummary, 0, len(modules)),
	}
	var done, total int
	for _, m := range modules {
		lessons, err := rd.Lessons(ctx, m.ID)
		if err != nil {
			return CourseSummary{}, err
		}
		p := byModule[m.ID]
		completed := 0
		for _, l := range lessons {
			if p.HasLesson(l.ID) {
				completed++
			}
		}
		summary.Modules = append(summary.Modules, ModuleSummary{
			ModuleID:         m.ID,
			Title:            m.Title,
			CompletedLessons: completed,
			TotalLessons:     len(lessons),
			PassedQuizzes:    len(p.CompletedQuizzes),
			Percent:          Percent(p.CompletedLessons, lessons),
		})
		done += completed
		total += len(lessons)
	}
	if total > 0 {
		summary.Percent = float64(done) / float64(total) * 100
	}
	return summary, nil
}
