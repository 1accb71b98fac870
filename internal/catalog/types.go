package catalog

import "github.com/p-n-ai/pai-learn/internal/domain"

// CourseDoc is a course as authored in a YAML catalog file.
type CourseDoc struct {
	ID          string      `yaml:"id"`
	Title       string      `yaml:"title"`
	CreatorID   string      `yaml:"creator_id"`
	Price       float64     `yaml:"price"`
	ModulePrice float64     `yaml:"module_price"`
	Modules     []ModuleDoc `yaml:"modules"`
}

// ModuleDoc is a module within a course document.
type ModuleDoc struct {
	ID            string          `yaml:"id"`
	Title         string          `yaml:"title"`
	Order         int             `yaml:"order"`
	Prerequisites []string        `yaml:"prerequisites"`
	Dependencies  []DependencyDoc `yaml:"dependencies"`
	Lessons       []LessonDoc     `yaml:"lessons"`
}

// DependencyDoc overrides the completion required of one prerequisite.
type DependencyDoc struct {
	ModuleID                  string  `yaml:"module_id"`
	RequiredCompletionPercent float64 `yaml:"required_completion_percent"`
}

// LessonDoc is a lesson within a module document.
type LessonDoc struct {
	ID                     string                    `yaml:"id"`
	Title                  string                    `yaml:"title"`
	Order                  int                       `yaml:"order"`
	ContentURL             string                    `yaml:"content_url"`
	QuizSettings           QuizSettingsDoc           `yaml:"quiz_settings"`
	CompletionRequirements CompletionRequirementsDoc `yaml:"completion_requirements"`
	Quiz                   *QuizDoc                  `yaml:"quiz"`
}

// QuizSettingsDoc mirrors domain.QuizSettings.
type QuizSettingsDoc struct {
	Required            bool    `yaml:"required"`
	MinimumPassingScore float64 `yaml:"minimum_passing_score"`
	BlockProgress       bool    `yaml:"block_progress"`
	RequireQuizPass     bool    `yaml:"require_quiz_pass"`
	RequirePreviousPass bool    `yaml:"require_previous_pass"`
	MinimumTimeMinutes  int     `yaml:"minimum_time_minutes"`
	ShowQuiz            string  `yaml:"show_quiz"`
	AllowReview         bool    `yaml:"allow_review"`
}

// CompletionRequirementsDoc mirrors domain.CompletionRequirements.
type CompletionRequirementsDoc struct {
	WatchVideo         bool       `yaml:"watch_video"`
	MinimumTimeMinutes int        `yaml:"minimum_time_minutes"`
	Assets             []AssetDoc `yaml:"assets"`
}

// AssetDoc marks one lesson asset.
type AssetDoc struct {
	AssetID  string `yaml:"asset_id"`
	Required bool   `yaml:"required"`
}

// QuizDoc is a lesson's quiz. QuizTimeMinutes is nil when the author left
// the time limit to the import default.
type QuizDoc struct {
	ID               string        `yaml:"id"`
	QuizTimeMinutes  *int          `yaml:"quiz_time_minutes"`
	PassingScore     float64       `yaml:"passing_score"`
	MaxAttempts      int           `yaml:"max_attempts"`
	QuestionPoolSize int           `yaml:"question_pool_size"`
	Questions        []QuestionDoc `yaml:"questions"`
}

// QuestionDoc is one quiz question.
type QuestionDoc struct {
	ID      string      `yaml:"id"`
	Text    string      `yaml:"text"`
	Type    string      `yaml:"type"`
	Marks   int         `yaml:"marks"`
	Options []OptionDoc `yaml:"options"`
}

// OptionDoc is one multiple-choice option.
type OptionDoc struct {
	ID        string `yaml:"id"`
	Text      string `yaml:"text"`
	IsCorrect bool   `yaml:"is_correct"`
}

func (d CourseDoc) course() domain.Course {
	return domain.Course{
		ID:          d.ID,
		Title:       d.Title,
		CreatorID:   d.CreatorID,
		Price:       d.Price,
		ModulePrice: d.ModulePrice,
	}
}

// dependencies merges the prerequisite list with the explicit percentages.
// Prerequisites without an entry need full completion.
func (d ModuleDoc) dependencies() []domain.Dependency {
	required := make(map[string]float64, len(d.Dependencies))
	ids := append([]string(nil), d.Prerequisites...)
	for _, dep := range d.Dependencies {
		required[dep.ModuleID] = dep.RequiredCompletionPercent
		ids = append(ids, dep.ModuleID)
	}

	var deps []domain.Dependency
	for _, id := range dedupe(ids) {
		pct, ok := required[id]
		if !ok {
			pct = domain.DefaultRequiredCompletion
		}
		deps = append(deps, domain.Dependency{ModuleID: id, RequiredCompletionPercent: pct})
	}
	return deps
}

func (d LessonDoc) lesson(moduleID string) domain.Lesson {
	l := domain.Lesson{
		ID:         d.ID,
		ModuleID:   moduleID,
		Title:      d.Title,
		Order:      d.Order,
		ContentURL: d.ContentURL,
		QuizSettings: domain.QuizSettings{
			Required:            d.QuizSettings.Required,
			MinimumPassingScore: d.QuizSettings.MinimumPassingScore,
			BlockProgress:       d.QuizSettings.BlockProgress,
			RequireQuizPass:     d.QuizSettings.RequireQuizPass,
			RequirePreviousPass: d.QuizSettings.RequirePreviousPass,
			MinimumTimeMinutes:  d.QuizSettings.MinimumTimeMinutes,
			ShowQuiz:            domain.QuizPlacement(d.QuizSettings.ShowQuiz),
			AllowReview:         d.QuizSettings.AllowReview,
		},
		CompletionRequirements: domain.CompletionRequirements{
			WatchVideo:         d.CompletionRequirements.WatchVideo,
			MinimumTimeMinutes: d.CompletionRequirements.MinimumTimeMinutes,
		},
	}
	for _, a := range d.CompletionRequirements.Assets {
		l.CompletionRequirements.Assets = append(l.CompletionRequirements.Assets,
			domain.AssetRequirement{AssetID: a.AssetID, Required: a.Required})
	}
	return l
}

func (d QuizDoc) quiz(lessonID string, defaultMinutes int) domain.Quiz {
	q := domain.Quiz{
		ID:               d.ID,
		LessonID:         lessonID,
		QuizTimeMinutes:  defaultMinutes,
		PassingScore:     d.PassingScore,
		MaxAttempts:      d.MaxAttempts,
		QuestionPoolSize: d.QuestionPoolSize,
	}
	if d.QuizTimeMinutes != nil {
		q.QuizTimeMinutes = *d.QuizTimeMinutes
	}
	for _, qd := range d.Questions {
		question := domain.Question{
			ID:    qd.ID,
			Text:  qd.Text,
			Type:  domain.QuestionType(qd.Type),
			Marks: qd.Marks,
		}
		for _, o := range qd.Options {
			question.Options = append(question.Options, domain.Option{ID: o.ID, Text: o.Text, IsCorrect: o.IsCorrect})
		}
		q.Questions = append(q.Questions, question)
	}
	return q
}
