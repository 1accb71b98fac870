package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/pai-learn/internal/domain"
)

//go:embed course.schema.json
var courseSchema string

// Loader reads course documents from a directory tree and keeps the ones
// that pass schema validation.
type Loader struct {
	rootDir string
	schema  *gojsonschema.Schema
	courses map[string]CourseDoc
	paths   map[string]string
	mu      sync.RWMutex
}

// NewLoader creates a loader and loads every course document under rootDir.
func NewLoader(rootDir string) (*Loader, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(courseSchema))
	if err != nil {
		return nil, fmt.Errorf("compiling course schema: %w", err)
	}
	l := &Loader{
		rootDir: rootDir,
		schema:  schema,
		courses: make(map[string]CourseDoc),
		paths:   make(map[string]string),
	}

	if err := l.loadAll(); err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	slog.Info("catalog loaded", "courses", len(l.courses), "root", rootDir)
	return l, nil
}

// Course returns a loaded course document by ID.
func (l *Loader) Course(id string) (CourseDoc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.courses[id]
	return c, ok
}

// Courses returns every loaded course document ordered by ID.
func (l *Loader) Courses() []CourseDoc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	courses := make([]CourseDoc, 0, len(l.courses))
	for _, c := range l.courses {
		courses = append(courses, c)
	}
	slices.SortFunc(courses, func(a, b CourseDoc) int { return strings.Compare(a.ID, b.ID) })
	return courses
}

func (l *Loader) loadAll() error {
	return filepath.Walk(l.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			return l.loadCourse(path)
		}
		return nil
	})
}

func (l *Loader) loadCourse(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		slog.Warn("skipping invalid course YAML", "path", path, "error", err)
		return nil
	}
	if _, ok := raw["modules"]; !ok {
		return nil // Not a course file
	}

	result, err := l.schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		slog.Warn("skipping unreadable course document", "path", path, "error", err)
		return nil
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		slog.Warn("skipping course document that fails the schema", "path", path, "errors", problems)
		return nil
	}

	var doc CourseDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		slog.Warn("skipping invalid course YAML", "path", path, "error", err)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, dup := l.paths[doc.ID]; dup {
		return fmt.Errorf("course %s defined in both %s and %s", doc.ID, prev, path)
	}
	l.courses[doc.ID] = doc
	l.paths[doc.ID] = path
	return nil
}

// ImportResult reports which loaded courses were written.
type ImportResult struct {
	Imported []string
	Failed   map[string]error
}

// Import writes every loaded course through svc as actor. Quizzes without
// a time limit get defaultQuizMinutes. A course that the catalog rejects is
// reported in Failed and the rest still import; a rejected course may be
// partly written.
func (l *Loader) Import(ctx context.Context, svc *Service, actor domain.Actor, defaultQuizMinutes int) ImportResult {
	res := ImportResult{Failed: make(map[string]error)}
	for _, doc := range l.Courses() {
		if err := importCourse(ctx, svc, actor, doc, defaultQuizMinutes); err != nil {
			slog.Warn("course import failed", "course_id", doc.ID, "error", err)
			res.Failed[doc.ID] = err
			continue
		}
		res.Imported = append(res.Imported, doc.ID)
	}
	slog.Info("catalog imported", "imported", len(res.Imported), "failed", len(res.Failed))
	return res
}

// importCourse saves modules before their prerequisite edges so documents
// may list modules in any order.
func importCourse(ctx context.Context, svc *Service, actor domain.Actor, doc CourseDoc, defaultQuizMinutes int) error {
	if _, err := svc.SaveCourse(ctx, actor, doc.course()); err != nil {
		return fmt.Errorf("saving course: %w", err)
	}

	for _, md := range doc.Modules {
		m := domain.Module{ID: md.ID, CourseID: doc.ID, Title: md.Title, Order: md.Order}
		if _, err := svc.SaveModule(ctx, actor, m); err != nil {
			return fmt.Errorf("saving module %s: %w", md.ID, err)
		}
	}
	for _, md := range doc.Modules {
		if _, err := svc.SetDependencies(ctx, actor, md.ID, md.dependencies()); err != nil {
			return fmt.Errorf("setting prerequisites of module %s: %w", md.ID, err)
		}
	}

	for _, md := range doc.Modules {
		for _, ld := range md.Lessons {
			if _, err := svc.SaveLesson(ctx, actor, ld.lesson(md.ID)); err != nil {
				return fmt.Errorf("saving lesson %s: %w", ld.ID, err)
			}
			if ld.Quiz == nil {
				continue
			}
			if _, err := svc.SaveQuiz(ctx, actor, ld.Quiz.quiz(ld.ID, defaultQuizMinutes)); err != nil {
				return fmt.Errorf("saving quiz %s: %w", ld.Quiz.ID, err)
			}
		}
	}
	return nil
}
