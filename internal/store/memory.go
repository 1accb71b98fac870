package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/p-n-ai/pai-learn/internal/domain"
)

type enrollmentKey struct {
	userID   string
	courseID string
}

type memState struct {
	courses     map[string]domain.Course
	modules     map[string]domain.Module
	lessons     map[string]domain.Lesson
	quizzes     map[string]domain.Quiz
	enrollments map[enrollmentKey]domain.Enrollment
	progress    map[domain.ProgressKey]domain.Progress
	attempts    map[string]domain.Attempt
}

func newMemState() *memState {
	return &memState{
		courses:     make(map[string]domain.Course),
		modules:     make(map[string]domain.Module),
		lessons:     make(map[string]domain.Lesson),
		quizzes:     make(map[string]domain.Quiz),
		enrollments: make(map[enrollmentKey]domain.Enrollment),
		progress:    make(map[domain.ProgressKey]domain.Progress),
		attempts:    make(map[string]domain.Attempt),
	}
}

// clone copies the maps. Values are stored as private deep copies and never
// mutated in place, so sharing them between snapshots is safe.
func (s *memState) clone() *memState {
	return &memState{
		courses:     maps.Clone(s.courses),
		modules:     maps.Clone(s.modules),
		lessons:     maps.Clone(s.lessons),
		quizzes:     maps.Clone(s.quizzes),
		enrollments: maps.Clone(s.enrollments),
		progress:    maps.Clone(s.progress),
		attempts:    maps.Clone(s.attempts),
	}
}

// MemoryStore is an in-memory Store for tests and single-node development.
// Transactions are serialised and applied copy-on-write, so a failed unit of
// work leaves no trace.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{st: s.state})
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	s.state = next
	return nil
}

type memTx struct {
	st *memState
}

func (t *memTx) Course(_ context.Context, id string) (domain.Course, error) {
	c, ok := t.st.courses[id]
	if !ok || c.Deleted {
		return domain.Course{}, domain.NotFound("course", id)
	}
	return c, nil
}

func (t *memTx) Module(_ context.Context, id string) (domain.Module, error) {
	m, ok := t.st.modules[id]
	if !ok || m.Deleted {
		return domain.Module{}, domain.NotFound("module", id)
	}
	return m.Clone(), nil
}

func (t *memTx) Modules(ctx context.Context, courseID string) ([]domain.Module, error) {
	all, err := t.ModulesIncludingDeleted(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(m domain.Module) bool { return m.Deleted }), nil
}

func (t *memTx) ModulesIncludingDeleted(_ context.Context, courseID string) ([]domain.Module, error) {
	out := []domain.Module{}
	for _, m := range t.st.modules {
		if m.CourseID == courseID {
			out = append(out, m.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Module) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (t *memTx) Lesson(_ context.Context, id string) (domain.Lesson, error) {
	l, ok := t.st.lessons[id]
	if !ok || l.Deleted {
		return domain.Lesson{}, domain.NotFound("lesson", id)
	}
	return l.Clone(), nil
}

func (t *memTx) Lessons(ctx context.Context, moduleID string) ([]domain.Lesson, error) {
	all, err := t.LessonsIncludingDeleted(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(l domain.Lesson) bool { return l.Deleted }), nil
}

func (t *memTx) LessonsIncludingDeleted(_ context.Context, moduleID string) ([]domain.Lesson, error) {
	out := []domain.Lesson{}
	for _, l := range t.st.lessons {
		if l.ModuleID == moduleID {
			out = append(out, l.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Lesson) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (t *memTx) Quiz(_ context.Context, id string) (domain.Quiz, error) {
	q, ok := t.st.quizzes[id]
	if !ok || q.Deleted {
		return domain.Quiz{}, domain.NotFound("quiz", id)
	}
	return q.Clone(), nil
}

func (t *memTx) Enrollment(_ context.Context, userID, courseID string) (domain.Enrollment, error) {
	e, ok := t.st.enrollments[enrollmentKey{userID, courseID}]
	if !ok {
		return domain.Enrollment{}, domain.NotFound("enrollment", userID+"/"+courseID)
	}
	return e.Clone(), nil
}

func (t *memTx) Progress(_ context.Context, key domain.ProgressKey) (domain.Progress, error) {
	p, ok := t.st.progress[key]
	if !ok {
		return domain.Progress{}, domain.NotFound("progress", key.UserID+"/"+key.ModuleID)
	}
	return p.Clone(), nil
}

func (t *memTx) CourseProgress(_ context.Context, userID, courseID string) ([]domain.Progress, error) {
	out := []domain.Progress{}
	for k, p := range t.st.progress {
		if k.UserID == userID && k.CourseID == courseID {
			out = append(out, p.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Progress) int { return cmp.Compare(a.ModuleID, b.ModuleID) })
	return out, nil
}

func (t *memTx) Attempt(_ context.Context, id string) (domain.Attempt, error) {
	a, ok := t.st.attempts[id]
	if !ok {
		return domain.Attempt{}, domain.NotFound("attempt", id)
	}
	return a.Clone(), nil
}

func (t *memTx) Attempts(_ context.Context, quizID, userID string) ([]domain.Attempt, error) {
	out := []domain.Attempt{}
	for _, a := range t.st.attempts {
		if a.QuizID == quizID && a.UserID == userID {
			out = append(out, a.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Attempt) int { return cmp.Compare(a.Number, b.Number) })
	return out, nil
}

func (t *memTx) QuizAttempts(_ context.Context, quizID string) ([]domain.Attempt, error) {
	out := []domain.Attempt{}
	for _, a := range t.st.attempts {
		if a.QuizID == quizID {
			out = append(out, a.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Attempt) int {
		return cmp.Or(cmp.Compare(a.UserID, b.UserID), cmp.Compare(a.Number, b.Number))
	})
	return out, nil
}

func (t *memTx) PutCourse(_ context.Context, c domain.Course) error {
	t.st.courses[c.ID] = c
	return nil
}

func (t *memTx) PutModule(_ context.Context, m domain.Module) error {
	t.st.modules[m.ID] = m.Clone()
	return nil
}

func (t *memTx) PutLesson(_ context.Context, l domain.Lesson) error {
	t.st.lessons[l.ID] = l.Clone()
	return nil
}

func (t *memTx) PutQuiz(_ context.Context, q domain.Quiz) error {
	t.st.quizzes[q.ID] = q.Clone()
	return nil
}

func (t *memTx) PutEnrollment(_ context.Context, e domain.Enrollment) error {
	t.st.enrollments[enrollmentKey{e.UserID, e.CourseID}] = e.Clone()
	return nil
}

func (t *memTx) DeleteEnrollment(_ context.Context, userID, courseID string) error {
	delete(t.st.enrollments, enrollmentKey{userID, courseID})
	return nil
}

func (t *memTx) PutProgress(_ context.Context, p domain.Progress) error {
	t.st.progress[p.ProgressKey] = p.Clone()
	return nil
}

// LockAttempts is a no-op: the store-wide write lock already serialises
// every transaction.
func (t *memTx) LockAttempts(context.Context, string, string) error {
	return nil
}

func (t *memTx) InsertAttempt(_ context.Context, a domain.Attempt) error {
	if _, exists := t.st.attempts[a.ID]; exists {
		return domain.Conflict("", "attempt %s already exists", a.ID)
	}
	for _, other := range t.st.attempts {
		if other.QuizID != a.QuizID || other.UserID != a.UserID {
			continue
		}
		if other.Number == a.Number {
			return domain.Conflict("", "attempt number %d already issued", a.Number)
		}
		if other.Status == domain.AttemptInProgress && a.Status == domain.AttemptInProgress {
			return domain.Conflict(domain.ReasonOngoingAttempt, "attempt %d is in progress", other.Number)
		}
	}
	t.st.attempts[a.ID] = a.Clone()
	return nil
}

func (t *memTx) UpdateAttempt(_ context.Context, a domain.Attempt) error {
	if _, ok := t.st.attempts[a.ID]; !ok {
		return domain.NotFound("attempt", a.ID)
	}
	t.st.attempts[a.ID] = a.Clone()
	return nil
}

func (t *memTx) DeleteAttempts(_ context.Context, quizID, userID string) (int, error) {
	n := 0
	for id, a := range t.st.attempts {
		if a.QuizID == quizID && a.UserID == userID {
			delete(t.st.attempts, id)
			n++
		}
	}
	return n, nil
}
