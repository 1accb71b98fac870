// Package enrollment owns the lifecycle of enrollment records: creation on a
// confirmed purchase, upgrade to full access, and revocation on refund.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/p-n-ai/pai-learn/internal/domain"
	"github.com/p-n-ai/pai-learn/internal/events"
	"github.com/p-n-ai/pai-learn/internal/store"
)

// Scope is what a grant covers: the whole course or a set of modules.
type Scope struct {
	full    bool
	modules []string
}

// Full grants access to every module of the course.
func Full() Scope {
	return Scope{full: true}
}

// Modules grants access to the listed modules only.
func Modules(ids ...string) Scope {
	return Scope{modules: ids}
}

// IsFull reports whether the scope covers the whole course.
func (s Scope) IsFull() bool { return s.full }

// ModuleIDs returns the modules of a module scope.
func (s Scope) ModuleIDs() []string { return slices.Clone(s.modules) }

// Manager grants and revokes enrollments.
type Manager struct {
	store  store.Store
	events events.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for enrollment timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager over st. A nil logger discards events.
func NewManager(st store.Store, logger events.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = events.NopLogger{}
	}
	m := &Manager{store: st, events: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the user's enrollment in a course.
func (m *Manager) Get(ctx context.Context, userID, courseID string) (domain.Enrollment, error) {
	var e domain.Enrollment
	err := m.store.View(ctx, func(rd store.Reader) error {
		var err error
		e, err = rd.Enrollment(ctx, userID, courseID)
		return err
	})
	return e, err
}

// Grant gives userID access to courseID. Granting something already held is
// a no-op; granting Full over module grants upgrades the enrollment and
// clears them. A module grant on a full enrollment changes nothing.
func (m *Manager) Grant(ctx context.Context, userID, courseID string, scope Scope) (domain.Enrollment, error) {
	if userID == "" || courseID == "" {
		return domain.Enrollment{}, domain.Validationf("user and course are required")
	}
	if !scope.full && len(scope.modules) == 0 {
		return domain.Enrollment{}, domain.Validationf("module scope requires at least one module")
	}

	var (
		result  domain.Enrollment
		changed bool
	)
	err := m.store.RunInTx(ctx, func(tx store.Tx) error {
		course, err := tx.Course(ctx, courseID)
		if err != nil {
			return err
		}
		if err := checkModules(ctx, tx, courseID, scope.modules); err != nil {
			return err
		}

		now := m.now()
		existing, err := tx.Enrollment(ctx, userID, courseID)
		created := errors.Is(err, domain.ErrNotFound)
		switch {
		case created:
			result = domain.Enrollment{UserID: userID, CourseID: courseID, EnrolledAt: now}
			course.EnrollmentCount++
			if err := tx.PutCourse(ctx, course); err != nil {
				return fmt.Errorf("updating enrollment count: %w", err)
			}
		case err != nil:
			return err
		default:
			result = existing
		}

		changed = apply(&result, scope, now, created)
		if !changed {
			return nil
		}
		if err := tx.PutEnrollment(ctx, result); err != nil {
			return fmt.Errorf("saving enrollment: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Enrollment{}, err
	}

	if changed {
		slog.Info("enrollment granted",
			"user_id", userID,
			"course_id", courseID,
			"type", result.Type,
			"modules", len(result.Modules),
		)
		events.Emit(ctx, m.events, events.Event{
			UserID: userID,
			Type:   events.EnrollmentGranted,
			Data: map[string]any{
				"course_id":       courseID,
				"enrollment_type": string(result.Type),
				"modules":         scope.modules,
			},
		})
	}
	return result, nil
}

// apply merges scope into e and reports whether anything changed.
func apply(e *domain.Enrollment, scope Scope, now time.Time, created bool) bool {
	if e.Type == domain.EnrollmentFull {
		return false
	}
	if scope.full {
		e.Type = domain.EnrollmentFull
		e.Modules = nil
		return true
	}

	e.Type = domain.EnrollmentModule
	changed := created
	for _, id := range scope.modules {
		if e.HasModule(id) {
			continue
		}
		e.Modules = append(e.Modules, domain.ModuleGrant{ModuleID: id, EnrolledAt: now})
		changed = true
	}
	return changed
}

func checkModules(ctx context.Context, rd store.Reader, courseID string, ids []string) error {
	for _, id := range ids {
		mod, err := rd.Module(ctx, id)
		if err != nil {
			return err
		}
		if mod.CourseID != courseID {
			return domain.Validationf("module %s does not belong to course %s", id, courseID)
		}
	}
	return nil
}

// Revoke removes access. With no moduleIDs the whole enrollment is deleted.
// With moduleIDs, those grants are removed from a module enrollment and the
// enrollment is deleted once none remain; unknown ids are ignored. Progress
// records are kept. The returned enrollment is nil when nothing remains.
func (m *Manager) Revoke(ctx context.Context, userID, courseID string, moduleIDs ...string) (*domain.Enrollment, error) {
	var (
		remaining *domain.Enrollment
		removed   []string
	)
	err := m.store.RunInTx(ctx, func(tx store.Tx) error {
		e, err := tx.Enrollment(ctx, userID, courseID)
		if err != nil {
			return err
		}

		if len(moduleIDs) > 0 {
			if e.Type == domain.EnrollmentFull {
				return &domain.Error{
					Kind:    domain.KindValidation,
					Reason:  domain.ReasonPartialModuleRevoke,
					Message: "cannot revoke individual modules from a full enrollment",
				}
			}
			kept := e.Modules[:0:0]
			for _, g := range e.Modules {
				if slices.Contains(moduleIDs, g.ModuleID) {
					removed = append(removed, g.ModuleID)
					continue
				}
				kept = append(kept, g)
			}
			if len(kept) > 0 {
				e.Modules = kept
				remaining = &e
				if len(removed) == 0 {
					return nil
				}
				return tx.PutEnrollment(ctx, e)
			}
		}

		if err := tx.DeleteEnrollment(ctx, userID, courseID); err != nil {
			return fmt.Errorf("deleting enrollment: %w", err)
		}
		course, err := tx.Course(ctx, courseID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		course.EnrollmentCount = max(course.EnrollmentCount-1, 0)
		return tx.PutCourse(ctx, course)
	})
	if err != nil {
		return nil, err
	}
	if remaining != nil && len(removed) == 0 {
		return remaining, nil
	}

	slog.Info("enrollment revoked",
		"user_id", userID,
		"course_id", courseID,
		"modules", removed,
		"deleted", remaining == nil,
	)
	events.Emit(ctx, m.events, events.Event{
		UserID: userID,
		Type:   events.EnrollmentRevoked,
		Data: map[string]any{
			"course_id": courseID,
			"modules":   removed,
			"deleted":   remaining == nil,
		},
	})
	return remaining, nil
}
