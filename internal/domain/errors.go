package domain

import "fmt"

// Kind classifies an engine error.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindAccessDenied
	KindStateConflict
	KindNotFound
	KindGraph
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAccessDenied:
		return "access_denied"
	case KindStateConflict:
		return "state_conflict"
	case KindNotFound:
		return "not_found"
	case KindGraph:
		return "graph"
	default:
		return "unknown"
	}
}

// Reason is the machine-readable cause of an error.
type Reason string

const (
	ReasonNotEnrolled           Reason = "not_enrolled"
	ReasonModuleNotPurchased    Reason = "module_not_purchased"
	ReasonPrerequisitesNotMet   Reason = "prerequisites_not_met"
	ReasonQuizTimeNotMet        Reason = "quiz_time_not_met"
	ReasonPreviousQuizNotPassed Reason = "previous_quiz_not_passed"
	ReasonStaffOnly             Reason = "staff_only"
	ReasonOngoingAttempt        Reason = "ongoing_attempt"
	ReasonMaxAttemptsReached    Reason = "max_attempts_reached"
	ReasonAttemptSubmitted      Reason = "attempt_already_submitted"
	ReasonAttemptGraded         Reason = "attempt_already_graded"
	ReasonAttemptNotSubmitted   Reason = "attempt_not_submitted"
	ReasonTimeLimitExceeded     Reason = "time_limit_exceeded"
	ReasonQuizPassRequired      Reason = "quiz_pass_required"
	ReasonCircularPrerequisite  Reason = "circular_prerequisite"
	ReasonResultsNotAvailable   Reason = "results_not_available"
	ReasonPartialModuleRevoke   Reason = "partial_revoke_of_full_enrollment"
	ReasonNotCourseOwner        Reason = "not_course_owner"
)

// Error is the structured error every engine operation reports.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Message != "":
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Is matches another *Error of the same kind, and the same reason when the
// target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// Sentinels for errors.Is.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrAccessDenied  = &Error{Kind: KindAccessDenied}
	ErrStateConflict = &Error{Kind: KindStateConflict}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrGraph         = &Error{Kind: KindGraph}
)

// Validationf reports malformed input.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Denied reports an access decision that went against the caller.
func Denied(reason Reason) *Error {
	return &Error{Kind: KindAccessDenied, Reason: reason}
}

// Conflict reports a state-machine precondition failure.
func Conflict(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: KindStateConflict, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an absent or soft-deleted entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", entity, id)}
}

// CircularPrerequisite reports a prerequisite set that would close a cycle.
func CircularPrerequisite(moduleID string) *Error {
	return &Error{
		Kind:    KindGraph,
		Reason:  ReasonCircularPrerequisite,
		Message: fmt.Sprintf("prerequisites of module %q would create a cycle", moduleID),
	}
}
