package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoActiveVersion is returned when a commit is finalized without a bound version.
	ErrNoActiveVersion = errors.New("no active version")
	// ErrValidation marks commits the authority rejected because of their contents.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks commits rejected by a rule only the authority can check,
	// and undo/redo refused because a peer changed the target.
	ErrConflict = errors.New("conflict")
	// ErrNetwork marks transport failures; the operation is treated as not applied.
	ErrNetwork = errors.New("network error")
	// ErrStaleTarget marks undo/redo targets that no longer exist.
	ErrStaleTarget = errors.New("stale target")

	ErrNotDisjoint      = errors.New("entity appears in more than one commit set")
	ErrMissingSnapshot  = errors.New("modified entity has no pre-commit snapshot")
	ErrEntityRemoved    = errors.New("entity already removed in this commit")
	ErrEntityExists     = errors.New("entity already exists")
	ErrEmptyCommit      = errors.New("commit has no changes")
	ErrUnknownEntity    = errors.New("entity not found")
	ErrNothingToUndo    = errors.New("nothing to undo")
	ErrNothingToRedo    = errors.New("nothing to redo")
	ErrOperationPending = errors.New("another commit operation is in flight")
	ErrSuperseded       = errors.New("result discarded: session was replaced")
	ErrHistoryClosed    = errors.New("commit history is closed")
)

// NoActiveVersionError is returned when building a commit with no version selected.
type NoActiveVersionError struct{}

func (e *NoActiveVersionError) Error() string {
	return "cannot build commit: " + ErrNoActiveVersion.Error()
}

func (e *NoActiveVersionError) Unwrap() error {
	return ErrNoActiveVersion
}

// ErrorKind is the machine-readable code carried in authority error bodies.
type ErrorKind string

const (
	ErrorKindValidation  ErrorKind = "VALIDATION"
	ErrorKindConflict    ErrorKind = "CONFLICT"
	ErrorKindStaleTarget ErrorKind = "STALE_TARGET"
	ErrorKindNetwork     ErrorKind = "NETWORK"
)

// Sentinel returns the sentinel error matching the kind.
func (k ErrorKind) Sentinel() error {
	switch k {
	case ErrorKindValidation:
		return ErrValidation
	case ErrorKindConflict:
		return ErrConflict
	case ErrorKindStaleTarget:
		return ErrStaleTarget
	default:
		return ErrNetwork
	}
}

// CommitError is a rejected commit, undo or redo.
type CommitError struct {
	Kind         ErrorKind     `json:"code"`
	Message      string        `json:"message"`
	EntityErrors []EntityError `json:"errors,omitempty"`
}

// NewCommitError builds a CommitError of the given kind.
func NewCommitError(kind ErrorKind, message string, entityErrors ...EntityError) *CommitError {
	return &CommitError{Kind: kind, Message: message, EntityErrors: entityErrors}
}

func (e *CommitError) Error() string {
	if len(e.EntityErrors) == 0 {
		return fmt.Sprintf("%s: %s", strings.ToLower(string(e.Kind)), e.Message)
	}
	details := make([]string, 0, len(e.EntityErrors))
	for _, entityErr := range e.EntityErrors {
		details = append(details, fmt.Sprintf("%s: %s", entityErr.EntityID, entityErr.Message))
	}
	return fmt.Sprintf("%s: %s (%s)", strings.ToLower(string(e.Kind)), e.Message, strings.Join(details, "; "))
}

func (e *CommitError) Unwrap() error {
	return e.Kind.Sentinel()
}

// KindOf classifies any error into the commit error taxonomy.
func KindOf(err error) ErrorKind {
	var commitErr *CommitError
	switch {
	case errors.As(err, &commitErr):
		return commitErr.Kind
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, ErrConflict):
		return ErrorKindConflict
	case errors.Is(err, ErrStaleTarget):
		return ErrorKindStaleTarget
	default:
		return ErrorKindNetwork
	}
}
