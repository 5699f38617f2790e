package errs

import "errors"

var (
	// ErrNotFound is returned when a repository, principal or team does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a create or rename target already exists
	ErrConflict = errors.New("already exists")

	// ErrBusy is returned when a repository is undergoing background compaction
	ErrBusy = errors.New("repository is busy")

	// ErrForbidden is returned when an edit targets an immutable grant
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidCredentials is the single outcome of every failed credential check
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInconsistent marks a violated internal invariant (vanished fork parent, unreadable config)
	ErrInconsistent = errors.New("inconsistent state")
)

// Kind classifies an error into the taxonomy surfaced at request boundaries.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindBusy
	KindForbidden
	KindInvalidCredentials
	KindInconsistent
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBusy:
		return "busy"
	case KindForbidden:
		return "forbidden"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindInconsistent:
		return "inconsistent"
	default:
		return "internal"
	}
}

// Classify returns the Kind of the first taxonomy sentinel found in err's chain.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.Is(err, ErrInconsistent):
		return KindInconsistent
	default:
		return KindInternal
	}
}
