package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bher20/countryrates/internal/countries"
)

// Storage persists the current country snapshot and its refresh metadata.
//
// Replace swaps in a whole new generation atomically: concurrent readers see
// either the previous generation or the new one, never a mix. Delete removes a
// single country from the live generation until the next Replace.
type Storage interface {
	Replace(ctx context.Context, records []countries.EnrichedCountry, refreshedAt time.Time) error
	Get(ctx context.Context, name string, policy countries.CasePolicy) (*countries.EnrichedCountry, error)
	Scan(ctx context.Context) ([]countries.EnrichedCountry, error)
	Delete(ctx context.Context, name string) error
	Metadata(ctx context.Context) (countries.RefreshMetadata, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases any resources (no-op for in-memory).
	Close() error
}

// Locker is implemented by backends that can coordinate scheduled refreshes
// across several processes.
type Locker interface {
	AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, key int64) (bool, error)
}

// JobRecorder is implemented by backends that keep scheduled job bookkeeping.
type JobRecorder interface {
	UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error
}

// ErrNotFound is returned when a named country is not in the live snapshot.
var ErrNotFound = errors.New("country not found")

// Kind classifies a storage failure.
type Kind int

const (
	// Unreachable means the backing medium could not be used.
	Unreachable Kind = iota + 1
	// ConstraintViolation means the write broke a snapshot invariant, such as
	// a duplicate name or a refresh timestamp going backwards.
	ConstraintViolation
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case ConstraintViolation:
		return "constraint violation"
	default:
		return "unknown"
	}
}

// Error is returned by every backend for failures other than ErrNotFound.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err wraps a storage Error of kind k.
func IsKind(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}

func unreachable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: Unreachable, Err: err}
}

func violation(op string, err error) error {
	return &Error{Op: op, Kind: ConstraintViolation, Err: err}
}

// validateGeneration applies the checks every backend performs before a
// Replace touches the medium.
func validateGeneration(records []countries.EnrichedCountry, refreshedAt time.Time, current *time.Time) error {
	if refreshedAt.IsZero() {
		return violation("replace", errors.New("refresh timestamp is zero"))
	}
	if current != nil && refreshedAt.Before(*current) {
		return violation("replace", fmt.Errorf("refresh timestamp %s precedes current %s",
			refreshedAt.Format(time.RFC3339Nano), current.Format(time.RFC3339Nano)))
	}
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		key := countries.NameKey(r.Name)
		if key == "" {
			return violation("replace", errors.New("country without a name"))
		}
		if _, dup := seen[key]; dup {
			return violation("replace", fmt.Errorf("duplicate country name %q", r.Name))
		}
		seen[key] = struct{}{}
	}
	return nil
}

// stamp returns a copy of records carrying refreshedAt.
func stamp(records []countries.EnrichedCountry, refreshedAt time.Time) []countries.EnrichedCountry {
	out := make([]countries.EnrichedCountry, len(records))
	for i, r := range records {
		r.LastRefreshedAt = refreshedAt
		out[i] = r
	}
	return out
}
