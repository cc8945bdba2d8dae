package conflict

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// MaxAttempts is the number of renamed candidates tried before giving up.
const MaxAttempts = 100

// ErrConflictExhausted is returned when every renamed candidate is taken.
var ErrConflictExhausted = errors.New("conflict rename attempts exhausted")

// ExistenceChecker reports whether an object exists under a key.
type ExistenceChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Resolver derives non-colliding keys.
type Resolver struct {
	checker   ExistenceChecker
	overwrite bool
}

// NewResolver creates a resolver. With overwrite set the candidate key is
// always returned unchanged.
func NewResolver(checker ExistenceChecker, overwrite bool) *Resolver {
	return &Resolver{
		checker:   checker,
		overwrite: overwrite,
	}
}

// Resolve returns key if it is free, otherwise the first free
// "name (n).ext" variant for n in 1..MaxAttempts.
func (r *Resolver) Resolve(ctx context.Context, key string) (string, error) {
	if r.overwrite {
		return key, nil
	}

	exists, err := r.checker.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("checking %q: %w", key, err)
	}

	if !exists {
		return key, nil
	}

	for n := 1; n <= MaxAttempts; n++ {
		candidate := Numbered(key, n)

		exists, err := r.checker.Exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("checking %q: %w", candidate, err)
		}

		if !exists {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %q after %d attempts", ErrConflictExhausted, key, MaxAttempts)
}

// Numbered inserts " (n)" before the extension of the last key segment.
// Directory segments are left untouched; a leading dot is part of the name.
func Numbered(key string, n int) string {
	dir, base := path.Split(key)

	name, ext := base, ""
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		name, ext = base[:i], base[i:]
	}

	return fmt.Sprintf("%s%s (%d)%s", dir, name, n, ext)
}
