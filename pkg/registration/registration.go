// Package registration coregisters a moving image series to a target series
// and reports the deformation field that maps one onto the other.
package registration

import (
	"errors"
	"fmt"
	"strings"

	"mdreg/internal/models"
)

// ErrUnsupportedBackend is returned for a backend name that is not implemented
var ErrUnsupportedBackend = errors.New("coregistration backend is not implemented")

// Backend identifies a coregistration implementation
type Backend int

const (
	// BSpline is the full-featured free-form deformation backend (the default)
	BSpline Backend = iota
	// Translation is the lightweight rigid-shift backend based on phase correlation
	Translation
)

func (b Backend) String() string {
	switch b {
	case BSpline:
		return "bspline"
	case Translation:
		return "translation"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend resolves a backend name. The empty name selects BSpline.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bspline":
		return BSpline, nil
	case "translation":
		return Translation, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedBackend, name)
	}
}

// Options are call-time settings shared by every backend
type Options struct {
	// ProgressBar prints per-frame progress. It never changes the result.
	ProgressBar bool
}

// Coregistrator aligns each frame of moving to the corresponding frame of target.
// The returned series has the shape of moving; the field has the same grid
// plus a component axis of size 2. Implementations keep no state between calls.
type Coregistrator interface {
	Coregister(moving, target *models.Series, opts Options) (*models.Series, *models.Field, error)
}

// New binds a backend name to its implementation, configured by params
func New(name string, params Params) (Coregistrator, error) {
	backend, err := ParseBackend(name)
	if err != nil {
		return nil, err
	}
	return NewBackend(backend, params)
}

// NewBackend binds a parsed backend to its implementation
func NewBackend(backend Backend, params Params) (Coregistrator, error) {
	switch backend {
	case BSpline:
		r, err := NewBSpline(params)
		if err != nil {
			return nil, err
		}
		return r, nil
	case Translation:
		r, err := NewTranslation(params)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, backend)
	}
}

// Coregister dispatches a single coregistration to the named backend
func Coregister(moving, target *models.Series, name string, params Params, opts Options) (*models.Series, *models.Field, error) {
	c, err := New(name, params)
	if err != nil {
		return nil, nil, err
	}
	return c.Coregister(moving, target, opts)
}

func checkInputs(moving, target *models.Series) error {
	if err := moving.Validate(); err != nil {
		return fmt.Errorf("moving series: %w", err)
	}
	if err := moving.CheckShape(target, "target series"); err != nil {
		return err
	}
	return nil
}
