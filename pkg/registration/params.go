package registration

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// defaultParams is the parameter bundle of the B-spline backend. It is never
// handed out directly; DefaultParams returns a copy.
var defaultParams = map[string]string{
	"Transform":                       "BSplineTransform",
	"Metric":                          "AdvancedMeanSquares",
	"Optimizer":                       "LBFGS",
	"FinalGridSpacingInPhysicalUnits": "50.0",
	"MaximumNumberOfIterations":       "256",
	"GradientMagnitudeTolerance":      "1e-6",
	"RegularizationWeight":            "0.0",
	"NumberOfThreads":                 "0",
}

// Params is an immutable registration parameter bundle in the style of an
// elastix parameter map: string keys to string values. Keys a backend does
// not recognise are carried along untouched.
type Params struct {
	m map[string]string
}

// DefaultParams returns the default B-spline registration parameters
func DefaultParams() Params {
	return Params{m: copyMap(defaultParams)}
}

// NewParams builds a bundle holding exactly the given entries
func NewParams(kv map[string]string) Params {
	return Params{m: copyMap(kv)}
}

// Override returns a new bundle in which the named keys are replaced.
// All other keys keep their current value; p itself is not modified.
func (p Params) Override(kv map[string]string) Params {
	m := copyMap(p.m)
	for k, v := range kv {
		m[k] = v
	}
	return Params{m: m}
}

// Set is Override for a single key
func (p Params) Set(key, value string) Params {
	return p.Override(map[string]string{key: value})
}

// WithDefaults returns the default bundle overridden by every entry of p
func (p Params) WithDefaults() Params {
	return DefaultParams().Override(p.m)
}

// Get returns the raw value of key
func (p Params) Get(key string) (string, bool) {
	v, ok := p.m[key]
	return unquote(v), ok
}

// Float parses the value of key as a float
func (p Params) Float(key string) (float64, error) {
	v, ok := p.Get(key)
	if !ok {
		return 0, fmt.Errorf("parameter %s not set", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", key, err)
	}
	return f, nil
}

// Int parses the value of key as an integer. Values written as floats
// ("256.0") are accepted.
func (p Params) Int(key string) (int, error) {
	f, err := p.Float(key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Keys returns all keys in sorted order
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p.m))
	for k := range p.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the bundle's entries
func (p Params) Map() map[string]string {
	return copyMap(p.m)
}

// Len returns the number of entries
func (p Params) Len() int {
	return len(p.m)
}

// String renders the bundle in elastix parameter file syntax
func (p Params) String() string {
	var b strings.Builder
	for _, k := range p.Keys() {
		v := unquote(p.m[k])
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			fmt.Fprintf(&b, "(%s %s)\n", k, v)
		} else {
			fmt.Fprintf(&b, "(%s %q)\n", k, v)
		}
	}
	return b.String()
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func unquote(v string) string {
	return strings.Trim(strings.TrimSpace(v), `"`)
}
