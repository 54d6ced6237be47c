// SPDX-License-Identifier: MPL-2.0

package matrix

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// AxisOS is the conventional name of the operating-system axis.
	AxisOS = "os"
	// AxisRuntime is the conventional name of the runtime-version axis.
	AxisRuntime = "runtime"

	idSeparator = "/"
)

// ErrConfiguration is the sentinel error wrapped by ConfigurationError.
var ErrConfiguration = errors.New("invalid matrix configuration")

type (
	// Axis is an ordered set of mutually exclusive selector values.
	Axis struct {
		Name   string
		Values []string
	}

	// AxisValue is one axis selection within a cell.
	AxisValue struct {
		Axis  string
		Value string
	}

	// CellID is the stable identity of a cell, e.g. "os=ubuntu-latest/runtime=3.8".
	CellID string

	// Cell is one concrete combination with exactly one value per axis.
	// Cells are immutable once created; accessors return copies.
	Cell struct {
		id     CellID
		values []AxisValue
	}

	// Selector matches cells whose values equal every listed entry.
	Selector map[string]string

	// Definition is the declarative matrix document.
	Definition struct {
		Axes    []Axis
		Include []Selector
		Exclude []Selector
	}

	// ConfigurationError reports an unusable matrix definition.
	ConfigurationError struct {
		Reason string
	}
)

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return "invalid matrix configuration: " + e.Reason
}

// Unwrap returns ErrConfiguration for errors.Is() compatibility.
func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// String returns the string form of the CellID.
func (id CellID) String() string { return string(id) }

// ID returns the cell's stable identity.
func (c Cell) ID() CellID { return c.id }

// Values returns the cell's axis selections in axis order.
func (c Cell) Values() []AxisValue {
	out := make([]AxisValue, len(c.values))
	copy(out, c.values)
	return out
}

// Value returns the value selected for the named axis.
func (c Cell) Value(axis string) (string, bool) {
	for _, v := range c.values {
		if v.Axis == axis {
			return v.Value, true
		}
	}
	return "", false
}

// OS returns the value of the "os" axis, or "" when the matrix has none.
func (c Cell) OS() string {
	v, _ := c.Value(AxisOS)
	return v
}

// RuntimeVersion returns the value of the "runtime" axis, or "" when the matrix has none.
func (c Cell) RuntimeVersion() string {
	v, _ := c.Value(AxisRuntime)
	return v
}

// String returns the cell identity.
func (c Cell) String() string { return string(c.id) }

// NewCell builds a cell from ordered axis selections.
func NewCell(values ...AxisValue) Cell {
	vs := make([]AxisValue, len(values))
	copy(vs, values)
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.Axis + "=" + v.Value
	}
	return Cell{id: CellID(strings.Join(parts, idSeparator)), values: vs}
}

// matches reports whether the cell carries every value named by the selector.
func (s Selector) matches(c Cell) bool {
	for axis, want := range s {
		got, ok := c.Value(axis)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Validate checks the axes for emptiness and duplicates.
func (d Definition) Validate() error {
	if len(d.Axes) == 0 {
		return configErrorf("at least one axis is required")
	}
	names := make(map[string]struct{}, len(d.Axes))
	for i, axis := range d.Axes {
		name := strings.TrimSpace(axis.Name)
		if name == "" {
			return configErrorf("axis %d has an empty name", i)
		}
		if strings.ContainsAny(name, "=/") {
			return configErrorf("axis name %q must not contain '=' or '/'", name)
		}
		if _, dup := names[name]; dup {
			return configErrorf("duplicate axis %q", name)
		}
		names[name] = struct{}{}

		if len(axis.Values) == 0 {
			return configErrorf("axis %q has no values", name)
		}
		seen := make(map[string]struct{}, len(axis.Values))
		for _, v := range axis.Values {
			if strings.TrimSpace(v) == "" {
				return configErrorf("axis %q has an empty value", name)
			}
			if _, dup := seen[v]; dup {
				return configErrorf("axis %q lists value %q twice", name, v)
			}
			seen[v] = struct{}{}
		}
	}
	for i, sel := range d.Exclude {
		if err := d.checkSelector(sel, false); err != nil {
			return configErrorf("exclude[%d]: %v", i, err)
		}
	}
	for i, sel := range d.Include {
		if err := d.checkSelector(sel, true); err != nil {
			return configErrorf("include[%d]: %v", i, err)
		}
	}
	return nil
}

func (d Definition) checkSelector(sel Selector, complete bool) error {
	if len(sel) == 0 {
		return errors.New("selector is empty")
	}
	for key := range sel {
		if d.axis(key) == nil {
			return fmt.Errorf("unknown axis %q", key)
		}
	}
	if complete {
		for _, axis := range d.Axes {
			if _, ok := sel[axis.Name]; !ok {
				return fmt.Errorf("missing value for axis %q", axis.Name)
			}
		}
	}
	return nil
}

func (d Definition) axis(name string) *Axis {
	for i := range d.Axes {
		if d.Axes[i].Name == name {
			return &d.Axes[i]
		}
	}
	return nil
}

// Expand produces the full cross product of the axes, minus excluded cells, plus
// included cells that are not already present.
func Expand(d Definition) ([]Cell, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	total := 1
	for _, axis := range d.Axes {
		total *= len(axis.Values)
	}

	cells := make([]Cell, 0, total+len(d.Include))
	idx := make([]int, len(d.Axes))
	for range total {
		values := make([]AxisValue, len(d.Axes))
		for i, axis := range d.Axes {
			values[i] = AxisValue{Axis: axis.Name, Value: axis.Values[idx[i]]}
		}
		cell := NewCell(values...)
		if !excluded(cell, d.Exclude) {
			cells = append(cells, cell)
		}
		// odometer increment, last axis fastest
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(d.Axes[i].Values) {
				break
			}
			idx[i] = 0
		}
	}

	present := make(map[CellID]struct{}, len(cells))
	for _, c := range cells {
		present[c.id] = struct{}{}
	}
	for _, sel := range d.Include {
		values := make([]AxisValue, len(d.Axes))
		for i, axis := range d.Axes {
			values[i] = AxisValue{Axis: axis.Name, Value: sel[axis.Name]}
		}
		cell := NewCell(values...)
		if _, ok := present[cell.id]; ok {
			continue
		}
		present[cell.id] = struct{}{}
		cells = append(cells, cell)
	}

	if len(cells) == 0 {
		return nil, configErrorf("every cell was excluded")
	}
	return cells, nil
}

func excluded(c Cell, exclude []Selector) bool {
	for _, sel := range exclude {
		if sel.matches(c) {
			return true
		}
	}
	return false
}
