// SPDX-License-Identifier: MPL-2.0

package coverage

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/exp/maps"
	"golang.org/x/tools/cover"
)

const (
	// FormatCoveragePy is the JSON document written by `coverage json`.
	FormatCoveragePy Format = "coveragepy-json"
	// FormatGoCover is the text profile written by `go test -coverprofile`.
	FormatGoCover Format = "go-cover"
)

// ErrInvalidFormat is returned when a Format value is not recognized.
var ErrInvalidFormat = errors.New("invalid coverage format")

type (
	// Format names a coverage telemetry encoding.
	Format string

	// InvalidFormatError is returned when a Format value is not recognized.
	// It wraps ErrInvalidFormat for errors.Is() compatibility.
	InvalidFormatError struct {
		Value Format
	}

	// LineSet is a set of 1-based line numbers.
	LineSet map[int]struct{}

	// FileCoverage records which lines of one source file are executable and which ran.
	FileCoverage struct {
		Statements LineSet
		Covered    LineSet
	}

	// Profile is coverage for a set of source files, keyed by path.
	Profile struct {
		Files map[string]*FileCoverage
	}

	// Totals summarizes a profile or a single file.
	Totals struct {
		Statements int     `json:"statements" toml:"statements"`
		Covered    int     `json:"covered" toml:"covered"`
		Percent    float64 `json:"percent" toml:"percent"`
	}

	coveragePyDocument struct {
		Files map[string]struct {
			ExecutedLines []int `json:"executed_lines"`
			MissingLines  []int `json:"missing_lines"`
		} `json:"files"`
	}
)

// Error implements the error interface.
func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("invalid coverage format %q (valid: %s, %s)", e.Value, FormatCoveragePy, FormatGoCover)
}

// Unwrap returns ErrInvalidFormat for errors.Is() compatibility.
func (e *InvalidFormatError) Unwrap() error { return ErrInvalidFormat }

// IsValid returns whether the Format is one of the supported encodings.
func (f Format) IsValid() (bool, []error) {
	switch f {
	case FormatCoveragePy, FormatGoCover:
		return true, nil
	default:
		return false, []error{&InvalidFormatError{Value: f}}
	}
}

// String returns the string representation of the Format.
func (f Format) String() string { return string(f) }

// Sorted returns the line numbers in ascending order.
func (s LineSet) Sorted() []int {
	return slices.Sorted(maps.Keys(s))
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{Files: make(map[string]*FileCoverage)}
}

func (p *Profile) file(name string) *FileCoverage {
	fc, ok := p.Files[name]
	if !ok {
		fc = &FileCoverage{Statements: LineSet{}, Covered: LineSet{}}
		p.Files[name] = fc
	}
	return fc
}

// AddLine records an executable line and whether it ran.
func (p *Profile) AddLine(file string, line int, covered bool) {
	fc := p.file(file)
	fc.Statements[line] = struct{}{}
	if covered {
		fc.Covered[line] = struct{}{}
	}
}

// Merge folds other into p. Lines covered in either profile are covered in the result.
func (p *Profile) Merge(other *Profile) {
	if other == nil {
		return
	}
	for name, src := range other.Files {
		dst := p.file(name)
		for line := range src.Statements {
			dst.Statements[line] = struct{}{}
		}
		for line := range src.Covered {
			dst.Statements[line] = struct{}{}
			dst.Covered[line] = struct{}{}
		}
	}
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	out := NewProfile()
	out.Merge(p)
	return out
}

// Equal reports whether both profiles record the same lines.
func (p *Profile) Equal(other *Profile) bool {
	if len(p.Files) != len(other.Files) {
		return false
	}
	for name, a := range p.Files {
		b, ok := other.Files[name]
		if !ok || !maps.Equal(a.Statements, b.Statements) || !maps.Equal(a.Covered, b.Covered) {
			return false
		}
	}
	return true
}

// FileNames returns the profile's file paths in sorted order.
func (p *Profile) FileNames() []string {
	return slices.Sorted(maps.Keys(p.Files))
}

// Totals returns line counts for the whole profile.
func (p *Profile) Totals() Totals {
	var t Totals
	for _, fc := range p.Files {
		ft := fc.Totals()
		t.Statements += ft.Statements
		t.Covered += ft.Covered
	}
	t.Percent = percent(t.Covered, t.Statements)
	return t
}

// Totals returns line counts for one file.
func (fc *FileCoverage) Totals() Totals {
	t := Totals{Statements: len(fc.Statements), Covered: len(fc.Covered)}
	t.Percent = percent(t.Covered, t.Statements)
	return t
}

func percent(covered, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(covered) * 100 / float64(total)
}

// Aggregate merges every non-nil profile into a new profile.
func Aggregate(profiles ...*Profile) *Profile {
	out := NewProfile()
	for _, p := range profiles {
		out.Merge(p)
	}
	return out
}

// Parse decodes telemetry in the given format.
func Parse(format Format, r io.Reader) (*Profile, error) {
	switch format {
	case FormatCoveragePy:
		return parseCoveragePy(r)
	case FormatGoCover:
		return parseGoCover(r)
	default:
		return nil, &InvalidFormatError{Value: format}
	}
}

func parseCoveragePy(r io.Reader) (*Profile, error) {
	var doc coveragePyDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode coverage.py json: %w", err)
	}
	p := NewProfile()
	for name, f := range doc.Files {
		for _, line := range f.MissingLines {
			p.AddLine(name, line, false)
		}
		for _, line := range f.ExecutedLines {
			p.AddLine(name, line, true)
		}
	}
	return p, nil
}

func parseGoCover(r io.Reader) (*Profile, error) {
	profiles, err := cover.ParseProfilesFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse go cover profile: %w", err)
	}
	p := NewProfile()
	for _, prof := range profiles {
		for _, block := range prof.Blocks {
			for line := block.StartLine; line <= block.EndLine; line++ {
				p.AddLine(prof.FileName, line, block.Count > 0)
			}
		}
	}
	return p, nil
}
