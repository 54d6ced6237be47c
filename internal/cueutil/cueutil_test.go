// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"errors"
	"strings"
	"testing"
)

const testSchema = `
#Doc: close({
	name:     string & !=""
	parallel?: int & >=1
	axes?: [...{name: string, values: [...string]}]
})
`

type testDoc struct {
	Name     string `json:"name"`
	Parallel int    `json:"parallel"`
}

func TestDecode(t *testing.T) {
	t.Parallel()

	doc, err := Decode[testDoc](testSchema, []byte(`name: "beep", parallel: 20`), "#Doc")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if doc.Name != "beep" || doc.Parallel != 20 {
		t.Errorf("Decode() = %+v", doc)
	}
}

func TestDecodeMap(t *testing.T) {
	t.Parallel()

	m, err := DecodeMap(testSchema, []byte(`name: "beep"
axes: [{name: "os", values: ["ubuntu-latest"]}]`), "#Doc")
	if err != nil {
		t.Fatalf("DecodeMap() error = %v", err)
	}
	if m["name"] != "beep" {
		t.Errorf("name = %v", m["name"])
	}
	axes, ok := m["axes"].([]any)
	if !ok || len(axes) != 1 {
		t.Errorf("axes = %#v", m["axes"])
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want []string
	}{
		{"syntax", `name: "x`, []string{"pipeline.cue"}},
		{"type", `name: "x", parallel: "many"`, []string{"pipeline.cue", "parallel"}},
		{"constraint", `name: "x", parallel: 0`, []string{"parallel"}},
		{"closed", `name: "x", bogus: true`, []string{"bogus"}},
		{"nested index", `name: "x", axes: [{name: "os", values: [1]}]`, []string{"axes[0].values[0]"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeMap(testSchema, []byte(tt.data), "#Doc", WithFilename("pipeline.cue"))
			if err == nil {
				t.Fatal("DecodeMap() succeeded, want error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestCheckFileSize(t *testing.T) {
	t.Parallel()

	_, err := DecodeMap(testSchema, []byte(`name: "0123456789"`), "#Doc", WithMaxFileSize(8))
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("DecodeMap() error = %v, want size error", err)
	}
}

func TestFormatError(t *testing.T) {
	t.Parallel()

	if FormatError(nil, "x.cue") != nil {
		t.Error("FormatError(nil) != nil")
	}
	base := errors.New("plain")
	err := FormatError(base, "x.cue")
	if !errors.Is(err, base) || !strings.HasPrefix(err.Error(), "x.cue: ") {
		t.Errorf("FormatError(non-CUE) = %v", err)
	}
}

func TestFormatPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path []string
		want string
	}{
		{nil, ""},
		{[]string{"suite"}, "suite"},
		{[]string{"matrix", "axes", "0", "values", "2"}, "matrix.axes[0].values[2]"},
		{[]string{"0"}, "0"},
	}
	for _, tt := range tests {
		if got := formatPath(tt.path); got != tt.want {
			t.Errorf("formatPath(%v) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
