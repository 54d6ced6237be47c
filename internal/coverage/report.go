// SPDX-License-Identifier: MPL-2.0

package coverage

import (
	"bufio"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"
)

const (
	// IndexFile is the entry page of the HTML report.
	IndexFile = "index.html"
	// SummaryFile is the machine-readable run summary.
	SummaryFile = "summary.toml"
	// ProfileFile holds the merged line data.
	ProfileFile = "coverage.json"
)

type (
	// ReportOptions controls WriteReport.
	ReportOptions struct {
		// Dir is the output directory; it is created if missing.
		Dir string
		// SourceRoot, when set, is used to show source text next to line status.
		SourceRoot string
		// Title heads the index page.
		Title string
		// Cells lists the identities of the cells that contributed telemetry.
		Cells []string
		// GeneratedAt stamps the summary; zero means now.
		GeneratedAt time.Time
	}

	// Summary is written to summary.toml.
	Summary struct {
		Title       string            `toml:"title"`
		GeneratedAt time.Time         `toml:"generated_at"`
		Cells       []string          `toml:"cells"`
		Total       Totals            `toml:"total"`
		Files       map[string]Totals `toml:"files"`
	}

	fileRow struct {
		Name string
		Page string
		Totals
	}

	sourceLine struct {
		Number int
		Text   string
		Class  string
	}
)

var (
	indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title>
<style>body{font-family:sans-serif}td,th{padding:2px 8px;text-align:left}.pct{text-align:right}</style>
</head><body>
<h1>{{.Title}}</h1>
<p>{{.Total.Covered}} of {{.Total.Statements}} lines covered ({{printf "%.2f" .Total.Percent}}%)</p>
<p>Cells: {{range $i, $c := .Cells}}{{if $i}}, {{end}}{{$c}}{{end}}</p>
<table><tr><th>File</th><th>Lines</th><th>Covered</th><th class="pct">%</th></tr>
{{range .Rows}}<tr><td><a href="{{.Page}}">{{.Name}}</a></td><td>{{.Statements}}</td><td>{{.Covered}}</td><td class="pct">{{printf "%.2f" .Percent}}</td></tr>
{{end}}</table></body></html>
`))

	fileTemplate = template.Must(template.New("file").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Name}}</title>
<style>pre{margin:0}.run{background:#dfd}.mis{background:#fdd}td{font-family:monospace;padding:0 6px}</style>
</head><body>
<h1>{{.Name}}</h1>
<p>{{.Totals.Covered}} of {{.Totals.Statements}} lines covered ({{printf "%.2f" .Totals.Percent}}%) - <a href="index.html">index</a></p>
<table>{{range .Lines}}<tr class="{{.Class}}"><td>{{.Number}}</td><td><pre>{{.Text}}</pre></td></tr>
{{end}}</table></body></html>
`))
)

// WriteReport writes index.html, one page per file, summary.toml and coverage.json into opts.Dir.
func WriteReport(p *Profile, opts ReportOptions) error {
	if p == nil {
		p = NewProfile()
	}
	if opts.Title == "" {
		opts.Title = "Coverage report"
	}
	if opts.GeneratedAt.IsZero() {
		opts.GeneratedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	names := p.FileNames()
	rows := make([]fileRow, 0, len(names))
	summary := Summary{
		Title:       opts.Title,
		GeneratedAt: opts.GeneratedAt,
		Cells:       opts.Cells,
		Total:       p.Totals(),
		Files:       make(map[string]Totals, len(names)),
	}
	for i, name := range names {
		fc := p.Files[name]
		row := fileRow{Name: name, Page: fmt.Sprintf("file_%04d.html", i), Totals: fc.Totals()}
		rows = append(rows, row)
		summary.Files[name] = row.Totals
		if err := writeFilePage(filepath.Join(opts.Dir, row.Page), name, fc, opts.SourceRoot); err != nil {
			return err
		}
	}

	if err := writeTemplate(filepath.Join(opts.Dir, IndexFile), indexTemplate, map[string]any{
		"Title": opts.Title,
		"Total": summary.Total,
		"Cells": opts.Cells,
		"Rows":  rows,
	}); err != nil {
		return err
	}

	tomlData, err := toml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(opts.Dir, SummaryFile), tomlData, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	jsonData, err := json.MarshalIndent(p.export(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(opts.Dir, ProfileFile), jsonData, 0o644); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}

// export converts the profile into coverage.py's document shape.
func (p *Profile) export() map[string]any {
	files := make(map[string]any, len(p.Files))
	for name, fc := range p.Files {
		missing := make([]int, 0, len(fc.Statements)-len(fc.Covered))
		for _, line := range fc.Statements.Sorted() {
			if _, ok := fc.Covered[line]; !ok {
				missing = append(missing, line)
			}
		}
		files[name] = map[string]any{
			"executed_lines": fc.Covered.Sorted(),
			"missing_lines":  missing,
		}
	}
	return map[string]any{"files": files}
}

func writeFilePage(path, name string, fc *FileCoverage, sourceRoot string) error {
	lines := sourceLines(name, sourceRoot)
	if lines == nil {
		for _, n := range fc.Statements.Sorted() {
			lines = append(lines, sourceLine{Number: n})
		}
	}
	for i := range lines {
		n := lines[i].Number
		if _, ok := fc.Covered[n]; ok {
			lines[i].Class = "run"
		} else if _, ok := fc.Statements[n]; ok {
			lines[i].Class = "mis"
		}
	}
	return writeTemplate(path, fileTemplate, map[string]any{
		"Name":   name,
		"Totals": fc.Totals(),
		"Lines":  lines,
	})
}

// sourceLines returns the file's text when it can be found under root, or nil.
func sourceLines(name, root string) []sourceLine {
	if root == "" {
		return nil
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, name)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []sourceLine
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		out = append(out, sourceLine{Number: n, Text: strings.TrimRight(sc.Text(), "\r")})
	}
	if sc.Err() != nil {
		return nil
	}
	return out
}

func writeTemplate(path string, tmpl *template.Template, data any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := tmpl.Execute(f, data); err != nil {
		f.Close()
		return fmt.Errorf("render %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
