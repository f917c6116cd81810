// perlcomplete/usages.go
// Folds usage hits into groups with context lines and renders them as a text report.
package perlcomplete

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// UsageGroup is a maximal run of hits in one file whose consecutive lines are
// closer than the grouping threshold. Hits are in ascending order.
type UsageGroup struct {
	Hits []UsageHit
}

// First returns the first hit line.
func (g UsageGroup) First() int { return g.Hits[0].Line }

// Last returns the last hit line.
func (g UsageGroup) Last() int { return g.Hits[len(g.Hits)-1].Line }

// Lines returns the hit lines in order, one per hit.
func (g UsageGroup) Lines() []int {
	lines := make([]int, len(g.Hits))
	for i, h := range g.Hits {
		lines[i] = h.Line
	}
	return lines
}

// Matched reports whether line holds at least one hit of the group.
func (g UsageGroup) Matched(line int) bool {
	for _, h := range g.Hits {
		if h.Line == line {
			return true
		}
	}
	return false
}

// ShownLine is one line of a prepared group.
type ShownLine struct {
	Number  int    `json:"number"`
	Text    string `json:"text"`
	Matched bool   `json:"matched"`
}

// FileUsages holds the groups of one file and, once prepared, the lines to render.
type FileUsages struct {
	Path   string
	Groups []UsageGroup
	Shown  [][]ShownLine // Parallel to Groups; nil until Prepare.
	Width  int           // Digit count of the largest shown line number.
}

// UsageReport is the grouped form of a UsageMap, files sorted by path.
type UsageReport struct {
	Threshold int
	Files     []FileUsages
	Skipped   map[string]error // Files dropped by Prepare.
}

// HitCount returns the number of hits in the report.
func (r *UsageReport) HitCount() int {
	n := 0
	for _, f := range r.Files {
		for _, g := range f.Groups {
			n += len(g.Hits)
		}
	}
	return n
}

// GroupUsages splits each file's hits into groups in a single pass. A new group
// starts when line-prev >= threshold. Hits must be sorted by line then column.
// Files without hits are omitted. threshold <= 0 selects DefaultUsageThreshold.
func GroupUsages(usages UsageMap, threshold int) *UsageReport {
	if threshold <= 0 {
		threshold = DefaultUsageThreshold
	}
	report := &UsageReport{Threshold: threshold}
	for path, hits := range usages {
		groups := groupHits(hits, threshold)
		if len(groups) == 0 {
			continue
		}
		report.Files = append(report.Files, FileUsages{Path: path, Groups: groups})
	}
	sort.Slice(report.Files, func(i, j int) bool { return report.Files[i].Path < report.Files[j].Path })
	return report
}

func groupHits(hits []UsageHit, threshold int) []UsageGroup {
	var groups []UsageGroup
	var current []UsageHit
	havePrev := false
	prevLine := 0
	for _, h := range hits {
		if !havePrev || h.Line-prevLine >= threshold {
			if len(current) > 0 {
				groups = append(groups, UsageGroup{Hits: current})
			}
			current = nil
		}
		current = append(current, h)
		prevLine = h.Line
		havePrev = true
	}
	if len(current) > 0 {
		groups = append(groups, UsageGroup{Hits: current})
	}
	return groups
}

// PrepareGroup computes the lines of fileLines to show for g: up to two lines
// of context either side and everything in between. Only lines that exist in
// fileLines are shown.
func PrepareGroup(g UsageGroup, fileLines []string) []ShownLine {
	if len(g.Hits) == 0 {
		return nil
	}
	start := max(g.First()-usageContextLines, 1)
	end := len(fileLines)
	if g.Last() <= end-usageContextLines {
		end = g.Last() + usageContextLines
	}
	if end < start {
		return nil
	}
	shown := make([]ShownLine, 0, end-start+1)
	for n := start; n <= end; n++ {
		shown = append(shown, ShownLine{Number: n, Text: fileLines[n-1], Matched: g.Matched(n)})
	}
	return shown
}

// clipGroups drops hits past line count n and any group left empty.
// It returns the kept groups and the number of dropped hits.
func clipGroups(groups []UsageGroup, n int) ([]UsageGroup, int) {
	var kept []UsageGroup
	dropped := 0
	for _, g := range groups {
		var hits []UsageHit
		for _, h := range g.Hits {
			if h.Line >= 1 && h.Line <= n {
				hits = append(hits, h)
			} else {
				dropped++
			}
		}
		if len(hits) > 0 {
			kept = append(kept, UsageGroup{Hits: hits})
		}
	}
	return kept, dropped
}

// Prepare loads context lines for every file. Hits outside the file are
// dropped with an error log. Files whose lines cannot be read, or with no hit
// left, are removed from the report and recorded in Skipped.
func (r *UsageReport) Prepare(lines LineSource, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	prepLogger := logger.With("operation", "PrepareUsageReport")
	kept := r.Files[:0]
	for _, f := range r.Files {
		fileLines, err := lines.Lines(f.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("%w: %s: %w", ErrMissingContextFile, f.Path, err)
			}
			prepLogger.Error("Skipping usages in unreadable file", "path", f.Path, "error", err)
			if r.Skipped == nil {
				r.Skipped = make(map[string]error)
			}
			r.Skipped[f.Path] = err
			continue
		}
		groups, dropped := clipGroups(f.Groups, len(fileLines))
		if dropped > 0 {
			prepLogger.Error("Dropping usages outside file", "path", f.Path, "dropped", dropped, "file_lines", len(fileLines))
		}
		if len(groups) == 0 {
			if r.Skipped == nil {
				r.Skipped = make(map[string]error)
			}
			r.Skipped[f.Path] = fmt.Errorf("%w: %s has %d lines", ErrUsagePastEOF, f.Path, len(fileLines))
			continue
		}
		f.Groups = groups
		f.Shown = make([][]ShownLine, len(f.Groups))
		maxLine := 0
		for i, g := range f.Groups {
			f.Shown[i] = PrepareGroup(g, fileLines)
			if n := len(f.Shown[i]); n > 0 && f.Shown[i][n-1].Number > maxLine {
				maxLine = f.Shown[i][n-1].Number
			}
		}
		f.Width = digitCount(maxLine)
		kept = append(kept, f)
	}
	r.Files = kept
}

// RenderUsageReport formats a prepared report: a header per file, matched lines
// as "%*d: text", context lines as "%*d  text" and ".." between groups.
func RenderUsageReport(r *UsageReport) string {
	var b strings.Builder
	for i, f := range r.Files {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Path)
		b.WriteString(":\n")
		for gi, shown := range f.Shown {
			if gi > 0 {
				b.WriteString("..\n")
			}
			for _, l := range shown {
				if l.Matched {
					fmt.Fprintf(&b, "%*d: %s\n", f.Width, l.Number, l.Text)
				} else {
					fmt.Fprintf(&b, "%*d  %s\n", f.Width, l.Number, l.Text)
				}
			}
		}
	}
	return b.String()
}

// OverlayLineSource serves the open buffer from memory and everything else from Base.
type OverlayLineSource struct {
	Path   string
	Buffer []string
	Base   LineSource
}

// Lines implements LineSource.
func (o OverlayLineSource) Lines(path string) ([]string, error) {
	if o.Path != "" && path == o.Path {
		return o.Buffer, nil
	}
	if o.Base == nil {
		return nil, fmt.Errorf("%w: %s", fs.ErrNotExist, path)
	}
	return o.Base.Lines(path)
}
