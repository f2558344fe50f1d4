package msfparse

import (
	"fmt"
	"regexp"
	"strings"
)

// probe pairs a detection predicate with its extractor. Probes run in
// order; the first match wins. Errors probe first so error output is never
// misread as data.
type probe struct {
	name    string
	detect  func(string) bool
	extract func(string) ParsedOutput
}

// Parser is the strategy-ordered output classifier. The zero value is not
// usable; construct with New.
type Parser struct {
	probes []probe
}

// New builds a Parser with the standard probe order:
// error, version, list, table, info block.
func New() *Parser {
	p := &Parser{}
	p.probes = []probe{
		{"error", detectError, extractError},
		{"version", detectVersion, extractVersion},
		{"list", detectList, extractList},
		{"table", detectTable, extractTable},
		{"info_block", detectInfoBlock, extractInfoBlock},
	}
	return p
}

// Parse classifies s and extracts structured data. It is total: every
// input yields a ParsedOutput, and a RAW result always carries the input
// verbatim in Data.
func (p *Parser) Parse(s string) (out ParsedOutput) {
	// Extractor panics degrade to raw passthrough.
	defer func() {
		if r := recover(); r != nil {
			out = ParsedOutput{
				Type:         TypeRaw,
				Success:      true,
				Data:         s,
				Raw:          s,
				ErrorMessage: fmt.Sprintf("parse degraded to raw: %v", r),
			}
		}
	}()

	if strings.TrimSpace(s) == "" {
		return ParsedOutput{
			Type:         TypeRaw,
			Success:      false,
			Data:         s,
			Raw:          s,
			ErrorMessage: "Empty output",
		}
	}

	for _, pr := range p.probes {
		if pr.detect(s) {
			return pr.extract(s)
		}
	}

	return ParsedOutput{Type: TypeRaw, Success: true, Data: s, Raw: s}
}

// ---------------------------------------------------------------------------
// Error output
// ---------------------------------------------------------------------------

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)\[-\]\s*unknown command`),
	regexp.MustCompile(`(?im)\[-\].*error`),
	regexp.MustCompile(`(?im)\[-\].*failed`),
	regexp.MustCompile(`(?m)Error:`),
	regexp.MustCompile(`(?im)not found`),
}

func detectError(s string) bool {
	for _, re := range errorPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func extractError(s string) ParsedOutput {
	var errLines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "[-]"):
			errLines = append(errLines, strings.TrimSpace(line[3:]))
		case strings.Contains(strings.ToLower(line), "error"),
			strings.Contains(strings.ToLower(line), "failed"):
			errLines = append(errLines, line)
		}
	}

	msg := "Unknown error"
	if len(errLines) > 0 {
		msg = strings.Join(errLines, " | ")
	}
	return ParsedOutput{
		Type:         TypeError,
		Success:      false,
		Data:         ErrorDetail{Errors: errLines},
		Raw:          s,
		ErrorMessage: msg,
	}
}

// ---------------------------------------------------------------------------
// Version output
// ---------------------------------------------------------------------------

var (
	versionDetect = []*regexp.Regexp{
		regexp.MustCompile(`(?i)framework:\s*\d+\.\d+`),
		regexp.MustCompile(`(?i)console\s*:\s*\d+\.\d+`),
	}
	versionFields = map[string]*regexp.Regexp{
		"framework": regexp.MustCompile(`(?i)framework:\s*([^\n\r]+)`),
		"console":   regexp.MustCompile(`(?i)console\s*:\s*([^\n\r]+)`),
		"ruby":      regexp.MustCompile(`(?i)ruby\s*:\s*([^\n\r]+)`),
	}
)

func detectVersion(s string) bool {
	for _, re := range versionDetect {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func extractVersion(s string) ParsedOutput {
	data := make(map[string]string)
	for key, re := range versionFields {
		if m := re.FindStringSubmatch(s); m != nil {
			data[key] = strings.TrimSpace(m[1])
		}
	}
	return ParsedOutput{Type: TypeVersionInfo, Success: true, Data: data, Raw: s}
}

// ---------------------------------------------------------------------------
// List output (workspace listings and similar)
// ---------------------------------------------------------------------------

var listPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)workspaces\s*\n={3,}`),
	regexp.MustCompile(`(?m)^\*\s+\w+`),
}

func detectList(s string) bool {
	for _, re := range listPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func extractList(s string) ParsedOutput {
	var items []ListItem
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || separatorLine.MatchString(line) || strings.EqualFold(line, "workspaces") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "*"); ok {
			items = append(items, ListItem{Name: strings.TrimSpace(rest), Current: true})
		} else {
			items = append(items, ListItem{Name: line})
		}
	}
	return ParsedOutput{
		Type:     TypeList,
		Success:  true,
		Data:     items,
		Raw:      s,
		Metadata: &Metadata{Count: len(items)},
	}
}

// ---------------------------------------------------------------------------
// Helpers shared by the table and info-block extractors
// ---------------------------------------------------------------------------

// splitMaxFields splits on runs of whitespace into at most n fields, the
// last field absorbing the remainder of the line.
func splitMaxFields(line string, n int) []string {
	if n <= 0 {
		return nil
	}
	var fields []string
	rest := strings.TrimSpace(line)
	for len(fields) < n-1 {
		idx := strings.IndexFunc(rest, isSpace)
		if idx < 0 {
			break
		}
		fields = append(fields, rest[:idx])
		rest = strings.TrimLeftFunc(rest[idx:], isSpace)
	}
	if rest != "" {
		fields = append(fields, rest)
	}
	return fields
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' }

var separatorLine = regexp.MustCompile(`^[\s\-=]+$`)
