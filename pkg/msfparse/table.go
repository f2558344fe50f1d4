package msfparse

import (
	"regexp"
	"strings"
)

var tablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^.*\n.*={3,}.*$`),
	regexp.MustCompile(`(?m)^\s*#\s+Name\s+`),
	regexp.MustCompile(`(?m)^\s*Id\s+Name\s*$`),
	regexp.MustCompile(`(?m)^\s*Name\s+Current Setting`),
}

func detectTable(s string) bool {
	// Module info carries an embedded options table; let the info-block
	// probe claim it instead.
	for _, re := range infoBlockPatterns {
		if re.MatchString(s) {
			return false
		}
	}
	for _, re := range tablePatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

var (
	headerKnown   = regexp.MustCompile(`^\s*#\s+Name|^\s*Name\s+.*Setting|^\s*Id\s+Name\s*$`)
	columnGap     = regexp.MustCompile(`\s{2,}`)
	interactNote  = "Interact with"
	descriptionAt = "Description:"
)

// extractTable locates the header row, maps its vocabulary to canonical
// field names, and splits data rows by column count. Unknown layouts get a
// generic positional mapping; an undetectable structure degrades to RAW.
func extractTable(s string) ParsedOutput {
	lines := strings.Split(s, "\n")

	headerIdx := -1
	for i, line := range lines {
		if headerKnown.MatchString(line) {
			headerIdx = i
			break
		}
	}
	if headerIdx == -1 {
		// Fallback: first line that looks like several column names.
		for i, line := range lines {
			words := strings.Fields(line)
			if len(words) >= 3 && !strings.HasPrefix(strings.TrimSpace(line), "#") &&
				len(words[0]) > 1 && len(words[1]) > 1 && len(words[2]) > 1 {
				headerIdx = i
				break
			}
		}
	}
	if headerIdx == -1 {
		return ParsedOutput{
			Type:         TypeRaw,
			Success:      false,
			Data:         s,
			Raw:          s,
			ErrorMessage: "Could not detect table structure",
		}
	}

	headers := headerColumns(lines[headerIdx])
	tableType := classifyTable(headers)

	// Skip the header and any separator rows beneath it.
	dataStart := headerIdx + 1
	for dataStart < len(lines) && separatorLine.MatchString(lines[dataStart]) && strings.TrimSpace(lines[dataStart]) != "" {
		dataStart++
	}

	var rows []Row
	for _, line := range lines[dataStart:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if tableType == "generic" {
				continue
			}
			break
		}
		if strings.HasPrefix(trimmed, interactNote) || strings.HasPrefix(trimmed, descriptionAt) {
			break
		}
		if separatorLine.MatchString(trimmed) {
			continue
		}

		parts := splitMaxFields(trimmed, len(headers))
		if len(parts) < 2 {
			continue
		}
		row := make(Row, len(headers))
		for i, h := range headers {
			if i < len(parts) {
				row[h] = parts[i]
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}

	return ParsedOutput{
		Type:    TypeTable,
		Success: true,
		Data:    rows,
		Raw:     s,
		Metadata: &Metadata{
			TableType: tableType,
			Headers:   headers,
			Count:     len(rows),
		},
	}
}

// headerColumns splits a header row on two-or-more-space gaps so multi-word
// column names ("Disclosure Date", "Current Setting") stay intact, then
// canonicalizes each name.
func headerColumns(header string) []string {
	cols := columnGap.Split(strings.TrimSpace(header), -1)
	if len(cols) < 2 {
		cols = strings.Fields(header)
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		out = append(out, canonicalHeader(c))
	}
	return out
}

func canonicalHeader(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "#" {
		return "index"
	}
	return strings.ReplaceAll(name, " ", "_")
}

func classifyTable(headers []string) string {
	has := func(name string) bool {
		for _, h := range headers {
			if h == name {
				return true
			}
		}
		return false
	}
	switch {
	case has("index") && has("name"):
		return "module_search"
	case has("name") && has("current_setting"):
		return "options"
	default:
		return "generic"
	}
}
