package msfparse

import (
	"regexp"
	"strings"
)

var infoBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*Name:\s*`),
	regexp.MustCompile(`(?m)^\s+Module:\s*`),
	regexp.MustCompile(`(?m)Basic options:\s*$`),
}

func detectInfoBlock(s string) bool {
	for _, re := range infoBlockPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// extractInfoBlock walks the output with a section state machine: leading
// key/value metadata, then "Basic options:", "Available targets:", and
// "Description:" subsections.
func extractInfoBlock(s string) ParsedOutput {
	block := &InfoBlock{Metadata: make(map[string]string)}
	section := "metadata"

	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "Basic options:"):
			section = "options"
			continue
		case strings.HasPrefix(line, "Available targets:"):
			section = "targets"
			continue
		case strings.HasPrefix(line, "Description:"):
			section = "description"
			continue
		}

		switch section {
		case "metadata":
			if key, value, ok := strings.Cut(line, ":"); ok {
				k := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
				block.Metadata[k] = strings.TrimSpace(value)
			}
		case "options":
			if strings.HasPrefix(line, "Name") || separatorLine.MatchString(line) {
				continue
			}
			parts := splitMaxFields(line, 4)
			if len(parts) >= 3 {
				opt := Option{Name: parts[0], CurrentSetting: parts[1], Required: parts[2]}
				if len(parts) > 3 {
					opt.Description = parts[3]
				}
				block.Options = append(block.Options, opt)
			}
		case "targets":
			if strings.HasPrefix(line, "Id") || separatorLine.MatchString(line) {
				continue
			}
			parts := splitMaxFields(line, 2)
			if len(parts) >= 2 {
				block.Targets = append(block.Targets, Target{ID: parts[0], Name: parts[1]})
			}
		case "description":
			if block.Description != "" {
				block.Description += " "
			}
			block.Description += line
		}
	}

	return ParsedOutput{
		Type:     TypeInfoBlock,
		Success:  true,
		Data:     block,
		Raw:      s,
		Metadata: &Metadata{Sections: []string{"metadata", "options", "targets", "description"}},
	}
}
