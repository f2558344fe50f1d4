// Package msfparse classifies raw Metasploit console output and extracts
// structured records. Parsing is a pure function: no I/O, no errors, no
// panics escape. Anything the classifier cannot handle degrades to RAW with
// the original text preserved.
package msfparse

// OutputType classifies a block of console output.
type OutputType string

const (
	// TypeTable is columnar output such as search results or option lists.
	TypeTable OutputType = "table"
	// TypeList is line-oriented output such as workspace listings.
	TypeList OutputType = "list"
	// TypeInfoBlock is multi-section module info output.
	TypeInfoBlock OutputType = "info_block"
	// TypeError is output dominated by console error markers.
	TypeError OutputType = "error"
	// TypeVersionInfo is `version` command output.
	TypeVersionInfo OutputType = "version_info"
	// TypeRaw is the passthrough fallback.
	TypeRaw OutputType = "raw"
)

// Row is one table record keyed by canonical column name.
type Row map[string]string

// ListItem is one entry of a list output. Current marks the `*` entry in
// workspace listings.
type ListItem struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
}

// Option is one module option row.
type Option struct {
	Name           string `json:"name"`
	CurrentSetting string `json:"current_setting"`
	Required       string `json:"required"`
	Description    string `json:"description"`
}

// Target is one exploit target row.
type Target struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// InfoBlock is the structured form of `info` output.
type InfoBlock struct {
	Metadata    map[string]string `json:"metadata"`
	Options     []Option          `json:"options"`
	Targets     []Target          `json:"targets"`
	Description string            `json:"description"`
}

// ErrorDetail carries the extracted error lines of an ERROR classification.
type ErrorDetail struct {
	Errors []string `json:"errors"`
}

// Metadata describes the shape of the extracted data.
type Metadata struct {
	TableType string   `json:"table_type,omitempty"`
	Headers   []string `json:"headers,omitempty"`
	Count     int      `json:"count,omitempty"`
	Sections  []string `json:"sections,omitempty"`
}

// ParsedOutput is the classifier result. Data holds []Row, []ListItem,
// *InfoBlock, map[string]string (version), ErrorDetail, or the raw string
// depending on Type. Immutable once returned.
type ParsedOutput struct {
	Type         OutputType `json:"output_type"`
	Success      bool       `json:"success"`
	Data         any        `json:"data"`
	Raw          string     `json:"raw_output"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Metadata     *Metadata  `json:"metadata,omitempty"`
}
