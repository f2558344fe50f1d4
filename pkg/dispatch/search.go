package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/msfmcp/msfmcp/pkg/duration"
	"github.com/msfmcp/msfmcp/pkg/jsonutil"
	"github.com/msfmcp/msfmcp/pkg/msfparse"
)

const (
	defaultPerPage = 20
	maxPerPage     = 50

	// maxSearchBytes bounds the serialized module list handed back to
	// MCP clients, which pay per token.
	maxSearchBytes = 20 * 1024
)

// SearchResult is one page of module search output.
type SearchResult struct {
	Query     string         `json:"query"`
	Page      int            `json:"page"`
	PerPage   int            `json:"per_page"`
	Total     int            `json:"total"`
	Modules   []msfparse.Row `json:"modules"`
	Truncated bool           `json:"truncated,omitempty"`
	Mode      string         `json:"mode_used"`
}

// SearchModules runs a module search and paginates the parsed table.
func (d *Dispatcher) SearchModules(ctx context.Context, query string, page, perPage int) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	res := d.ExecuteCommand(ctx, "search "+query, ExecOptions{
		Timeout: duration.CommandSearch,
		Source:  "search_modules",
	})
	if res.Blocked {
		return nil, fmt.Errorf("search blocked: %s", strings.Join(res.BlockedReasons, "; "))
	}
	if !res.Success && res.Error != "" && res.Parsed.Type != msfparse.TypeTable {
		return nil, fmt.Errorf("search failed: %s", res.Error)
	}

	rows, _ := res.Parsed.Data.([]msfparse.Row)
	out := &SearchResult{
		Query:   query,
		Page:    page,
		PerPage: perPage,
		Total:   len(rows),
		Mode:    res.Mode,
	}

	start := (page - 1) * perPage
	if start < len(rows) {
		end := min(start+perPage, len(rows))
		out.Modules = rows[start:end]
	}

	// Trim oversized pages rather than blowing the client's context.
	for len(out.Modules) > 1 {
		data, err := jsonutil.Marshal(out.Modules)
		if err != nil || len(data) <= maxSearchBytes {
			break
		}
		out.Modules = out.Modules[:len(out.Modules)/2]
		out.Truncated = true
	}
	return out, nil
}
