package security

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
)

// CommandFilter wraps a Tengo script as an extra validation rule. Operators
// drop .tengo files into the filter directory to encode site policy without
// rebuilding the binary. Scripts run in a sandboxed VM with only safe
// stdlib modules.
type CommandFilter struct {
	name        string
	description string
	scriptBytes []byte
	compiled    *tengo.Compiled // pre-compiled wrapper for Clone()-based execution
}

// Verdict is a filter's judgement of one command.
type Verdict struct {
	Block  bool
	Reason string
	Score  int
}

// safeModules are the only Tengo stdlib modules available to filters.
// No file I/O, no network, no OS access.
var safeModules = stdlib.GetModuleMap("text", "fmt", "math", "times")

// LoadCommandFilter compiles a .tengo file and extracts metadata.
// The script must define: name (string), description (string),
// inspect (function taking the command string, returning a map with
// optional keys block/bool, reason/string, score/int).
func LoadCommandFilter(path string) (*CommandFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter script %s: %w", path, err)
	}

	script := tengo.NewScript(data)
	script.SetImports(safeModules)
	script.SetMaxAllocs(10_000_000)

	compiled, err := script.Run()
	if err != nil {
		return nil, fmt.Errorf("compile filter script %s: %w", path, err)
	}

	nameVar := compiled.Get("name")
	if nameVar.IsUndefined() {
		return nil, fmt.Errorf("filter script %s: missing 'name' variable", path)
	}
	descVar := compiled.Get("description")
	if descVar.IsUndefined() {
		return nil, fmt.Errorf("filter script %s: missing 'description' variable", path)
	}
	if compiled.Get("inspect").IsUndefined() {
		return nil, fmt.Errorf("filter script %s: missing 'inspect' function", path)
	}

	f := &CommandFilter{
		name:        nameVar.String(),
		description: descVar.String(),
		scriptBytes: data,
	}
	if err := f.precompile(); err != nil {
		return nil, err
	}
	return f, nil
}

// Name returns the filter's declared name.
func (f *CommandFilter) Name() string { return f.name }

// Description returns the filter's declared description.
func (f *CommandFilter) Description() string { return f.description }

// precompile builds the wrapper script and compiles it once. Compile()
// rather than Run() so inspect is not invoked at load time; the result is
// cloned per Inspect call, avoiding recompilation.
func (f *CommandFilter) precompile() error {
	wrapper := fmt.Sprintf(`%s
__verdict__ := inspect(__command__)
`, string(f.scriptBytes))

	script := tengo.NewScript([]byte(wrapper))
	script.SetImports(safeModules)
	script.SetMaxAllocs(10_000_000)
	_ = script.Add("__command__", "")

	compiled, err := script.Compile()
	if err != nil {
		return fmt.Errorf("precompile filter %s: %w", f.name, err)
	}
	f.compiled = compiled
	return nil
}

// Inspect runs the filter against a command. Script errors and panics
// degrade to a pass-through verdict so a broken filter never blocks
// legitimate use.
func (f *CommandFilter) Inspect(command string) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[security] panic in filter %s: %v", f.name, r)
			v = Verdict{}
		}
	}()

	c := f.compiled.Clone()
	if err := c.Set("__command__", command); err != nil {
		return Verdict{}
	}
	if err := c.Run(); err != nil {
		log.Printf("[security] filter %s failed: %v", f.name, err)
		return Verdict{}
	}

	result := c.Get("__verdict__")
	if result.IsUndefined() {
		return Verdict{}
	}
	m, ok := result.Value().(map[string]interface{})
	if !ok {
		return Verdict{}
	}
	if b, ok := m["block"].(bool); ok {
		v.Block = b
	}
	if r, ok := m["reason"].(string); ok {
		v.Reason = r
	}
	switch s := m["score"].(type) {
	case int64:
		v.Score = int(s)
	case int:
		v.Score = s
	}
	return v
}

// LoadFilterDir loads all .tengo files from a directory. Files that fail
// to load are returned as errors but don't prevent loading others.
func LoadFilterDir(dir string) ([]*CommandFilter, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("read filter dir %s: %w", dir, err)}
	}

	var filters []*CommandFilter
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tengo") {
			continue
		}
		f, err := LoadCommandFilter(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		filters = append(filters, f)
	}
	return filters, errs
}
