package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/jkaninda/mlbench/internal/action"
)

// DefaultRemovedFromPrompt lists actions hidden from the prompt unless
// explicitly added back. Names absent from the registry are ignored.
var DefaultRemovedFromPrompt = []string{
	"Read File",
	"Write File",
	"Append File",
	"Retrieval from Research Log",
	"Append Summary to Research Log",
	"Python REPL",
	"Edit Script Segment (AI)",
}

// PromptActions returns the registry names to describe to the agent:
// registry order, minus the default and configured removals, followed by
// the configured additions.
func PromptActions(all, remove, add []string) []string {
	removed := make(map[string]bool, len(DefaultRemovedFromPrompt)+len(remove))
	for _, n := range DefaultRemovedFromPrompt {
		removed[n] = true
	}
	for _, n := range remove {
		removed[n] = true
	}

	names := make([]string, 0, len(all)+len(add))
	for _, n := range all {
		if !removed[n] {
			names = append(names, n)
		}
	}
	return append(names, add...)
}

// ToolsPrompt renders the tool section of an agent prompt. Unknown names
// are skipped.
func ToolsPrompt(names []string, reg *action.Registry) string {
	var b strings.Builder
	for _, name := range names {
		info, ok := reg.Lookup(name)
		if !ok {
			continue
		}
		entries := make([]string, len(info.Usage))
		for i, p := range info.Usage {
			entries[i] = fmt.Sprintf("%q: [%s]", p.Name, p.Description)
		}
		fmt.Fprintf(&b, "- %s:\n        %s\n", name, info.Description)
		b.WriteString("        Usage:\n        ```\n")
		fmt.Fprintf(&b, "        Action: %s\n", name)
		b.WriteString("        Action Input: {\n            ")
		b.WriteString(strings.Join(entries, ",\n            "))
		b.WriteString("\n        }\n")
		fmt.Fprintf(&b, "        Observation: [%s]\n        ```\n\n", info.ReturnValue)
	}
	return b.String()
}

// WriteMainLogHeader starts the agent log with the enabled tool names.
func WriteMainLogHeader(path string, names []string) error {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	header := "Enabled Tools in Prompt:[" + strings.Join(quoted, ", ") + "]\n" +
		"================================Start=============================\n"
	return os.WriteFile(path, []byte(header), 0644)
}
