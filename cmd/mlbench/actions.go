package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/mlbench/internal/action"
	"github.com/jkaninda/mlbench/internal/agent"
	"github.com/jkaninda/mlbench/internal/config"
	"github.com/jkaninda/mlbench/internal/executor"
)

var (
	actionsPrompt bool
	actionsJSON   bool
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Print the action table",
	Long: `Print every registered action, or with --prompt only the actions
selected for the agent prompt (defaults minus actions.remove_from_prompt,
plus actions.add_to_prompt), rendered as the prompt's tool section.`,
	RunE: runActions,
}

func init() {
	actionsCmd.Flags().BoolVar(&actionsPrompt, "prompt", false, "only the actions selected for the prompt")
	actionsCmd.Flags().BoolVar(&actionsJSON, "json", false, "print the schema as JSON")
}

func runActions(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return printActions(os.Stdout, cfg, actionsPrompt, actionsJSON, newLogger(cfg.Logging))
}

// printActions registers the action table without a sandbox and prints it.
func printActions(w io.Writer, cfg *config.Config, promptOnly, asJSON bool, logger *slog.Logger) error {
	reg := action.NewRegistry()
	executor.New(nil, nil, logger).Register(reg)
	reg.Freeze()

	var names []string
	if promptOnly {
		names = agent.PromptActions(reg.Names(), cfg.Actions.RemoveFromPrompt, cfg.Actions.AddToPrompt)
	} else {
		names = reg.Names()
	}

	if !asJSON {
		_, err := fmt.Fprint(w, agent.ToolsPrompt(names, reg))
		return err
	}

	infos := make([]action.Info, 0, len(names))
	for _, name := range names {
		if info, ok := reg.Lookup(name); ok {
			infos = append(infos, info)
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(action.SchemaOf(infos))
}
