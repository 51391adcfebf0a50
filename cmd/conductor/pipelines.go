package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/conductor/internal/pipeline"
)

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "Inspect pipeline definitions",
}

var pipelinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the pipelines in the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defs, err := configuredDefinitions(cfg.Pipelines, cfg.Pipeline.DefinitionsFile)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(defs) == 0 {
			fmt.Fprintln(out, "No pipelines configured.")
			return nil
		}
		for _, def := range defs {
			fmt.Fprintf(out, "%s  %s\n", bold(def.Name), faint(def.ErrorMode.String()))
			if def.Description != "" {
				fmt.Fprintf(out, "  %s\n", def.Description)
			}
			fmt.Fprintf(out, "  %s\n", strings.Join(stageNames(def.Stages), " → "))
		}
		return nil
	},
}

var pipelinesValidateCmd = &cobra.Command{
	Use:   "validate <definitions.yaml>...",
	Short: "Validate pipeline definition files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		var failed int
		for _, path := range args {
			defs, err := pipeline.LoadDefinitions(path)
			if err != nil {
				failed++
				fmt.Fprintf(out, "%s %s: %v\n", failMark, path, err)
				continue
			}
			fmt.Fprintf(out, "%s %s: %d pipelines\n", okMark, path, len(defs))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files invalid", failed, len(args))
		}
		return nil
	},
}

func init() {
	pipelinesCmd.AddCommand(pipelinesListCmd)
	pipelinesCmd.AddCommand(pipelinesValidateCmd)
}

func configuredDefinitions(inline []*pipeline.Definition, file string) ([]*pipeline.Definition, error) {
	defs := append([]*pipeline.Definition(nil), inline...)
	if file == "" {
		return defs, nil
	}
	extra, err := pipeline.LoadDefinitions(file)
	if err != nil {
		return nil, err
	}
	return append(defs, extra...), nil
}
