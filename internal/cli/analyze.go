package cli

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jar-analysis/jar-analysis-go/internal/worker"
	"github.com/spf13/cobra"
)

func analyzeCmd(factory EnvFactory) *cobra.Command {
	var outputDir string
	cmd := &cobra.Command{
		Use:   "analyze <archive>",
		Short: "Decompile every class, run string recovery and print a JSON summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := factory(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			if !cmd.Flags().Changed("output-dir") {
				outputDir = env.Config.Workspace.OutputDir
			}
			base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			job := &worker.Job{ID: base + "-" + uuid.New().String()[:8], ArchivePath: args[0]}

			summary, err := worker.NewAnalyzer(env.Sessions, outputDir, env.Logger).Analyze(cmd.Context(), job)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for the summary file (workspace.output_dir when unset, empty string disables)")
	return cmd
}
