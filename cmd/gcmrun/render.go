package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/spachava753/gcmrun/internal/config"
	"github.com/spachava753/gcmrun/internal/namelist"
)

func newRenderCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "render <experiment.yaml>",
		Short: "write input.nml and diag_table without running the model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadExperiment(args[0])
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.LogLevel); err != nil {
				return err
			}

			c, err := config.Prepare(cfg)
			if err != nil {
				return err
			}
			groups, err := c.Effective()
			if err != nil {
				return err
			}
			schema := c.Schema
			writeNamelist := func(w io.Writer) (int64, error) { return namelist.Encode(w, groups) }

			if outDir == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "--- input.nml")
				if _, err := writeNamelist(cmd.OutOrStdout()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "--- diag_table")
				_, err = schema.WriteTo(cmd.OutOrStdout())
				return err
			}

			if err := os.MkdirAll(outDir, 0755); err != nil {
				return err
			}
			if err := writeFile(filepath.Join(outDir, "input.nml"), writeNamelist); err != nil {
				return err
			}
			if err := writeFile(filepath.Join(outDir, "diag_table"), schema.WriteTo); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", filepath.Join(outDir, "input.nml"), filepath.Join(outDir, "diag_table"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to write into (default: print to stdout)")
	return cmd
}

func newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates [name]",
		Short: "list built-in namelist templates, or print one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				for _, name := range config.ListTemplates() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}
			set, err := config.LoadTemplate(args[0])
			if err != nil {
				return err
			}
			_, err = set.WriteTo(cmd.OutOrStdout())
			return err
		},
	}
}

func writeFile(path string, write func(io.Writer) (int64, error)) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
