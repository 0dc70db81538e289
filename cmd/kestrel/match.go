package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matcher"
)

func newMatchCmd(a *app) *cobra.Command {
	var (
		sourcePath string
		targetPath string
		output     string
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Join a source/target pair and list empty or absent fields",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMatch(cmd.OutOrStdout(), a.cfg, sourcePath, targetPath, output)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sourcePath, "source", "", "Source dataset")
	f.StringVar(&targetPath, "target", "", "Target dataset")
	f.StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runMatch(out io.Writer, cfg *domain.Config, sourcePath, targetPath, output string) error {
	source, target, err := readPair(sourcePath, targetPath)
	if err != nil {
		return err
	}
	res, err := matcher.MatchWith(source, target, matchOptions(cfg))
	if err != nil {
		return describeValidation(err)
	}

	switch output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"records":    len(res.Records),
			"mismatches": res.Mismatches,
		})
	case "table":
		fmt.Fprintf(out, "Joined %d records\n", len(res.Records))
		renderMismatches(out, res.Mismatches)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}
