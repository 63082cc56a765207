package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ncolesummers/document-ingestor/internal/searcher"
)

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var (
		limit    int
		source   string
		minScore float64
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed chunks by similarity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			resp, err := searcher.NewSearcher(b.index, b.emb).Search(ctx, searcher.SearchRequest{
				Query:    strings.Join(args, " "),
				Limit:    limit,
				Source:   source,
				MinScore: minScore,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp.Results)
			}
			if len(resp.Results) == 0 {
				fmt.Fprintln(out, "no results")
				return nil
			}
			for _, r := range resp.Results {
				fmt.Fprintf(out, "%d. %s %s\n", r.Rank, color.GreenString("%.3f", r.Score), color.CyanString(r.URI))
				if r.Title != "" {
					fmt.Fprintf(out, "   %s\n", r.Title)
				}
				fmt.Fprintf(out, "   %s\n\n", snippet(r.Text, 200))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", searcher.DefaultLimit, "maximum results")
	cmd.Flags().StringVarP(&source, "source", "s", "", "only return chunks from this source")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "minimum cosine similarity")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

// snippet collapses whitespace and truncates to n runes
func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
