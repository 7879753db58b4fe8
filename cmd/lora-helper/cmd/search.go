package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"go-lora-helper/internal/index"

	"github.com/spf13/cobra"
)

var searchLimitFlag int

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search the catalog index",
	Long: `Runs a full text query against the search index. Bleve query string syntax is
supported, e.g. "cape", "baseModel:Pony" or "+trainedWords:cape -modelName:villain".`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVarP(&searchLimitFlag, "limit", "n", 20, "Maximum number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	idx, err := openSearchIndex(globalConfig)
	if err != nil {
		return err
	}
	defer idx.Close()

	hits, err := index.Search(idx, strings.Join(args, " "), searchLimitFlag)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No matches.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Score\tName\tBase Model\tPath")
	fmt.Fprintln(tw, "-----\t----\t----------\t----")
	for _, hit := range hits {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\n", hit.Score, hit.Name, hit.BaseModel, hit.Path)
	}
	return tw.Flush()
}
