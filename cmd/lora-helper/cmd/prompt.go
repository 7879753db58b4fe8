package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go-lora-helper/internal/config"
	"go-lora-helper/internal/database"
	"go-lora-helper/internal/prompt"

	"github.com/spf13/cobra"
)

var (
	promptBlacklistFlag []string
	promptWhitelistFlag []string
	promptCatalogFlag   bool
)

var promptCmd = &cobra.Command{
	Use:   "prompt [TEXT]",
	Short: "Filter prompt tags with a blacklist and whitelist",
	Long: `Splits prompt text on commas, removes blacklisted words, keeps only tags matching
the whitelist (when one is set) and drops duplicate tags. Text is read from the
arguments or, when none are given, from stdin. With --catalog the trained words of
every catalogued model are filtered instead.`,
	RunE: runPrompt,
}

func init() {
	rootCmd.AddCommand(promptCmd)

	promptCmd.Flags().StringSliceVar(&promptBlacklistFlag, "blacklist", nil, "Words to remove (overrides config)")
	promptCmd.Flags().StringSliceVar(&promptWhitelistFlag, "whitelist", nil, "Only keep tags containing one of these words (overrides config)")
	promptCmd.Flags().BoolVar(&promptCatalogFlag, "catalog", false, "Filter the trained words of catalogued models")
}

func promptCliFlags(cmd *cobra.Command) *config.CliPromptFlags {
	f := cmd.Flags()
	return &config.CliPromptFlags{
		Blacklist: changedStrings(f.Changed("blacklist"), &promptBlacklistFlag),
		Whitelist: changedStrings(f.Changed("whitelist"), &promptWhitelistFlag),
	}
}

func runPrompt(cmd *cobra.Command, args []string) error {
	f := prompt.NewFilter(globalConfig.Prompt.Blacklist, globalConfig.Prompt.Whitelist)
	out := cmd.OutOrStdout()

	if promptCatalogFlag {
		db, err := openCatalog(globalConfig)
		if err != nil {
			return err
		}
		defer db.Close()
		return filterCatalogWords(out, db, f)
	}

	text := strings.Join(args, " ")
	if len(args) == 0 {
		in := cmd.InOrStdin()
		if in == os.Stdin && stdinIsTerminal() {
			return fmt.Errorf("no prompt text given")
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("reading prompt from stdin: %w", err)
		}
		text = string(data)
	}
	fmt.Fprintln(out, f.Apply(text))
	return nil
}

// filterCatalogWords prints the filtered trained words per catalogued model.
func filterCatalogWords(w io.Writer, db *database.DB, f *prompt.Filter) error {
	entries, err := db.ListEntries(database.EntryFilter{})
	if err != nil {
		return err
	}
	for _, entry := range entries {
		words := f.ApplyAll(entry.TrainedWords)
		if len(words) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", entry.DisplayName(), strings.Join(words, ", "))
	}
	return nil
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
