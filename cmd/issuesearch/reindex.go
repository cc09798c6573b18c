package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/nainya/issuesearch/pkg/search"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the persistent indexes from the primary store",
	Long: `Re-derives every permission document and issue document from the primary
store and drains the index queue. Only useful with --index-dir, since
in-memory indexes are rebuilt by serve anyway.`,
	RunE: runReindex,
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := openStack(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	start := time.Now()
	if err := search.Bootstrap(cmd.Context(), st.perms, st.indexer); err != nil {
		return err
	}
	n, err := st.issues.DocCount()
	if err != nil {
		return err
	}
	log.Info("reindex complete").
		Uint64("issues", n).
		Dur("duration_ms", time.Since(start)).
		Send()
	return nil
}
