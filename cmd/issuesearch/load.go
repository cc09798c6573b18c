package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nainya/issuesearch/pkg/indexer"
	"github.com/nainya/issuesearch/pkg/store"
)

var loadCmd = &cobra.Command{
	Use:   "load FILE",
	Short: "Seed the primary store from a YAML fixture",
	Long: `Applies a YAML fixture (users, groups, rules, components, permissions,
issues and comments) in one transaction and indexes what it touched.`,
	Args: cobra.ExactArgs(1),
	RunE: runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	fixture, err := store.DecodeFixture(f)
	if err != nil {
		return err
	}

	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := openStack(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	change, err := st.indexer.CommitAndIndex(cmd.Context(), func(tx *store.Tx) (*indexer.Change, error) {
		applied, err := fixture.Apply(tx)
		if err != nil {
			return nil, err
		}
		return &indexer.Change{IssueKeys: applied.IssueKeys, ProjectUUIDs: applied.ProjectUUIDs}, nil
	})
	if err != nil {
		return fmt.Errorf("load %s: %w", args[0], err)
	}
	log.Info("fixture loaded").
		Str("file", args[0]).
		Int("issues", len(change.IssueKeys)).
		Int("projects", len(change.ProjectUUIDs)).
		Send()
	return nil
}
