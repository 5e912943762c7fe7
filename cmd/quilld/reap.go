package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openrecords/quill/caselock"
	"github.com/openrecords/quill/graph/emit"
	"github.com/openrecords/quill/store"
)

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one reaper pass over stale runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			reaper := caselock.NewReaper(st, emit.NewLogEmitter(os.Stdout, false))
			n, err := reaper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reaped %d run(s)\n", n)
			return nil
		},
	}
}
