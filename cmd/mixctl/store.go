package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mixer-backend/storage"
)

var (
	flagPrefix string
	flagAll    bool
	flagOut    string
	flagKeep   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every store entry, optionally only those under one prefix",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(store *storage.BadgerStore) error {
			entries, err := storage.Dump(cmd.Context(), store)
			if err != nil {
				return err
			}
			if flagPrefix != "" {
				filtered := entries[:0]
				for _, e := range entries {
					if len(e.Key) > 0 && e.Key[0] == flagPrefix {
						filtered = append(filtered, e)
					}
				}
				entries = filtered
			}
			return printJSON(cmd.OutOrStdout(), entries)
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete queue, ceremony and blacklist state; --all also deletes history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		prefixes := storage.MutableStatePrefixes()
		if flagAll {
			prefixes = storage.AllPrefixes()
		}
		return withStore(func(store *storage.BadgerStore) error {
			c := storage.NewCommit()
			n, err := storage.StageClear(cmd.Context(), store, c, prefixes)
			if err != nil {
				return err
			}
			if err := store.AtomicCommit(cmd.Context(), c); err != nil {
				return fmt.Errorf("could not clear store: %w", err)
			}
			names := make([]string, len(prefixes))
			for i, p := range prefixes {
				names[i] = p.String()
			}
			log.Info().Int("deleted", n).Str("prefixes", strings.Join(names, " ")).Msg("store cleared")
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a snapshot of the store to --out, or next to the daemon's periodic snapshots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(store *storage.BadgerStore) error {
			path := flagOut
			if path == "" {
				snapshotter, err := storage.NewSnapshotter(store, dataConfig().SnapshotDir(), flagKeep, log)
				if err != nil {
					return err
				}
				if path, err = snapshotter.Save(cmd.Context()); err != nil {
					return err
				}
			} else {
				entries, err := storage.Dump(cmd.Context(), store)
				if err != nil {
					return err
				}
				if err := storage.WriteJSONFile(path, entries); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&flagPrefix, "prefix", "", "only show keys under this prefix, e.g. queue or blacklist")
	clearCmd.Flags().BoolVar(&flagAll, "all", false, "also delete ceremony history and cancellation records")
	exportCmd.Flags().StringVar(&flagOut, "out", "", "file to write instead of the snapshot directory")
	exportCmd.Flags().IntVar(&flagKeep, "keep", 5, "snapshots to keep in the snapshot directory")

	rootCmd.AddCommand(showCmd, clearCmd, exportCmd)
}
