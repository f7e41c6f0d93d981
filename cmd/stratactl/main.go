// Command stratactl inspects strata data directories: manifests,
// segment objects and delta logs.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/deltalog"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/persistence"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stratactl",
		Short:         "Inspect strata data directories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newManifestCmd())
	cmd.AddCommand(newSegmentCmd())
	cmd.AddCommand(newDeltalogCmd())

	return cmd
}

func newManifestCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Print the current manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := blobstore.NewLocal(dataDir)
			if err != nil {
				return err
			}

			m, err := persistence.NewManifestStore(store).Load(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "manifest id:      %d\n", m.ID)
			fmt.Fprintf(out, "next segment id:  %d\n", m.NextSegmentID)
			fmt.Fprintf(out, "segments:         %d\n", len(m.Segments))
			for _, s := range m.Segments {
				fmt.Fprintf(out, "  %6d  partition=%-12s rows=%-8d ts=[%d, %d]\n",
					s.ID, s.Partition, s.Rows, s.MinTs, s.MaxTs)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data", ".", "data directory")

	return cmd
}

func newSegmentCmd() *cobra.Command {
	var (
		dataDir string
		id      uint64
	)

	cmd := &cobra.Command{
		Use:   "segment",
		Short: "List the stored objects of one segment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := blobstore.NewLocal(dataDir)
			if err != nil {
				return err
			}

			return printSegment(cmd.Context(), cmd, store, model.SegmentID(id))
		},
	}

	cmd.Flags().StringVar(&dataDir, "data", ".", "data directory")
	cmd.Flags().Uint64Var(&id, "id", 0, "segment id")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func printSegment(ctx context.Context, cmd *cobra.Command, store blobstore.Store, id model.SegmentID) error {
	prefix := fmt.Sprintf("segments/%d/", id)

	names, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return fmt.Errorf("segment %d has no stored objects", id)
	}

	sort.Strings(names)

	out := cmd.OutOrStdout()
	for _, name := range names {
		data, err := store.Get(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%10d  %s\n", len(data), strings.TrimPrefix(name, prefix))
	}

	return nil
}

func newDeltalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deltalog <file>",
		Short: "Dump the tombstones of a delta log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			entries, err := deltalog.Read(f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entries: %d\n", len(entries))
			for _, e := range entries {
				fmt.Fprintf(out, "  pk=%-20s ts=%d\n", e.PK, e.Ts)
			}

			return nil
		},
	}

	return cmd
}
