package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/timmy/catalogsync/internal/service"
)

const nothingToDo = "Nothing to do."

func newReindexCmd() *cobra.Command {
	var (
		storeID int
		idsFlag string
	)

	cmd := &cobra.Command{
		Use:   "reindex <entity>",
		Short: "Schedule a full or partial reindex",
		Long: `Schedule indexing of one entity: products, categories, pages, suggestions
or sections. Without --ids every entity of the store is reindexed. With the
queue disabled the work runs immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(idsFlag)
			if err != nil {
				return err
			}
			stores := application.StoreIDs(storeID)
			if err := application.Reindex.Reindex(cmd.Context(), args[0], stores, ids); err != nil {
				return err
			}
			if application.Queue.Enabled() {
				fmt.Fprintf(cmd.OutOrStdout(), "Reindex of %s scheduled for stores %v.\n", args[0], stores)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Reindex of %s done for stores %v.\n", args[0], stores)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&storeID, "store", 0, "Store id (default: all stores)")
	cmd.Flags().StringVar(&idsFlag, "ids", "", "Comma separated entity ids")
	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and process the indexing queue",
	}
	cmd.AddCommand(newQueueRunCmd(), newQueueClearCmd(), newQueueStatusCmd())
	return cmd
}

func newQueueRunCmd() *cobra.Command {
	var (
		jobs          int
		stopOnFailure bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process queued jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := application.Queue.Run(cmd.Context(), jobs, stopOnFailure)
			if err != nil {
				return err
			}
			if result.Processed == 0 && result.Failed == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), nothingToDo)
				return nil
			}
			return printOutput(cmd.OutOrStdout(), output(), result,
				[]string{"runner", "processed", "failed", "released"},
				[][]string{{result.RunnerID, strconv.Itoa(result.Processed), strconv.Itoa(result.Failed), strconv.FormatInt(result.Released, 10)}})
		},
	}

	cmd.Flags().IntVar(&jobs, "jobs", 0, "Number of page-sized jobs to run (default: queue.number_of_jobs_to_run)")
	cmd.Flags().BoolVar(&stopOnFailure, "stop-on-failure", false, "Stop at the first failing job")
	return cmd
}

func newQueueClearCmd() *cobra.Command {
	var storeID int

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete queued jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var store *int
			if storeID > 0 {
				store = &storeID
			}
			deleted, err := application.Queue.Clear(cmd.Context(), store)
			if err != nil {
				return err
			}
			if deleted == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), nothingToDo)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d jobs.\n", deleted)
			return nil
		},
	}

	cmd.Flags().IntVar(&storeID, "store", 0, "Only delete jobs of this store")
	return cmd
}

func newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := application.Queue.Status(cmd.Context())
			if err != nil {
				return err
			}
			rows := [][]string{
				{"enabled", strconv.FormatBool(status.Enabled)},
				{"pending", strconv.FormatInt(status.Counts.Pending, 10)},
				{"locked", strconv.FormatInt(status.Counts.Locked, 10)},
				{"failed", strconv.FormatInt(status.Counts.Failed, 10)},
			}
			for key, n := range status.ByHandler {
				rows = append(rows, []string{key, strconv.Itoa(n)})
			}
			return printOutput(cmd.OutOrStdout(), output(), status, []string{"key", "value"}, rows)
		},
	}
}

func newReplicasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replicas",
		Short: "Manage product sort replicas",
	}
	cmd.AddCommand(newReplicasSyncCmd(), newReplicasRebuildCmd())
	return cmd
}

func replicaRows(results []*service.ReplicaSyncResult) [][]string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			strconv.Itoa(r.StoreID),
			r.Primary,
			strings.Join(r.Replicas, ","),
			strings.Join(r.Deleted, ","),
		})
	}
	return rows
}

func newReplicasSyncCmd() *cobra.Command {
	var storeID int

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Align replicas with the configured sorts",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := application.Replicas.SyncStores(cmd.Context(), application.StoreIDs(storeID))
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), output(), results,
				[]string{"store", "primary", "replicas", "deleted"}, replicaRows(results))
		},
	}

	cmd.Flags().IntVar(&storeID, "store", 0, "Store id (default: all stores)")
	return cmd
}

func newReplicasRebuildCmd() *cobra.Command {
	var (
		storeID int
		yes     bool
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Delete and recreate replicas",
		Long: `Delete every managed replica of the product indices, then recreate them
from configuration. Sorting is unavailable until the rebuild completes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stores := application.StoreIDs(storeID)
			if !yes && !confirm(cmd, fmt.Sprintf("Rebuild replicas of stores %v?", stores)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Operation cancelled.")
				return nil
			}
			results, err := application.Replicas.RebuildReplicas(cmd.Context(), stores)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), output(), results,
				[]string{"store", "primary", "replicas", "deleted"}, replicaRows(results))
		},
	}

	cmd.Flags().IntVar(&storeID, "store", 0, "Store id (default: all stores)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func newSynonymsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synonyms",
		Short: "Maintain index synonyms",
	}

	var (
		storeID int
		suffix  string
	)
	dedupe := &cobra.Command{
		Use:   "dedupe",
		Short: "Remove duplicate synonyms",
		RunE: func(cmd *cobra.Command, args []string) error {
			var results []*service.SynonymDedupeResult
			removed := 0
			for _, id := range application.StoreIDs(storeID) {
				index, err := application.Namer.ComputeName(suffix, id, false)
				if err != nil {
					return err
				}
				res, err := application.Connector.DedupeSynonyms(cmd.Context(), index, id)
				if err != nil {
					return err
				}
				removed += res.Removed
				results = append(results, res)
			}
			if removed == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), nothingToDo)
				return nil
			}
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{r.Index, strconv.Itoa(r.Total), strconv.Itoa(r.Removed)})
			}
			return printOutput(cmd.OutOrStdout(), output(), results, []string{"index", "total", "removed"}, rows)
		},
	}
	dedupe.Flags().IntVar(&storeID, "store", 0, "Store id (default: all stores)")
	dedupe.Flags().StringVar(&suffix, "suffix", service.SuffixProducts, "Index suffix")

	cmd.AddCommand(dedupe)
	return cmd
}
