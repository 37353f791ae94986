// Package main provides the indexer CLI: reindexing, queue processing and
// replica maintenance for the catalog search indices.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/timmy/catalogsync/internal/app"
	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/repository"
)

var (
	version = "dev"

	// Global flags
	configPath string
	outputFlag string

	application *app.App
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "indexer",
		Short: "Keep the catalog search indices in sync",
		Long: `indexer schedules and runs catalog indexing against the search service.

It enqueues full or partial reindexing, processes the indexing queue and
keeps the sort replicas of the product indices aligned with configuration.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log := logger.NewFromEnv(logger.LoadFromEnv())
			logger.SetDefaultLogger(log)

			if _, err := parseOutputFormat(outputFlag); err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			application, err = app.New(cmd.Context(), cfg)
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Path to config.yaml")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(newReindexCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newReplicasCmd())
	rootCmd.AddCommand(newSynonymsCmd())

	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(1)
	}
}

// describeError turns an error into an operator message.
func describeError(err error) string {
	var apiErr *repository.APIError
	switch {
	case errors.Is(err, domain.ErrReplicaLimitExceeded):
		return fmt.Sprintf("Configuration error: %v. Reduce the number of virtual sorts.", err)
	case errors.Is(err, domain.ErrReplicaStateCorrupted):
		return fmt.Sprintf("Replica state error: %v", err)
	case errors.As(err, &apiErr):
		return fmt.Sprintf("Search service error (HTTP %d): %s", apiErr.StatusCode, apiErr.Message)
	}
	return "Error: " + err.Error()
}

// parseIDs parses a comma separated id list.
func parseIDs(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func output() outputFormat {
	f, _ := parseOutputFormat(outputFlag)
	return f
}
