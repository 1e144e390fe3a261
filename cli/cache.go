package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"orgatlas.dev/cache"
	"orgatlas.dev/config"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the response cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache counters from the last run",
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached responses",
	Long: `Clear removes cached sf responses. With no flags everything goes;
--type limits the sweep to one data type (describe, stats, automation,
security, history) and --older-than keeps entries younger than the cutoff.`,
	RunE: runCacheClear,
}

func init() {
	cacheClearCmd.Flags().String("type", "", "only clear entries of this data type")
	cacheClearCmd.Flags().Duration("older-than", 0, "only clear entries older than this (e.g. 48h)")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	log := newLogger(cmd, cfg)

	if cfg.Cache.Backend != "file" {
		return fmt.Errorf("cache stats requires the file backend, got %q", cfg.Cache.Backend)
	}
	store, err := cache.NewFileStore(cfg.Cache.Dir, cfg.CacheTTL(), log)
	if err != nil {
		return err
	}
	stats, err := store.LoadStats()
	if err != nil {
		return fmt.Errorf("load cache stats: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "hits:        %d\n", stats.Hits)
	fmt.Fprintf(out, "misses:      %d\n", stats.Misses)
	fmt.Fprintf(out, "writes:      %d\n", stats.Writes)
	fmt.Fprintf(out, "evictions:   %d\n", stats.Evictions)
	fmt.Fprintf(out, "bytes saved: %d\n", stats.BytesSaved)
	fmt.Fprintf(out, "hit rate:    %.0f%%\n", stats.HitRate()*100)
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	log := newLogger(cmd, cfg)

	dataType, _ := cmd.Flags().GetString("type")
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	ctx := cmd.Context()
	var store cache.Store
	if cfg.Cache.Backend == "redis" {
		store, err = cache.NewRedisStore(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisPrefix, cfg.CacheTTL(), log)
	} else {
		store, err = cache.NewFileStore(cfg.Cache.Dir, cfg.CacheTTL(), log)
	}
	if err != nil {
		return err
	}

	removed, err := store.Clear(ctx, dataType, olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)
	return nil
}
