package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"orgatlas.dev/archive"
	"orgatlas.dev/bridge"
	"orgatlas.dev/cache"
	"orgatlas.dev/coalesce"
	"orgatlas.dev/config"
	"orgatlas.dev/corpus"
	"orgatlas.dev/enrich"
	"orgatlas.dev/manifest"
	"orgatlas.dev/pipeline"
	"orgatlas.dev/progress"
	"orgatlas.dev/ratelimit"
	"orgatlas.dev/retry"
	"orgatlas.dev/salesforce"
	"orgatlas.dev/status"
	"orgatlas.dev/uploader"
	"orgatlas.dev/vector"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the extraction pipeline",
	Long: `Run executes the selected phases in dependency order. Without
--phases or --with-* flags every phase runs. A fresh run replaces any
previous progress; --resume continues from it instead, retrying only the
refs that are not done yet.`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringSlice("phases", nil, "phases to run (enumerate, describe, stats, automation, security, history, org-security, emit, upload)")
	runCmd.Flags().Bool("with-stats", false, "include the stats enrichment phase")
	runCmd.Flags().Bool("with-automation", false, "include the automation enrichment phase")
	runCmd.Flags().Bool("with-security", false, "include the field security enrichment phase")
	runCmd.Flags().Bool("with-history", false, "include the field history enrichment phase")
	runCmd.Flags().Bool("with-org-security", false, "include the org security phase")
	runCmd.Flags().Bool("resume", false, "continue from the previous run's progress")
	runCmd.Flags().Bool("dry-run", false, "emit the corpus locally without uploading")
	runCmd.Flags().Bool("clear-cache", false, "clear the response cache before running")
	runCmd.Flags().Int("max-workers", 0, "override describe and enrich pool sizes")
	runCmd.Flags().Int("cache-ttl-hours", 0, "override cache entry lifetime")
	runCmd.Flags().String("cache-dir", "", "override cache directory")
	runCmd.Flags().String("output", "", "override output directory")
	runCmd.Flags().Int("embed-batch", 0, "override embedding batch size")
	runCmd.Flags().Bool("incremental", true, "diff against the index instead of replacing everything")
	runCmd.Flags().String("namespace", "", "override index namespace")
	runCmd.Flags().String("org", "", "override the sf org alias")
	runCmd.Flags().String("sf-path", "", "path to the sf binary (default probes PATH)")
}

// resolvePhases turns the --phases selection and --with-* sugar into the
// expanded phase list. Explicit --phases wins over the sugar flags.
func resolvePhases(phases []string, with map[string]bool, dryRun bool) ([]string, error) {
	if len(phases) == 0 {
		anyWith := false
		for _, enabled := range with {
			if enabled {
				anyWith = true
				break
			}
		}
		if anyWith {
			phases = []string{pipeline.PhaseEnumerate, pipeline.PhaseDescribe}
			for _, phase := range []string{pipeline.PhaseStats, pipeline.PhaseAutomation, pipeline.PhaseSecurity, pipeline.PhaseHistory, pipeline.PhaseOrgSecurity} {
				if with[phase] {
					phases = append(phases, phase)
				}
			}
			phases = append(phases, pipeline.PhaseEmit, pipeline.PhaseUpload)
		}
	}

	expanded, err := pipeline.ExpandPhases(phases)
	if err != nil {
		return nil, err
	}
	if dryRun {
		trimmed := expanded[:0]
		for _, phase := range expanded {
			if phase != pipeline.PhaseUpload {
				trimmed = append(trimmed, phase)
			}
		}
		expanded = trimmed
	}
	return expanded, nil
}

// applyFlags folds changed CLI flags into the loaded configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("max-workers") {
		workers, _ := flags.GetInt("max-workers")
		cfg.Pools.Describe = workers
		cfg.Pools.Enrich = workers
	}
	if flags.Changed("cache-ttl-hours") {
		cfg.Cache.TTLHours, _ = flags.GetInt("cache-ttl-hours")
	}
	if flags.Changed("cache-dir") {
		cfg.Cache.Dir, _ = flags.GetString("cache-dir")
	}
	if flags.Changed("output") {
		cfg.Corpus.OutputDir, _ = flags.GetString("output")
	}
	if flags.Changed("embed-batch") {
		cfg.Vector.EmbedBatch, _ = flags.GetInt("embed-batch")
	}
	if flags.Changed("incremental") {
		cfg.Vector.Incremental, _ = flags.GetBool("incremental")
	}
	if flags.Changed("namespace") {
		cfg.Vector.Namespace, _ = flags.GetString("namespace")
	}
	if flags.Changed("org") {
		cfg.Org.Alias, _ = flags.GetString("org")
	}
	if flags.Changed("sf-path") {
		cfg.Org.SfPath, _ = flags.GetString("sf-path")
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := newLogger(cmd, cfg)

	flags := cmd.Flags()
	selected, _ := flags.GetStringSlice("phases")
	dryRun, _ := flags.GetBool("dry-run")
	resume, _ := flags.GetBool("resume")
	clearCache, _ := flags.GetBool("clear-cache")
	with := map[string]bool{}
	for flag, phase := range map[string]string{
		"with-stats":        pipeline.PhaseStats,
		"with-automation":   pipeline.PhaseAutomation,
		"with-security":     pipeline.PhaseSecurity,
		"with-history":      pipeline.PhaseHistory,
		"with-org-security": pipeline.PhaseOrgSecurity,
	} {
		with[phase], _ = flags.GetBool(flag)
	}

	phases, err := resolvePhases(selected, with, dryRun)
	if err != nil {
		return err
	}
	uploading := false
	for _, phase := range phases {
		if phase == pipeline.PhaseUpload {
			uploading = true
		}
	}
	if uploading {
		if err := config.ValidateUpload(cfg); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openCacheStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if clearCache {
		removed, err := store.Clear(ctx, "", 0)
		if err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		log.WithField("entries", removed).Info("cache cleared")
	}

	if err := os.MkdirAll(cfg.Corpus.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	progressPath := filepath.Join(cfg.Corpus.OutputDir, "progress.json")
	if !resume {
		if err := os.Remove(progressPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reset progress: %w", err)
		}
	}
	progressStore, err := progress.Open(progressPath, log)
	if err != nil {
		return err
	}
	defer progressStore.Close()

	orch, cleanup, err := buildOrchestrator(ctx, cfg, store, progressStore, uploading, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Status.Enabled {
		server := status.NewServer(progressStore, store.Stats, orch.Limiter, log)
		go func() {
			if err := server.Start(ctx, cfg.Status.Addr); err != nil {
				log.WithError(err).Warn("status endpoint stopped")
			}
		}()
	}

	report, runErr := orch.Run(ctx, phases)
	fmt.Print(report.Summary())

	if fs, ok := store.(*cache.FileStore); ok {
		if err := fs.SaveStats(); err != nil {
			log.WithError(err).Warn("cache stats persist failed")
		}
	}

	if runErr != nil {
		return runErr
	}
	if cfg.Archive.Enabled {
		if err := archiveRun(ctx, cfg, report.RunID, log); err != nil {
			log.WithError(err).Warn("snapshot archive failed")
		}
	}
	if failed := report.Errored(); failed > 0 {
		return fmt.Errorf("%d refs failed: %w", failed, ErrPartial)
	}
	return nil
}

func openCacheStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (cache.Store, error) {
	if cfg.Cache.Backend == "redis" {
		store, err := cache.NewRedisStore(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisPrefix, cfg.CacheTTL(), log)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := cache.NewFileStore(cfg.Cache.Dir, cfg.CacheTTL(), log)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// buildOrchestrator assembles the full dependency graph for a run.
func buildOrchestrator(ctx context.Context, cfg *config.Config, store cache.Store, progressStore *progress.Store, uploading bool, log *logrus.Logger) (*pipeline.Orchestrator, func(), error) {
	cleanup := func() {}

	bin, err := bridge.ResolveBinary(cfg.Org.SfPath)
	if err != nil {
		return nil, cleanup, err
	}
	runner := bridge.New(bin, cfg.Org.Alias, log).
		WithTimeout(time.Duration(cfg.Org.TimeoutSeconds) * time.Second).
		WithKillGrace(time.Duration(cfg.Org.KillGraceSeconds) * time.Second)

	limiter := ratelimit.New(ratelimit.Config{
		PerMinute: cfg.Rate.PerMinute,
		Min:       cfg.Rate.Min,
		Max:       cfg.Rate.Max,
		Burst:     cfg.Rate.Burst,
	}, log)
	policy := retry.NewPolicy(limiter, log)
	policy.Attempts = cfg.Retry.Attempts
	policy.QuotaFloor = time.Duration(cfg.Retry.QuotaFloorSeconds) * time.Second

	client := salesforce.NewClient(runner, limiter, policy, log)
	filler := cache.NewFiller(store)
	coalescer := coalesce.New(store, cfg.Enrich.CoalesceBatch, log)

	emitter, err := corpus.NewEmitter(cfg.Corpus.OutputDir, cfg.Corpus.MaxTokens, log)
	if err != nil {
		return nil, cleanup, err
	}

	orch := &pipeline.Orchestrator{
		Enumerator: salesforce.NewEnumerator(client, nil, cfg.Org.ExcludedNamespaces, log),
		Describer:  salesforce.NewDescriber(client, filler, cfg.Pools.Describe, log),
		Enrichers: map[string]enrich.Enricher{
			pipeline.PhaseStats:      enrich.NewStatsEnricher(client, filler, cfg.Pools.Enrich, cfg.Enrich.SampleSize, cfg.Enrich.FreshnessDays, log),
			pipeline.PhaseAutomation: enrich.NewAutomationEnricher(client, coalescer, log),
			pipeline.PhaseSecurity:   enrich.NewFieldSecurityEnricher(client, coalescer, log),
			pipeline.PhaseHistory:    enrich.NewHistoryEnricher(client, coalescer, log),
		},
		OrgSecurity: enrich.NewOrgSecurityEnricher(client, filler, cfg.Pools.Enrich, log),
		Emitter:     emitter,
		Progress:    progressStore,
		Limiter:     limiter,
		Policy:      policy,
		CacheStats:  store.Stats,
		QuotaWall:   cfg.Retry.QuotaWall,
		Log:         log,
	}

	if uploading {
		index := vector.NewPineconeIndex(cfg.Vector.Host, cfg.Vector.APIKey, log)
		embedder := vector.NewOpenAIEmbedder(cfg.Vector.EmbedBaseURL, cfg.Vector.EmbedAPIKey, cfg.Vector.EmbedModel, log)

		uploadCfg := uploader.Config{
			Namespace:  cfg.Vector.Namespace,
			EmbedBatch: cfg.Vector.EmbedBatch,
			Workers:    cfg.Pools.Upsert,
			Marker:     progressStore,
			Replace:    !cfg.Vector.Incremental,
		}
		if cfg.Vector.ManifestPath != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.Vector.ManifestPath), 0o755); err != nil {
				return nil, cleanup, fmt.Errorf("create manifest dir: %w", err)
			}
			m, err := manifest.Open(cfg.Vector.ManifestPath)
			if err != nil {
				return nil, cleanup, err
			}
			cleanup = func() { m.Close() }
			uploadCfg.Manifest = m
		}
		orch.Uploader = uploader.New(index, embedder, policy, uploadCfg, log)
	}
	return orch, cleanup, nil
}

func archiveRun(ctx context.Context, cfg *config.Config, runID string, log *logrus.Logger) error {
	client, err := archive.NewS3Client(ctx, cfg.Archive.Endpoint, cfg.Archive.Region, cfg.Archive.AccessKey, cfg.Archive.SecretKey)
	if err != nil {
		return err
	}
	archiver := archive.NewArchiver(client, cfg.Archive.Bucket, cfg.Archive.Prefix, log)
	_, err = archiver.ArchiveDir(ctx, cfg.Corpus.OutputDir, runID)
	return err
}
