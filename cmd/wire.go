package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/MimeLyc/video-product-extractor/internal/catalog"
	"github.com/MimeLyc/video-product-extractor/internal/config"
	"github.com/MimeLyc/video-product-extractor/internal/disambiguator"
	"github.com/MimeLyc/video-product-extractor/internal/extractor"
	"github.com/MimeLyc/video-product-extractor/internal/httpapi"
	"github.com/MimeLyc/video-product-extractor/internal/jobs"
	"github.com/MimeLyc/video-product-extractor/internal/llm"
	"github.com/MimeLyc/video-product-extractor/internal/media"
	"github.com/MimeLyc/video-product-extractor/internal/obs"
	"github.com/MimeLyc/video-product-extractor/internal/persistence"
	"github.com/MimeLyc/video-product-extractor/internal/pipeline"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
	"github.com/MimeLyc/video-product-extractor/internal/provider/catalogsearch"
	"github.com/MimeLyc/video-product-extractor/internal/provider/llmextract"
	"github.com/MimeLyc/video-product-extractor/internal/provider/llmvision"
	"github.com/MimeLyc/video-product-extractor/internal/provider/mock"
	"github.com/MimeLyc/video-product-extractor/internal/provider/whisper"
	"github.com/MimeLyc/video-product-extractor/pkg/icron"
	"github.com/MimeLyc/video-product-extractor/pkg/log"
	"github.com/MimeLyc/video-product-extractor/pkg/redislock"
	"github.com/MimeLyc/video-product-extractor/pkg/retry"
)

type application struct {
	workers   workerPool
	scheduler *icron.Scheduler
	server    *httpapi.Server

	closers []func() error
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("close: %v", err)
		}
	}
}

// pipelineWorkers binds the queue to the executor it runs.
type pipelineWorkers struct {
	queue *jobs.Queue
	exec  jobs.Executor
}

func (w pipelineWorkers) Start() { w.queue.Start(w.exec) }
func (w pipelineWorkers) Stop()  { w.queue.Stop() }

func build(ctx context.Context, cfg *config.Config) (*application, error) {
	app := &application{}

	store, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	app.closers = append(app.closers, store.Close)

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("redis %s unreachable, continuing without cache and locks: %v", cfg.Redis.Addr, err)
			_ = client.Close()
		} else {
			rdb = client
			app.closers = append(app.closers, client.Close)
		}
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	providers = providers.Limit(map[string]*provider.Limiter{
		"transcribe": provider.NewLimiter(cfg.Transcription.MaxInFlight, cfg.Transcription.RatePerSecond, 1),
		"extract":    provider.NewLimiter(cfg.LLM.MaxInFlight, cfg.LLM.RatePerSecond, 1),
		"vision":     provider.NewLimiter(cfg.Vision.MaxInFlight, cfg.Vision.RatePerSecond, 1),
		"search":     provider.NewLimiter(cfg.Search.MaxInFlight, cfg.Search.RatePerSecond, 1),
	}, obs.ObserveProvider)

	cat := catalog.New(store)
	if err := cat.Load(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if n, err := cat.Seed(ctx, cfg.Store.CatalogSeedFile); err != nil {
		log.Warn("catalog seed: %v", err)
	} else if n > 0 {
		log.Info("Seeded %d catalog entries from %s", n, cfg.Store.CatalogSeedFile)
	}

	settings, err := config.LoadOrInit(config.RuntimeSettingsFilePath(), cfg.RuntimeSettings())
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("runtime settings: %w", err)
	}

	ff := media.NewFFmpeg(cfg.Media.WorkDir,
		media.WithCommands(cfg.Media.FFmpeg, cfg.Media.FFprobe, cfg.Media.YTDLP),
		media.WithLocalRoot(cfg.Media.LocalRoot),
	)
	queue := jobs.NewQueue(cfg.Worker.Count, store,
		jobs.WithMaxJobs(cfg.Retention.MaxJobs),
		jobs.WithPruneHook(func(j *jobs.Job) {
			if v := j.Artifacts.Video; v != nil {
				if err := ff.Cleanup(*v); err != nil {
					log.Warn("cleanup media of pruned job %s: %v", j.ID, err)
				}
			}
		}),
	)

	p := cfg.Pipeline
	deps := pipeline.Deps{
		Jobs:        queue,
		Media:       ff,
		Transcriber: providers.Transcriber,
		Extractor:   extractor.New(providers.Extractor, stagePolicy(p, p.Extract)),
		Disambiguator: disambiguator.New(ff, providers.Vision, disambiguator.Options{
			PerJob: p.PerJobFanout,
			Global: semaphore.NewWeighted(int64(p.GlobalFanout)),
			Policy: stagePolicy(p, p.Vision),
		}),
		Matcher: catalog.NewMatcher(cat,
			catalog.NewCachedSearcher(providers.Search, rdb, cfg.Search.CacheTTL),
			cfg.Search.Markets,
			catalog.WithSearchPolicy(stagePolicy(p, p.Search)),
		),
		Settings: settings.Matching,
	}
	if rdb != nil {
		deps.Locker = redislock.New(rdb, "", cfg.Redis.LockTTL)
	}
	orchCfg := pipeline.DefaultConfig()
	orchCfg.FetchPolicy = stagePolicy(p, p.Fetch)
	orchCfg.TranscribePolicy = stagePolicy(p, p.Transcribe)
	orch := pipeline.New(deps, orchCfg)
	app.workers = pipelineWorkers{queue: queue, exec: orch.Run}

	app.scheduler = icron.New()
	if err := app.scheduler.Register("retention", cfg.Retention.CronExpr, retentionSweep(queue, ff, cfg.Retention.TTL)); err != nil {
		app.Close()
		return nil, err
	}

	serviceName := cfg.Observability.ServiceName
	app.server = httpapi.NewServer(queue,
		httpapi.WithCatalog(cat),
		httpapi.WithRuntimeSettingsStore(settings),
		httpapi.WithHealthCheck(store),
		httpapi.WithSourceValidator(ff.ValidateRef),
		httpapi.WithMiddleware(func(next http.Handler) http.Handler {
			return obs.WrapHTTP(serviceName, next)
		}),
	)
	return app, nil
}

func buildProviders(cfg *config.Config) (provider.Set, error) {
	if cfg.Providers.Mode == config.ProvidersMock {
		log.Info("Using mock providers")
		return mock.Demo(), nil
	}

	chatConfig := &llm.Config{
		APIKey:      cfg.LLM.APIKey,
		APIURL:      cfg.LLM.APIURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		SiteURL:     cfg.LLM.SiteURL,
		AppName:     cfg.LLM.AppName,
	}
	chat, err := llm.NewClient(chatConfig)
	if err != nil {
		return provider.Set{}, fmt.Errorf("create llm client: %w", err)
	}
	visionConfig := *chatConfig
	visionConfig.Model = cfg.Vision.Model
	visionChat, err := llm.NewClient(&visionConfig)
	if err != nil {
		return provider.Set{}, fmt.Errorf("create vision client: %w", err)
	}

	return provider.Set{
		Transcriber: whisper.NewClient(cfg.Transcription.APIKey, cfg.Transcription.APIURL, cfg.Transcription.Model, cfg.Transcription.Timeout),
		Extractor:   llmextract.New(chat),
		Vision:      llmvision.New(visionChat),
		Search:      catalogsearch.NewClient(cfg.Search.APIKey, cfg.Search.APIURL, cfg.Search.MaxResults, cfg.Search.Timeout),
	}, nil
}

func stagePolicy(p config.PipelineConfig, sp config.StagePolicy) retry.Policy {
	return retry.Policy{
		MaxRetries:      sp.Retries,
		InitialInterval: p.InitialInterval,
		MaxInterval:     p.MaxInterval,
		Multiplier:      p.Multiplier,
		Timeout:         sp.Timeout,
	}
}

type jobLister interface {
	PruneBefore(cutoff time.Time) []string
	List() []*jobs.Job
}

type staleSweeper interface {
	SweepStale(cutoff time.Time, inUse map[string]bool) ([]string, error)
}

// retentionSweep drops terminal jobs older than ttl, then removes orphaned work dirs.
func retentionSweep(queue jobLister, sweeper staleSweeper, ttl time.Duration) func(context.Context) {
	return func(ctx context.Context) {
		cutoff := time.Now().Add(-ttl)
		pruned := queue.PruneBefore(cutoff)

		inUse := make(map[string]bool)
		for _, j := range queue.List() {
			if v := j.Artifacts.Video; v != nil && v.WorkDir != "" {
				inUse[filepath.Clean(v.WorkDir)] = true
			}
		}
		removed, err := sweeper.SweepStale(cutoff, inUse)
		if err != nil {
			log.Warn("retention: sweep work dirs: %v", err)
		}
		log.WithFields(log.Fields{
			"pruned_jobs":  len(pruned),
			"removed_dirs": len(removed),
		}).Info("retention sweep done")
	}
}
