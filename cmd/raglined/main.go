// raglined is the ingestion daemon and operator CLI: it runs the background
// task manager, submits one-shot ingestion jobs, and inspects job state.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	jsoniter "github.com/json-iterator/go"

	"github.com/voyantai/ragline/internal/checkpoint"
	"github.com/voyantai/ragline/internal/config"
	"github.com/voyantai/ragline/internal/embed"
	"github.com/voyantai/ragline/internal/ingest"
	"github.com/voyantai/ragline/internal/kvstore"
	"github.com/voyantai/ragline/internal/progress"
	"github.com/voyantai/ragline/internal/task"

	. "github.com/voyantai/ragline/internal/logging"
)

const version = "0.1.0"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type cli struct {
	Config   string `help:"Path to the config file." type:"path"`
	LogLevel string `help:"Override the configured log level (trace, debug, info, warn, error)."`

	Serve   serveCmd   `cmd:"" help:"Run the ingestion daemon with the cleanup scheduler."`
	Ingest  ingestCmd  `cmd:"" help:"Submit one file for ingestion and wait for it to finish."`
	Status  statusCmd  `cmd:"" help:"Show the status of a job."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

// app carries the services shared by the commands.
type app struct {
	cfg     *config.Config
	kv      *kvstore.Store
	manager *task.Manager
}

func buildApp(cfg *config.Config) (*app, error) {
	if dir := filepath.Dir(cfg.Store.KVPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}

	kv, err := kvstore.Open(cfg.Store.KVPath)
	if err != nil {
		return nil, err
	}

	cp := checkpoint.NewStore(kv, cfg.Tasks.CheckpointInterval)
	tracker := progress.NewTracker(kv, time.Duration(cfg.Tasks.ProgressIntervalSeconds)*time.Second)
	orch := ingest.NewOrchestrator(cp, tracker, ingest.VectorConfig{
		URI:        cfg.Vector.URI,
		Token:      cfg.Vector.Token,
		DBName:     cfg.Vector.DBName,
		Collection: cfg.Vector.Collection,
		Metric:     cfg.Vector.Metric,
	}, ingest.Options{
		TokenLimit: cfg.Batch.TokenLimit,
		ChunkLimit: cfg.Batch.ChunkLimit,
	})
	manager := task.NewManager(kv, cp, tracker, orch, task.Options{
		MaxConcurrent: cfg.Tasks.MaxConcurrent,
	})

	return &app{cfg: cfg, kv: kv, manager: manager}, nil
}

func (a *app) close() {
	if err := a.kv.Close(); err != nil {
		L_warn("kv store close failed", "error", err)
	}
}

type serveCmd struct{}

func (c *serveCmd) Run(a *app) error {
	if err := a.manager.StartCleanupScheduler(a.cfg.Tasks.CleanupSchedule); err != nil {
		return err
	}
	L_info("raglined %s serving", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	L_info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.manager.Shutdown(shutdownCtx)
}

type ingestCmd struct {
	File   string `arg:"" help:"File to ingest (json, ndjson, optionally gzipped)." type:"existingfile"`
	Tenant string `help:"Tenant the documents belong to." default:"default"`
	Schema string `help:"Path to the schema configuration JSON." type:"existingfile"`

	Provider string `help:"Embedding provider override."`
	Model    string `help:"Embedding model override."`
	APIKey   string `help:"Provider API key." env:"RAGLINE_API_KEY"`
}

func (c *ingestCmd) Run(a *app) error {
	var schemaJSON []byte
	if c.Schema != "" {
		data, err := os.ReadFile(c.Schema)
		if err != nil {
			return fmt.Errorf("read schema config: %w", err)
		}
		schemaJSON = data
	}

	info, err := os.Stat(c.File)
	if err != nil {
		return err
	}

	embCfg := embed.Config{
		Provider:          a.cfg.Embedding.Provider,
		Model:             a.cfg.Embedding.Model,
		APIKey:            a.cfg.Embedding.APIKey,
		BaseURL:           a.cfg.Embedding.BaseURL,
		TimeoutSeconds:    a.cfg.Embedding.TimeoutSeconds,
		RequestsPerMinute: a.cfg.Embedding.RequestsPerMinute,
	}
	if c.Provider != "" {
		embCfg.Provider = c.Provider
	}
	if c.Model != "" {
		embCfg.Model = c.Model
	}
	if c.APIKey != "" {
		embCfg.APIKey = c.APIKey
	}

	jobID, err := a.manager.Submit(c.Tenant, task.FileInfo{
		Path: c.File,
		Size: info.Size(),
	}, schemaJSON, embCfg)
	if err != nil {
		return err
	}
	fmt.Printf("job %s\n", jobID)

	for {
		time.Sleep(time.Second)
		job, err := a.manager.Status(jobID)
		if err != nil {
			return err
		}
		fmt.Printf("  %-10s items=%d chunks=%d embeddings=%d\n",
			job.Status, job.Progress.ItemsProcessed, job.Progress.ChunksProcessed,
			job.Progress.EmbeddingsGenerated)

		if job.Status.Terminal() {
			if job.Status != task.StatusCompleted {
				if job.Error != nil {
					return fmt.Errorf("job %s %s: %s", jobID, job.Status, job.Error.Message)
				}
				return fmt.Errorf("job %s %s", jobID, job.Status)
			}
			if job.Results != nil {
				fmt.Printf("done: items=%d chunks=%d upserted=%d errors=%d\n",
					job.Results.ItemsProcessed, job.Results.ChunksProcessed,
					job.Results.Upserted, job.Results.Errors)
			}
			return nil
		}
	}
}

type statusCmd struct {
	Job string `arg:"" help:"Job id."`
}

func (c *statusCmd) Run(a *app) error {
	job, err := a.manager.Status(c.Job)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if rec, err := a.manager.Recovery(c.Job); err == nil && rec.Recoverable {
		fmt.Printf("recoverable: %d items checkpointed, %d failed batches (%d items)\n",
			rec.ItemsProcessed, rec.FailedBatchCount, rec.FailedItemCount)
	}
	return nil
}

type versionCmd struct{}

func (c *versionCmd) Run(a *app) error {
	fmt.Printf("raglined %s\n", version)
	return nil
}

func main() {
	var flags cli
	ctx := kong.Parse(&flags,
		kong.Name("raglined"),
		kong.Description("Streaming JSON ingestion pipeline for RAG vector stores."),
		kong.UsageOnError(),
	)

	if ctx.Command() == "version" {
		fmt.Printf("raglined %s\n", version)
		return
	}

	cfg, err := config.Load(flags.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raglined: %v\n", err)
		os.Exit(1)
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	Init(&Config{
		Level:      cfg.Log.LevelValue(),
		ShowCaller: cfg.Log.ShowCaller,
	})

	a, err := buildApp(cfg)
	if err != nil {
		L_fatal("startup failed: %v", err)
	}
	defer a.close()

	if err := ctx.Run(a); err != nil {
		L_fatal("%v", err)
	}
}
