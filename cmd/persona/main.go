package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/knowledge"
	"github.com/loqalabs/loqa-persona/internal/persona"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'chat', 'ingest', 'check' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(ctx, os.Args[2:])
	case "ingest":
		err = runIngest(ctx, os.Args[2:])
	case "check":
		err = runCheck(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (config.Config, error) {
	var configPath string
	fs.StringVar(&configPath, "config", "persona.yaml", "Path to configuration file")
	fs.Parse(args)
	if _, err := os.Stat(configPath); os.IsNotExist(err) && configPath == "persona.yaml" {
		configPath = ""
	}
	return config.Load(configPath)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	var dir string
	fs.StringVar(&dir, "dir", "", "Directory of .txt and .md documents (defaults to knowledge.source_dir)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if dir == "" {
		dir = cfg.Knowledge.SourceDir
	}
	logger := newLogger(cfg.Telemetry.LogLevel)

	embedder, err := knowledge.NewEmbedder(cfg.Knowledge)
	if err != nil {
		return err
	}
	store, err := knowledge.Open(ctx, cfg.Knowledge.Path, embedder, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := knowledge.IngestDir(ctx, dir, store, knowledge.NewSplitter(cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap), logger)
	if err != nil {
		return err
	}
	total, err := store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("ingested %d files (%d chunks), skipped %d; store holds %d passages\n",
		report.Files, report.Chunks, len(report.Skipped), total)
	return nil
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	report := persona.CheckResources(cfg)
	for _, path := range report.Warnings {
		fmt.Printf("warning: missing %s\n", path)
	}
	for _, path := range report.Errors {
		fmt.Printf("error: missing %s\n", path)
	}
	if !report.OK() {
		return fmt.Errorf("%d required resources missing", len(report.Errors))
	}
	fmt.Println("resources ok")
	return nil
}
