package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Adder is the write side of the store.
type Adder interface {
	AddTexts(ctx context.Context, texts []string, source string) ([]string, error)
}

type sourceDeleter interface {
	DeleteSource(ctx context.Context, source string) (int64, error)
}

// IngestReport summarizes a directory ingestion.
type IngestReport struct {
	Files   int
	Chunks  int
	Skipped []string
}

var ingestExtensions = map[string]bool{".txt": true, ".md": true}

// IngestDir splits every .txt and .md file under dir and adds the chunks to
// store with the file's relative path as source. Re-ingesting a file replaces
// its earlier chunks when the store supports deletion. Files that fail to load
// are logged and skipped.
func IngestDir(ctx context.Context, dir string, store Adder, splitter *Splitter, log *slog.Logger) (IngestReport, error) {
	var report IngestReport
	log = log.With(slog.String("component", "knowledge-ingest"))

	info, err := os.Stat(dir)
	if err != nil {
		return report, fmt.Errorf("stat knowledge dir: %w", err)
	}
	if !info.IsDir() {
		return report, fmt.Errorf("%s is not a directory", dir)
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			log.Warn("skipping unreadable path", slog.String("path", path), slogError(walkErr))
			report.Skipped = append(report.Skipped, path)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !ingestExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("failed to load document", slog.String("path", path), slogError(err))
			report.Skipped = append(report.Skipped, path)
			return nil
		}
		chunks := splitter.Split(string(data))
		if len(chunks) == 0 {
			return nil
		}
		source, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			source = path
		}
		source = filepath.ToSlash(source)
		if deleter, ok := store.(sourceDeleter); ok {
			if _, err := deleter.DeleteSource(ctx, source); err != nil {
				return fmt.Errorf("replace %s: %w", source, err)
			}
		}
		if _, err := store.AddTexts(ctx, chunks, source); err != nil {
			return fmt.Errorf("add %s: %w", source, err)
		}
		report.Files++
		report.Chunks += len(chunks)
		log.Info("document ingested", slog.String("source", source), slog.Int("chunks", len(chunks)))
		return nil
	})
	return report, err
}
