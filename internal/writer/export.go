package writer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/lamim/sdgforge/pkg/models"
)

// Exporter writes the final dataset as one file per category. Categories
// are written concurrently; an empty category still produces its file so
// downstream tooling can rely on the layout.
type Exporter struct {
	dir      string
	taskName string
	format   string // "jsonl" or "json"
	logger   *slog.Logger
}

// NewExporter creates an exporter rooted at the session directory
func NewExporter(sessionMgr *SessionManager, taskName, format string, logger *slog.Logger) *Exporter {
	if format == "" {
		format = "jsonl"
	}
	return &Exporter{
		dir:      sessionMgr.GetSessionDir(),
		taskName: taskName,
		format:   format,
		logger:   logger.With("component", "exporter"),
	}
}

// Export writes every category partition to its own file
func (e *Exporter) Export(ctx context.Context, partition map[models.Category][]models.ExportRecord) error {
	categories := []models.Category{
		models.CategoryRaw,
		models.CategorySolved,
		models.CategoryLearnable,
		models.CategoryUnsolved,
	}

	g, _ := errgroup.WithContext(ctx)
	for _, cat := range categories {
		cat := cat
		records := partition[cat]
		g.Go(func() error {
			path := e.Path(cat)
			if err := e.writeFile(path, records); err != nil {
				return fmt.Errorf("export %s: %w", cat, err)
			}
			e.logger.Info("Exported category", "category", cat, "count", len(records), "path", path)
			return nil
		})
	}
	return g.Wait()
}

// Path returns the export file path for one category
func (e *Exporter) Path(cat models.Category) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s_%s.%s", e.taskName, cat, e.format))
}

func (e *Exporter) writeFile(path string, records []models.ExportRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if e.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []models.ExportRecord{}
		}
		if err := enc.Encode(records); err != nil {
			return err
		}
	} else {
		enc := json.NewEncoder(w)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return file.Sync()
}
