// Package retrieval supplies the document collaborator for local sourcing:
// plain-text files chunked into passages and ranked by term overlap with
// the query. It is deliberately small; heavier retrieval lives outside this
// module and plugs in behind the same interface.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lamim/sdgforge/internal/executor"
)

const (
	// chunkSize is the passage length target in runes
	chunkSize = 1200
	// chunkOverlap keeps context across passage boundaries
	chunkOverlap = 200
)

// FileRetriever indexes .txt and .md files under one directory
type FileRetriever struct {
	passages []executor.Passage
	terms    []map[string]int // term frequencies per passage
	logger   *slog.Logger
}

// NewFileRetriever loads and chunks every document under dir. An empty
// collection is a startup error: local sourcing cannot proceed without
// documents.
func NewFileRetriever(dir string, logger *slog.Logger) (*FileRetriever, error) {
	r := &FileRetriever{logger: logger.With("component", "retriever")}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".txt" && ext != ".md" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, _ := filepath.Rel(dir, path)
		for _, chunk := range chunkText(string(data)) {
			r.passages = append(r.passages, executor.Passage{Text: chunk, Source: rel})
			r.terms = append(r.terms, termFrequencies(chunk))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index documents: %w", err)
	}
	if len(r.passages) == 0 {
		return nil, fmt.Errorf("no .txt or .md documents found under %s", dir)
	}

	r.logger.Info("Indexed document collection", "dir", dir, "passages", len(r.passages))
	return r, nil
}

// Retrieve returns the k passages with the highest term overlap with the
// query. Passages with no overlap at all are never returned.
func (r *FileRetriever) Retrieve(_ context.Context, query string, k int) ([]executor.Passage, error) {
	queryTerms := termFrequencies(query)

	type scored struct {
		idx   int
		score float64
	}
	var hits []scored
	for i, tf := range r.terms {
		s := 0.0
		for term := range queryTerms {
			if n, ok := tf[term]; ok {
				s += float64(n)
			}
		}
		if s > 0 {
			hits = append(hits, scored{idx: i, score: s})
		}
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		return hits[a].idx < hits[b].idx
	})

	if k > len(hits) {
		k = len(hits)
	}
	out := make([]executor.Passage, 0, k)
	for _, h := range hits[:k] {
		out = append(out, r.passages[h.idx])
	}
	return out, nil
}

// chunkText splits text into overlapping rune windows, preferring to break
// at paragraph and sentence boundaries near the target size.
func chunkText(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= chunkSize {
		return []string{string(runes)}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + chunkSize
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		cut := end
		for i := end; i > start+chunkSize/2; i-- {
			if runes[i] == '\n' || runes[i] == '.' {
				cut = i + 1
				break
			}
		}
		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		start = cut - chunkOverlap
		if start < 0 {
			start = 0
		}
		if start >= cut {
			start = cut
		}
	}
	return chunks
}

func termFrequencies(text string) map[string]int {
	tf := make(map[string]int)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) < 3 {
			continue
		}
		tf[tok]++
	}
	return tf
}
