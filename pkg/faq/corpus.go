// Package faq holds precomputed phrase embeddings for semantic intent matching.
package faq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"chatflow/pkg/embedding"

	"github.com/viterin/vek/vek32"
	"gopkg.in/yaml.v3"
)

// Entry is one corpus record as written in the corpus file.
type Entry struct {
	Key      string         `yaml:"-"`
	Phrases  []string       `yaml:"phrases"`
	Answer   string         `yaml:"answer"`
	Metadata map[string]any `yaml:"metadata"`
}

// Candidate is an entry whose best phrase similarity cleared the threshold.
type Candidate struct {
	Key      string
	Phrases  []string
	Answer   string
	Metadata map[string]any
	Score    float64
}

type indexedEntry struct {
	Entry
	vectors [][]float32
}

// Corpus is immutable once built and safe for concurrent use.
type Corpus struct {
	entries []indexedEntry
	dims    int
}

// LoadFile reads a keyed corpus file. YAML and JSON are both accepted.
// Entries come back sorted by key.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read faq corpus: %w", err)
	}

	var raw map[string]Entry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse faq corpus %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(raw))
	for key, entry := range raw {
		entry.Key = key
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	return entries, nil
}

// Load reads path and builds a corpus from it.
func Load(ctx context.Context, path string, embedder embedding.Embedder) (*Corpus, error) {
	entries, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	return Build(ctx, embedder, entries)
}

// Build embeds every phrase of every entry in one batch.
func Build(ctx context.Context, embedder embedding.Embedder, entries []Entry) (*Corpus, error) {
	if embedder == nil {
		return nil, errors.New("faq corpus requires an embedder")
	}
	if len(entries) == 0 {
		return nil, errors.New("faq corpus is empty")
	}

	var phrases []string
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			return nil, errors.New("faq entry key is required")
		}
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("faq entry %q is duplicated", key)
		}
		seen[key] = struct{}{}
		if len(entry.Phrases) == 0 {
			return nil, fmt.Errorf("faq entry %q has no phrases", key)
		}
		phrases = append(phrases, entry.Phrases...)
	}

	vectors, err := embedder.Embed(ctx, phrases)
	if err != nil {
		return nil, fmt.Errorf("embed faq phrases: %w", err)
	}
	if len(vectors) != len(phrases) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d phrases", len(vectors), len(phrases))
	}

	corpus := &Corpus{entries: make([]indexedEntry, 0, len(entries)), dims: len(vectors[0])}
	next := 0
	for _, entry := range entries {
		indexed := indexedEntry{
			Entry:   entry,
			vectors: make([][]float32, len(entry.Phrases)),
		}
		for i := range entry.Phrases {
			vector := vectors[next]
			next++
			if len(vector) != corpus.dims {
				return nil, fmt.Errorf("faq entry %q: vector has %d dimensions, want %d", entry.Key, len(vector), corpus.dims)
			}
			indexed.vectors[i] = vector
		}
		corpus.entries = append(corpus.entries, indexed)
	}

	return corpus, nil
}

// Len reports the number of entries.
func (c *Corpus) Len() int {
	return len(c.entries)
}

// Match returns every entry whose best phrase similarity to query is strictly
// greater than threshold, highest score first. Ties keep corpus order.
func (c *Corpus) Match(query []float32, threshold float64) []Candidate {
	if c == nil || len(query) != c.dims {
		return nil
	}

	var candidates []Candidate
	for _, entry := range c.entries {
		best := math.Inf(-1)
		for _, vector := range entry.vectors {
			if score := Cosine(query, vector); score > best {
				best = score
			}
		}
		if best <= threshold {
			continue
		}
		candidates = append(candidates, Candidate{
			Key:      entry.Key,
			Phrases:  entry.Phrases,
			Answer:   entry.Answer,
			Metadata: entry.Metadata,
			Score:    best,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	return candidates
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty
// or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}

	return float64(vek32.Dot(a, b)) / (na * nb)
}

func norm(v []float32) float64 {
	return math.Sqrt(float64(vek32.Dot(v, v)))
}
