package fetcher

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Seed is a crawl starting point
type Seed struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	// Depth limits link following from this seed. Nil uses the source default.
	Depth *int `json:"recommended_crawl_depth,omitempty"`
}

// LoadSeeds reads a resources.jsonl file: one JSON object per line, blank
// lines and lines starting with // ignored. Lines that do not decode or carry
// no URL are logged and skipped.
func LoadSeeds(filename string, logger *slog.Logger) ([]Seed, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open seeds: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return ReadSeeds(f, logger)
}

// ReadSeeds parses seeds from r in resources.jsonl format
func ReadSeeds(r io.Reader, logger *slog.Logger) ([]Seed, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var seeds []Seed
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}

		var seed Seed
		if err := json.Unmarshal([]byte(line), &seed); err != nil {
			logger.Warn("skipping invalid seed line", "line", lineNo, "error", err)
			continue
		}
		if seed.URL == "" {
			logger.Warn("skipping seed without url", "line", lineNo)
			continue
		}
		seeds = append(seeds, seed)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	return seeds, nil
}
