package fetch

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// ParseIndex reads a line-oriented index file and returns the set of MRF
// URLs it names. A URL line looks like
//
//	mrf-url: https://example.org/charges.json
//
// location-name lines are logged for operators; everything else is ignored.
// Duplicate URLs collapse to one entry.
func ParseIndex(path string) (map[string]struct{}, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	defer file.Close()

	urls := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "mrf-url"):
			if _, rest, ok := strings.Cut(line, ":"); ok {
				if u := strings.TrimSpace(rest); u != "" {
					urls[u] = struct{}{}
				}
			}
		case strings.Contains(line, "location-name"):
			slog.Info("index location", "line", strings.TrimSpace(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}
	return urls, nil
}
