// Package blocklist loads banned-domain sources into a normalized set.
// Sources are local files or HTTP(S) URLs; a source that cannot be read is
// logged and contributes nothing, so a completely unreachable configuration
// still yields an empty set instead of aborting startup.
package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"sinkhole/pkg/dnsutil"
	"sinkhole/pkg/logging"
)

const fetchTimeout = 30 * time.Second

// Loader reads banned-domain sources.
type Loader struct {
	client *http.Client
	logger *logging.Logger
}

// NewLoader creates a loader. client may be nil, in which case a default
// client with a bounded timeout is used; main passes the bootstrap client
// from pkg/resolver so downloads resolve through the configured upstream.
func NewLoader(client *http.Client, logger *logging.Logger) *Loader {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Loader{
		client: client,
		logger: logger,
	}
}

// Load reads every source and unions the results. It never fails: each
// unreadable source is logged and skipped.
func (l *Loader) Load(ctx context.Context, sources []string) map[string]struct{} {
	banned := make(map[string]struct{})

	for _, src := range sources {
		entries, err := l.loadSource(ctx, src)
		if err != nil {
			l.logger.Warn("banned list source unavailable, treating as empty",
				"source", src,
				"error", err,
			)
			continue
		}
		for _, e := range entries {
			banned[e] = struct{}{}
		}
		l.logger.Debug("loaded banned list source",
			"source", src,
			"entries", len(entries),
		)
	}

	l.logger.Info("banned list loaded",
		"sources", len(sources),
		"domains", len(banned),
	)
	return banned
}

func (l *Loader) loadSource(ctx context.Context, src string) ([]string, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return l.fetch(ctx, src)
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("opening list file: %w", err)
	}
	defer f.Close()
	return parseLines(f)
}

func (l *Loader) fetch(ctx context.Context, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	return parseLines(resp.Body)
}

// parseLines reads domains one per line. Lines empty after trimming or
// starting with '#' are skipped; everything else is normalized and kept.
func parseLines(r io.Reader) ([]string, error) {
	var entries []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, dnsutil.Normalize(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading list: %w", err)
	}

	return entries, nil
}
