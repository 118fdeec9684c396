package blocklist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"sinkhole/pkg/logging"
)

func writeListFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "banned.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileSource(t *testing.T) {
	path := writeListFile(t, `# comment line
ads.example.com

Tracker.Example.NET.
   spaced.example.org
# another comment
`)

	loader := NewLoader(nil, logging.NewDiscard())
	banned := loader.Load(context.Background(), []string{path})

	want := []string{"ads.example.com", "tracker.example.net", "spaced.example.org"}
	if len(banned) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(banned), banned)
	}
	for _, w := range want {
		if _, ok := banned[w]; !ok {
			t.Errorf("missing entry %q", w)
		}
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	loader := NewLoader(nil, logging.NewDiscard())
	banned := loader.Load(context.Background(), []string{"/nonexistent/banned.txt"})
	if len(banned) != 0 {
		t.Errorf("missing file should contribute nothing, got %v", banned)
	}
}

func TestLoadHTTPSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote.example.com\n# skip\nother.example.com\n"))
	}))
	defer server.Close()

	loader := NewLoader(nil, logging.NewDiscard())
	banned := loader.Load(context.Background(), []string{server.URL})

	if len(banned) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(banned), banned)
	}
	if _, ok := banned["remote.example.com"]; !ok {
		t.Error("missing remote.example.com")
	}
}

func TestLoadHTTPErrorIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	loader := NewLoader(nil, logging.NewDiscard())
	banned := loader.Load(context.Background(), []string{server.URL})
	if len(banned) != 0 {
		t.Errorf("HTTP 500 source should contribute nothing, got %v", banned)
	}
}

func TestLoadUnreachableURLIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close() // connection refused from here on

	loader := NewLoader(nil, logging.NewDiscard())
	banned := loader.Load(context.Background(), []string{url})
	if len(banned) != 0 {
		t.Errorf("unreachable source should contribute nothing, got %v", banned)
	}
}

func TestLoadUnionsSources(t *testing.T) {
	file := writeListFile(t, "local.example.com\nshared.example.com\n")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote.example.com\nshared.example.com\n"))
	}))
	defer server.Close()

	loader := NewLoader(nil, logging.NewDiscard())
	banned := loader.Load(context.Background(), []string{file, server.URL, "/missing.txt"})

	if len(banned) != 3 {
		t.Fatalf("expected union of 3 unique entries, got %d: %v", len(banned), banned)
	}
	for _, w := range []string{"local.example.com", "shared.example.com", "remote.example.com"} {
		if _, ok := banned[w]; !ok {
			t.Errorf("missing entry %q", w)
		}
	}
}

func TestLoadNoSources(t *testing.T) {
	loader := NewLoader(nil, logging.NewDiscard())
	banned := loader.Load(context.Background(), nil)
	if len(banned) != 0 {
		t.Errorf("no sources should yield an empty set, got %v", banned)
	}
}
