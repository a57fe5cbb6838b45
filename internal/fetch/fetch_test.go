package fetch

import (
	"archive/zip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	return New(Config{
		DownloadDir: t.TempDir(),
		Client:      http.DefaultClient,
	})
}

func TestFetchFilenameFromRFC5987(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''st%20mary%20charges.csv")
		w.Write([]byte("a,b\n"))
	}))
	defer srv.Close()

	path, err := newTestFetcher(t).Fetch(context.Background(), srv.URL+"/ignored")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := filepath.Base(path); got != "st mary charges.csv" {
		t.Errorf("filename = %q, want decoded filename*", got)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(body) != "a,b\n" {
		t.Errorf("body = %q", body)
	}
}

func TestFetchFilenameFromPlainDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="charges.json"`)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	path, err := newTestFetcher(t).Fetch(context.Background(), srv.URL+"/other-name")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := filepath.Base(path); got != "charges.json" {
		t.Errorf("filename = %q", got)
	}
}

func TestFetchFilenameFromURLSegment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	// The last path segment is URL-decoded.
	path, err := newTestFetcher(t).Fetch(context.Background(), srv.URL+"/files/123456_st%20mary_standardcharges.csv")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := filepath.Base(path); got != "123456_st mary_standardcharges.csv" {
		t.Errorf("filename = %q", got)
	}
}

func TestFetchFilenameFollowsRedirect(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, srv.URL+"/final/charges.csv", http.StatusFound)
			return
		}
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	path, err := newTestFetcher(t).Fetch(context.Background(), srv.URL+"/start")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := filepath.Base(path); got != "charges.csv" {
		t.Errorf("filename = %q, want the post-redirect segment", got)
	}
}

func TestFetchFilenameFromContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Write([]byte("a,b\n"))
	}))
	defer srv.Close()

	// No disposition header and no usable final segment.
	path, err := newTestFetcher(t).Fetch(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := filepath.Base(path); got != "download.csv" {
		t.Errorf("filename = %q", got)
	}
}

func TestFetchFilenameHashedFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	path, err := newTestFetcher(t).Fetch(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "download_") || !strings.HasSuffix(name, ".bin") {
		t.Errorf("filename = %q, want download_<h>.bin", name)
	}
}

func TestFetchForbiddenIsSkippable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), srv.URL+"/charges.csv")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestFetchServerErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), srv.URL+"/charges.csv")
	if err == nil {
		t.Fatal("no error for 500")
	}
	if errors.Is(err, ErrForbidden) {
		t.Error("500 mapped to ErrForbidden")
	}
}

func TestFetchCollisionSuffix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	first, err := f.Fetch(context.Background(), srv.URL+"/charges.csv")
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	second, err := f.Fetch(context.Background(), srv.URL+"/charges.csv")
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if first == second {
		t.Fatalf("second download overwrote %s", first)
	}
	if got := filepath.Base(second); got != "charges_1.csv" {
		t.Errorf("second filename = %q", got)
	}
}

func TestFetchBrowserHeaders(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	if _, err := newTestFetcher(t).Fetch(context.Background(), srv.URL+"/f.csv"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.Contains(gotUA, "Mozilla/5.0") {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotAccept != "*/*" {
		t.Errorf("Accept = %q", gotAccept)
	}
}

func writeZip(t *testing.T, dir string, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, "archive.zip")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(out)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry %s: %v", name, err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close zip file: %v", err)
	}
	return path
}

func TestExtractPassThrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "charges.csv")
	if err := os.WriteFile(path, []byte("a,b\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	payload, cleanup, err := Extract(path, []string{".csv", ".json"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if payload != path {
		t.Errorf("payload = %s, want the input path", payload)
	}
	if len(cleanup) != 1 || cleanup[0] != path {
		t.Errorf("cleanup = %v, want just the input", cleanup)
	}
}

func TestExtractZip(t *testing.T) {
	path := writeZip(t, t.TempDir(), map[string]string{
		"readme.txt":  "notes",
		"charges.csv": "a,b\n",
	})

	payload, cleanup, err := Extract(path, []string{".csv", ".json"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if filepath.Base(payload) != "charges.csv" {
		t.Errorf("payload = %s, want the csv entry", payload)
	}
	body, err := os.ReadFile(payload)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(body) != "a,b\n" {
		t.Errorf("payload body = %q", body)
	}

	// Cleanup must cover the archive and everything extracted from it.
	if !slices.Contains(cleanup, path) {
		t.Errorf("cleanup %v missing the archive", cleanup)
	}
	if !slices.Contains(cleanup, payload) {
		t.Errorf("cleanup %v missing the payload", cleanup)
	}
	var txt bool
	for _, p := range cleanup {
		if filepath.Base(p) == "readme.txt" {
			txt = true
		}
	}
	if !txt {
		t.Errorf("cleanup %v missing the non-payload entry", cleanup)
	}
}

func TestExtractZipNoAllowedExts(t *testing.T) {
	path := writeZip(t, t.TempDir(), map[string]string{"anything.xyz": "x"})

	payload, _, err := Extract(path, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if filepath.Base(payload) != "anything.xyz" {
		t.Errorf("payload = %s, want the first entry", payload)
	}
}

func TestExtractNoPayload(t *testing.T) {
	path := writeZip(t, t.TempDir(), map[string]string{"readme.txt": "x"})

	_, cleanup, err := Extract(path, []string{".csv", ".json"})
	if !errors.Is(err, ErrNoPayload) {
		t.Fatalf("err = %v, want ErrNoPayload", err)
	}
	// Even on failure the caller gets the paths to delete.
	if !slices.Contains(cleanup, path) {
		t.Errorf("cleanup %v missing the archive", cleanup)
	}
}

func TestParseIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.txt")
	content := `location-name: St. Mary Medical Center
mrf-url: https://example.org/charges.json
mrf-url:https://example.org/charges.csv
mrf-url: https://example.org/charges.json

some unrelated line
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	urls, err := ParseIndex(path)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	want := []string{"https://example.org/charges.csv", "https://example.org/charges.json"}
	if len(urls) != len(want) {
		t.Fatalf("urls = %v, want %d entries", urls, len(want))
	}
	for _, u := range want {
		if _, ok := urls[u]; !ok {
			t.Errorf("urls %v missing %s", urls, u)
		}
	}
}
