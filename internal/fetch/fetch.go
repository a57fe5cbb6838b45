package fetch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	utls "github.com/refraction-networking/utls"
)

// ErrForbidden marks a 403 response. Hospitals gate MRF downloads behind
// CDN rules that reject some clients outright; a 403 skips the URL instead
// of failing the run.
var ErrForbidden = errors.New("fetch: server returned 403")

// Browser User-Agent. Several hospital CDNs serve 403 to anything that
// does not look like a browser.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config drives a Fetcher. Zero values are replaced with safe defaults by New.
type Config struct {
	// DownloadDir is where fetched files land. Default: os.TempDir().
	DownloadDir string

	// Impersonate enables a randomized browser TLS ClientHello. Some CDNs
	// fingerprint the TLS handshake in addition to the User-Agent.
	Impersonate bool

	// Timeout bounds a single download. Default: 10 minutes.
	Timeout time.Duration

	// Client may be set by tests; when nil a client is built per the
	// settings above.
	Client *http.Client
}

// Fetcher downloads MRF payloads over HTTP(S) or from S3.
type Fetcher struct {
	dir    string
	client *http.Client
	s3fn   func(ctx context.Context) (*s3.Client, error)
}

func New(cfg Config) *Fetcher {
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newTransport(cfg.Impersonate),
		}
	}

	var cached *s3.Client
	return &Fetcher{
		dir:    cfg.DownloadDir,
		client: client,
		s3fn: func(ctx context.Context) (*s3.Client, error) {
			if cached != nil {
				return cached, nil
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("load AWS config: %w", err)
			}
			cached = s3.NewFromConfig(awsCfg)
			return cached, nil
		},
	}
}

// newTransport builds the HTTP transport. With impersonation on, the TLS
// handshake is replaced by a randomized browser-like ClientHello without
// ALPN, so the server settles on HTTP/1.1 and the transport must not try h2.
func newTransport(impersonate bool) *http.Transport {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   !impersonate,
		TLSHandshakeTimeout: 30 * time.Second,
	}
	if impersonate {
		tr.DialTLSContext = dialUTLS
	}
	return tr
}

func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	raw, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	conn := utls.UClient(raw, &utls.Config{ServerName: host}, utls.HelloRandomizedNoALPN)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
	}
	return conn, nil
}

// Fetch downloads one URL into the download dir and returns the local path.
// s3:// URLs go through the AWS SDK; everything else is a plain GET. A 403
// returns ErrForbidden so the caller can skip rather than fail.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if strings.HasPrefix(rawURL, "s3://") {
		return f.fetchS3(ctx, rawURL)
	}
	return f.fetchHTTP(ctx, rawURL)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("get %s: %w", rawURL, ErrForbidden)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get %s: unexpected status %s", rawURL, resp.Status)
	}

	name := resolveFilename(rawURL, resp)
	dest := f.uniquePath(name)

	if err := streamToFile(resp.Body, dest); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}

	slog.Debug("fetched", "url", rawURL, "path", dest)
	return dest, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, rawURL string) (string, error) {
	bucket, key, err := parseS3URI(rawURL)
	if err != nil {
		return "", err
	}
	client, err := f.s3fn(ctx)
	if err != nil {
		return "", err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return "", fmt.Errorf("s3 GetObject %s: %w", rawURL, err)
	}
	defer out.Body.Close()

	dest := f.uniquePath(path.Base(key))
	if err := streamToFile(out.Body, dest); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}

	slog.Debug("fetched", "url", rawURL, "path", dest)
	return dest, nil
}

// parseS3URI splits "s3://bucket/key/path" into bucket and key.
func parseS3URI(uri string) (bucket, key string, err error) {
	uri = strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(uri, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid S3 URI: must be s3://bucket/key")
	}
	return parts[0], parts[1], nil
}

// streamToFile copies the body to disk in fixed 8 KiB chunks. MRF files run
// to gigabytes; nothing here may buffer the whole body.
func streamToFile(body io.Reader, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	buf := make([]byte, 8*1024)
	_, copyErr := io.CopyBuffer(out, body, buf)
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

// resolveFilename picks a local filename for the response, in priority
// order: RFC 5987 filename*, plain filename=, the final URL's last path
// segment, an extension guessed from Content-Type, and finally a name
// hashed from the URL.
func resolveFilename(rawURL string, resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			// mime.ParseMediaType already decodes the RFC 5987 filename*
			// form and prefers it over filename=.
			if name := sanitizeFilename(params["filename"]); name != "" {
				return name
			}
		}
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	if u, err := url.Parse(finalURL); err == nil {
		seg := path.Base(u.Path)
		if seg != "" && seg != "/" && seg != "." {
			if decoded, err := url.QueryUnescape(seg); err == nil {
				seg = decoded
			}
			if name := sanitizeFilename(seg); name != "" {
				return name
			}
		}
	}

	ct := resp.Header.Get("Content-Type")
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	switch strings.TrimSpace(ct) {
	case "text/csv", "application/csv":
		return "download.csv"
	case "application/json":
		return "download.json"
	case "application/zip", "application/x-zip-compressed":
		return "download.zip"
	}

	h := fnv.New32a()
	h.Write([]byte(rawURL))
	return fmt.Sprintf("download_%d.bin", h.Sum32()%100000)
}

// sanitizeFilename strips path separators so a hostile Content-Disposition
// cannot write outside the download dir.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// uniquePath joins name onto the download dir, suffixing the stem when a
// previous download in the same run already took the name.
func (f *Fetcher) uniquePath(name string) string {
	dest := filepath.Join(f.dir, name)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		dest = filepath.Join(f.dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			return dest
		}
	}
}
