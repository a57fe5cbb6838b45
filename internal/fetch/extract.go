package fetch

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoPayload is returned when a ZIP expands but none of its entries has
// an allowed extension.
var ErrNoPayload = errors.New("extract: no usable payload in archive")

// Extract resolves a downloaded file to its processable payload. Plain files
// pass through as their own payload. ZIPs are expanded into a sibling
// directory and the first entry with an allowed extension wins; with no
// allowed set, the first entry wins.
//
// The returned cleanup set contains every path this download put on disk,
// whether or not extraction succeeded; the caller owns deleting them.
func Extract(path string, allowedExts []string) (payload string, cleanup []string, err error) {
	cleanup = []string{path}

	zr, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, zip.ErrFormat) {
			// Not an archive; the download is the payload.
			return path, cleanup, nil
		}
		return "", cleanup, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer zr.Close()

	destDir := strings.TrimSuffix(path, filepath.Ext(path)) + "_extracted"
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", cleanup, fmt.Errorf("create extraction dir: %w", err)
	}
	cleanup = append(cleanup, destDir)

	var extracted []string
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		dest, err := extractEntry(entry, destDir)
		if dest != "" {
			cleanup = append(cleanup, dest)
		}
		if err != nil {
			return "", cleanup, fmt.Errorf("extract %s from %s: %w", entry.Name, path, err)
		}
		extracted = append(extracted, dest)
	}

	payload = pickPayload(extracted, allowedExts)
	if payload == "" {
		return "", cleanup, fmt.Errorf("%s: %w", path, ErrNoPayload)
	}
	return payload, cleanup, nil
}

func extractEntry(entry *zip.File, destDir string) (string, error) {
	// Flatten entry paths; hostile archives must not escape destDir.
	dest := filepath.Join(destDir, filepath.Base(entry.Name))

	src, err := entry.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr != nil {
		return dest, copyErr
	}
	return dest, closeErr
}

func pickPayload(extracted []string, allowedExts []string) string {
	if len(allowedExts) == 0 {
		if len(extracted) == 0 {
			return ""
		}
		return extracted[0]
	}
	for _, p := range extracted {
		ext := strings.ToLower(filepath.Ext(p))
		for _, allowed := range allowedExts {
			if ext == strings.ToLower(allowed) {
				return p
			}
		}
	}
	return ""
}
