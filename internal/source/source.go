// Package source loads the files a provisioning run uploads: CSV data,
// layer definitions and the like. Files come from disk, an embedded
// filesystem, or a read-only HTTP location.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// MaxSize caps a single payload.
const MaxSize = 64 << 20

type Payload struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	SHA256  string `json:"sha256"`
	Content []byte `json:"-"`
}

func (p Payload) Size() int { return len(p.Content) }

// Load resolves ref as an http(s) URL or as a file path relative to baseDir.
func Load(ctx context.Context, ref, baseDir string) (Payload, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Payload{}, fmt.Errorf("source: empty reference")
	}
	if IsURL(ref) {
		return FetchHTTP(ctx, ref, 0)
	}
	if !filepath.IsAbs(ref) && baseDir != "" {
		ref = filepath.Join(baseDir, ref)
	}
	return ReadFile(ref)
}

func IsURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// ReadFile reads a local file.
func ReadFile(p string) (Payload, error) {
	f, err := os.Open(p)
	if err != nil {
		return Payload{}, fmt.Errorf("source: %w", err)
	}
	defer f.Close()
	b, err := readCapped(f)
	if err != nil {
		return Payload{}, fmt.Errorf("source %s: %w", p, err)
	}
	return newPayload(filepath.Base(p), p, b), nil
}

// ReadFS reads a file from fsys, typically an embedded filesystem.
func ReadFS(fsys fs.FS, name string) (Payload, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return Payload{}, fmt.Errorf("source: %w", err)
	}
	defer f.Close()
	b, err := readCapped(f)
	if err != nil {
		return Payload{}, fmt.Errorf("source %s: %w", name, err)
	}
	return newPayload(path.Base(name), name, b), nil
}

// FetchHTTP downloads a published, read-only file. No credentials are sent.
func FetchHTTP(ctx context.Context, rawURL string, timeout time.Duration) (Payload, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("source: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Payload{}, fmt.Errorf("source %s: http %d", rawURL, resp.StatusCode)
	}
	b, err := readCapped(resp.Body)
	if err != nil {
		return Payload{}, fmt.Errorf("source %s: %w", rawURL, err)
	}
	name := rawURL
	if i := strings.LastIndex(rawURL, "/"); i >= 0 && i < len(rawURL)-1 {
		name = rawURL[i+1:]
	}
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	return newPayload(name, rawURL, b), nil
}

func readCapped(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxSize {
		return nil, fmt.Errorf("larger than %d bytes", MaxSize)
	}
	return b, nil
}

func newPayload(name, p string, b []byte) Payload {
	h := sha256.Sum256(b)
	return Payload{
		Name:    name,
		Path:    p,
		SHA256:  hex.EncodeToString(h[:]),
		Content: b,
	}
}
