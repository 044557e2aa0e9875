package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ImageStore resolves segment image references to local files the submit
// body can stream. References arrive in several historical shapes: absolute
// local paths, /static/images/ paths, legacy localhost URLs, and remote CDN
// URLs. Remote images are downloaded once into a content-addressed cache.
type ImageStore struct {
	imagesDir string
	cacheDir  string
	client    *http.Client
}

func NewImageStore(imagesDir string) *ImageStore {
	return &ImageStore{
		imagesDir: imagesDir,
		cacheDir:  filepath.Join(imagesDir, "remote_cache"),
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// normalizeImageRef rewrites historical reference shapes to either a
// /static/images/ path or a genuine remote URL.
func normalizeImageRef(ref string) string {
	raw := strings.TrimSpace(ref)
	if raw == "" {
		return ""
	}

	if strings.HasPrefix(raw, "/static/images/") {
		return raw
	}
	if strings.HasPrefix(raw, "static/images/") {
		return "/" + raw
	}

	// Legacy absolute URLs like http://localhost:1001/static/images/x.jpg
	if idx := strings.Index(raw, "/static/images/"); idx >= 0 {
		return raw[idx:]
	}

	// URLs keep their shape; ResolveLocalPath decides per host whether to
	// probe the local images dir or download.
	if parsed, err := url.Parse(raw); err == nil &&
		(parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Hostname() != "" {
		return raw
	}

	normalized := strings.ReplaceAll(raw, "\\", "/")
	if strings.Contains(normalized, "/data/images/") || strings.HasPrefix(normalized, "data/images/") {
		return "/static/images/" + path.Base(normalized)
	}
	if strings.Contains(normalized, "/images/") {
		switch strings.ToLower(path.Ext(normalized)) {
		case ".jpg", ".jpeg", ".png", ".webp", ".gif":
			return "/static/images/" + path.Base(normalized)
		}
	}

	return raw
}

// ResolveLocalPath returns a local file path for an image reference,
// downloading and caching remote images as needed.
func (s *ImageStore) ResolveLocalPath(ctx context.Context, ref string) (string, error) {
	normalized := normalizeImageRef(ref)
	if normalized == "" {
		return "", fmt.Errorf("empty image reference")
	}

	// Already a local path
	if info, err := os.Stat(normalized); err == nil && !info.IsDir() {
		return normalized, nil
	}

	if strings.HasPrefix(normalized, "/static/images/") {
		candidate := filepath.Join(s.imagesDir, path.Base(normalized))
		if info, err := os.Stat(candidate); err == nil && info.Size() > 0 {
			return candidate, nil
		}
		return "", fmt.Errorf("local image not found: %s", candidate)
	}

	parsed, err := url.Parse(normalized)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("unresolvable image reference: %s", ref)
	}

	if localHosts[strings.ToLower(parsed.Hostname())] {
		// Legacy URL shape: try the filename in the local images dir first,
		// but fall through to a real download when it is not there.
		candidate := filepath.Join(s.imagesDir, path.Base(parsed.Path))
		if info, err := os.Stat(candidate); err == nil && info.Size() > 0 {
			return candidate, nil
		}
	}

	return s.fetchRemote(ctx, normalized)
}

// fetchRemote downloads a remote image into the content-addressed cache.
// The cache key is derived from the URL so repeated jobs over the same story
// never re-download.
func (s *ImageStore) fetchRemote(ctx context.Context, imageURL string) (string, error) {
	suffix := strings.ToLower(path.Ext(strings.SplitN(imageURL, "?", 2)[0]))
	switch suffix {
	case ".png", ".jpg", ".jpeg", ".webp":
	default:
		suffix = ".png"
	}

	sum := sha256.Sum256([]byte(imageURL))
	name := hex.EncodeToString(sum[:])[:24] + suffix
	cached := filepath.Join(s.cacheDir, name)

	if info, err := os.Stat(cached); err == nil && info.Size() > 0 {
		log.Printf("[Images] cache hit: %s", cached)
		return cached, nil
	}

	if err := os.MkdirAll(s.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create image cache dir: %w", err)
	}

	log.Printf("[Images] downloading %s", truncate(imageURL, 80))

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(2 * time.Second):
			}
			log.Printf("[Images] retry %d/3 for %s", attempt, truncate(imageURL, 80))
		}

		if err := s.downloadOnce(ctx, imageURL, cached); err != nil {
			lastErr = err
			continue
		}
		return cached, nil
	}

	return "", fmt.Errorf("failed to download image after 3 attempts: %w", lastErr)
}

func (s *ImageStore) downloadOnce(ctx context.Context, imageURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", imageURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create image request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}

	written, err := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write image: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close cache file: %w", closeErr)
	}
	if written == 0 {
		os.Remove(tmp)
		return fmt.Errorf("downloaded image is empty")
	}

	return os.Rename(tmp, dest)
}
