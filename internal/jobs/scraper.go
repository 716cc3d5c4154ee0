package jobs

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/internal/config"
	"github.com/eventpulse/ig-events-worker/internal/jobs/instapify"
	"github.com/eventpulse/ig-events-worker/internal/jobs/sessionig"
	"github.com/eventpulse/ig-events-worker/internal/store"
	"github.com/eventpulse/ig-events-worker/pkg/client"
)

// PostSource is the narrow capability set the scrape job needs from either
// scraper path. The concrete implementation is chosen once per job from the
// resolved settings; nothing downstream branches on the scraper type again.
type PostSource interface {
	FetchRecentPosts(username string, limit int, known instapify.KnownSet) ([]types.Post, error)
	DownloadImage(url, destDir, baseName string) (string, error)
}

// NewApifySource is a function variable that can be replaced in tests.
var NewApifySource = func(cfg config.InstagramConfig, batchSize int) (PostSource, error) {
	apifyClient, err := instapify.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	chunkSize := cfg.ChunkSize
	if batchSize > 0 {
		chunkSize = batchSize
	}
	return &apifySource{
		fetcher: instapify.NewBatchFetcher(apifyClient, chunkSize, cfg.TimeoutSeconds),
	}, nil
}

// NewSessionSource is a function variable that can be replaced in tests.
var NewSessionSource = func(dataDir, username string) (PostSource, error) {
	sessionClient, err := sessionig.NewClient(dataDir, username)
	if err != nil {
		return nil, &AuthError{Reason: err.Error()}
	}
	return sessionClient, nil
}

// resolveSource builds the scraper adapter for one account. The account's
// own scraper type is honored only when settings allow per-account
// overrides; missing credentials for the resolved path are an auth failure.
func resolveSource(account *store.Account, settings config.ScraperSettings, cfg config.InstagramConfig, batchSize int) (PostSource, error) {
	scraperType := store.ScraperType(settings.DefaultScraperType)
	if settings.AllowAccountOverride && account.ScraperType != "" {
		scraperType = account.ScraperType
	}

	switch scraperType {
	case store.ScraperTypeSession:
		return NewSessionSource(cfg.DataDir, account.InstagramUsername)
	default:
		if cfg.ApifyAPIToken == "" {
			return nil, &AuthError{Reason: "no Apify API token configured"}
		}
		return NewApifySource(cfg, batchSize)
	}
}

// apifySource adapts the batch fetcher to the single-account PostSource
// contract and downloads images over plain HTTP (post images are served
// from a public CDN).
type apifySource struct {
	fetcher *instapify.BatchFetcher
}

func (s *apifySource) FetchRecentPosts(username string, limit int, known instapify.KnownSet) ([]types.Post, error) {
	buckets, err := s.fetcher.FetchPostsBatch([]string{username}, limit, map[string]instapify.KnownSet{
		strings.ToLower(username): known,
	})
	if err != nil {
		if client.IsRateLimited(err) {
			return nil, &RateLimitError{Err: err}
		}
		return nil, err
	}
	return buckets[strings.ToLower(username)], nil
}

func (s *apifySource) DownloadImage(url, destDir, baseName string) (string, error) {
	return DownloadImage(http.DefaultClient, url, destDir, baseName)
}

// DownloadImage fetches one image into destDir, deriving the extension from
// the response content type. It returns the path of the written file.
func DownloadImage(httpClient *http.Client, url, destDir, baseName string) (string, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return "", fmt.Errorf("error downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("error downloading image: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("error creating image directory: %w", err)
	}

	ext := extensionForContentType(resp.Header.Get("Content-Type"))
	path := filepath.Join(destDir, baseName+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("error creating image file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("error writing image file: %w", err)
	}

	logrus.Debugf("Downloaded image %s to %s", url, path)
	return path, nil
}

func extensionForContentType(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	case strings.Contains(contentType, "gif"):
		return ".gif"
	default:
		return ".jpg"
	}
}

// MimeTypeForPath maps a downloaded image path back to a mime type for the
// vision request.
func MimeTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
