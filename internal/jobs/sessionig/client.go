package sessionig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/internal/jobs/instapify"
)

// ErrNotLoggedIn is returned when the stored session is missing, expired or
// rejected by Instagram.
var ErrNotLoggedIn = errors.New("no valid instagram session")

const (
	feedURL   = "https://i.instagram.com/api/v1/feed/user/%s/username/?count=%d"
	appID     = "936619743392459"
	defaultUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// Session is the stored authenticated state for one account, persisted as
// JSON under DATA_DIR/sessions/{username}.json by the session bootstrap
// tooling (out of band).
type Session struct {
	Username  string `json:"username"`
	SessionID string `json:"session_id"`
	CSRFToken string `json:"csrf_token,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Client is the session-based scraper path: one stored session drives one
// account at a time against Instagram's private JSON feed.
type Client struct {
	session    Session
	httpClient *http.Client
}

// NewClient loads the stored session for username and fails with
// ErrNotLoggedIn when none is usable.
func NewClient(dataDir, username string) (*Client, error) {
	session, err := loadSession(dataDir, username)
	if err != nil {
		return nil, err
	}
	return &Client{
		session:    session,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func loadSession(dataDir, username string) (Session, error) {
	path := filepath.Join(dataDir, "sessions", username+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrNotLoggedIn, path)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil || session.SessionID == "" {
		return Session{}, fmt.Errorf("%w: unreadable session file %s", ErrNotLoggedIn, path)
	}
	if session.Username == "" {
		session.Username = username
	}
	return session, nil
}

type feedResponse struct {
	Items []feedItem `json:"items"`
	User  struct {
		Username string `json:"username"`
	} `json:"user"`
	Status string `json:"status"`
}

type feedItem struct {
	Code        string `json:"code"`
	TakenAt     int64  `json:"taken_at"`
	MediaType   int    `json:"media_type"`
	ProductType string `json:"product_type"`
	Caption     *struct {
		Text string `json:"text"`
	} `json:"caption"`
	ImageVersions2 struct {
		Candidates []struct {
			URL string `json:"url"`
		} `json:"candidates"`
	} `json:"image_versions2"`
	VideoVersions []struct {
		URL string `json:"url"`
	} `json:"video_versions"`
}

// FetchRecentPosts pulls the newest posts of the account this session
// belongs to. The known set ends the scan early the same way the batch path
// does: two known posts in a row mean everything older is known too.
func (c *Client) FetchRecentPosts(username string, limit int, known instapify.KnownSet) ([]types.Post, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf(feedURL, username, limit), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating feed request: %w", err)
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching feed for %s: %w", username, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading feed response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: feed returned status %d", ErrNotLoggedIn, resp.StatusCode)
	default:
		return nil, fmt.Errorf("feed for %s returned status %d", username, resp.StatusCode)
	}

	var feed feedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("error parsing feed response: %w", err)
	}

	posts := make([]types.Post, 0, len(feed.Items))
	knownStreak := 0
	for _, item := range feed.Items {
		post, ok := itemToPost(item, username)
		if !ok {
			continue
		}
		if _, isKnown := known[post.ID]; isKnown {
			knownStreak++
		} else {
			knownStreak = 0
		}
		posts = append(posts, post)
		if knownStreak >= 2 {
			break
		}
		if len(posts) >= limit {
			break
		}
	}

	logrus.Debugf("Session feed for %s returned %d posts", username, len(posts))
	return posts, nil
}

// DownloadImage fetches a CDN image through the session's HTTP client so it
// shares cookies and user agent with the feed requests.
func (c *Client) DownloadImage(url, destDir, baseName string) (string, error) {
	return downloadWithClient(c.httpClient, url, destDir, baseName)
}

func (c *Client) decorate(req *http.Request) {
	ua := c.session.UserAgent
	if ua == "" {
		ua = defaultUA
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-IG-App-ID", appID)
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: c.session.SessionID})
	if c.session.CSRFToken != "" {
		req.AddCookie(&http.Cookie{Name: "csrftoken", Value: c.session.CSRFToken})
	}
}

func itemToPost(item feedItem, username string) (types.Post, bool) {
	if item.Code == "" {
		return types.Post{}, false
	}

	caption := ""
	if item.Caption != nil {
		caption = item.Caption.Text
	}

	imageURL := ""
	if len(item.ImageVersions2.Candidates) > 0 {
		imageURL = item.ImageVersions2.Candidates[0].URL
	}
	videoURL := ""
	if len(item.VideoVersions) > 0 {
		videoURL = item.VideoVersions[0].URL
	}

	permalink := fmt.Sprintf("https://www.instagram.com/p/%s/", item.Code)
	if item.ProductType == "clips" {
		permalink = fmt.Sprintf("https://www.instagram.com/reel/%s/", item.Code)
	}

	return types.Post{
		ID:            item.Code,
		Caption:       caption,
		Timestamp:     time.Unix(item.TakenAt, 0).UTC(),
		ImageURL:      imageURL,
		VideoURL:      videoURL,
		IsVideo:       videoURL != "",
		Permalink:     permalink,
		Username:      username,
		OwnerUsername: username,
	}, true
}

func downloadWithClient(httpClient *http.Client, url, destDir, baseName string) (string, error) {
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

	ext := ".jpg"
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
	return path, nil
}
