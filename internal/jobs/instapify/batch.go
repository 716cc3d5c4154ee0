package instapify

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/api/types"
	"github.com/eventpulse/ig-events-worker/pkg/client"
)

const (
	// DefaultChunkSize bounds how many usernames share one actor invocation.
	DefaultChunkSize = 8

	// defaultKnownStreak is how many consecutive already-known posts end a
	// per-account bucket. Results are assumed newest-first per account, so
	// after two known posts in a row everything further is also known.
	defaultKnownStreak = 2
)

// KnownSet holds the post IDs already persisted for one account.
type KnownSet map[string]struct{}

// ActorCollector is the slice of the fetch client the batch fetcher needs.
type ActorCollector interface {
	RunAndCollect(req ActorRequest, opts client.RunOptions) ([]json.RawMessage, error)
}

// BatchFetcher partitions accounts into chunks, fetches each chunk with one
// actor invocation and isolates poisoned accounts by recursively splitting a
// failing chunk in half.
type BatchFetcher struct {
	Client         ActorCollector
	ChunkSize      int
	KnownStreak    int
	TimeoutSeconds int
}

func NewBatchFetcher(c ActorCollector, chunkSize, timeoutSeconds int) *BatchFetcher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &BatchFetcher{
		Client:         c,
		ChunkSize:      chunkSize,
		KnownStreak:    defaultKnownStreak,
		TimeoutSeconds: timeoutSeconds,
	}
}

// FetchPostsBatch fetches up to limitPerUsername fresh posts for every
// username. knownIDs marks posts already persisted per account; once a
// bucket sees KnownStreak known posts in a row no further items are accepted
// into it for the current chunk. Buckets come back sorted newest-first and
// truncated to limitPerUsername.
func (f *BatchFetcher) FetchPostsBatch(usernames []string, limitPerUsername int, knownIDs map[string]KnownSet) (map[string][]types.Post, error) {
	result := make(map[string][]types.Post, len(usernames))
	for _, u := range usernames {
		result[strings.ToLower(u)] = nil
	}

	for _, chunk := range chunkStrings(usernames, f.ChunkSize) {
		if err := f.fetchChunk(chunk, limitPerUsername, knownIDs, result); err != nil {
			return nil, err
		}
	}

	for username, posts := range result {
		sort.SliceStable(posts, func(i, j int) bool {
			return posts[i].Timestamp.After(posts[j].Timestamp)
		})
		if len(posts) > limitPerUsername {
			posts = posts[:limitPerUsername]
		}
		result[username] = posts
	}

	return result, nil
}

// fetchChunk runs one chunk and distributes items into result. On a
// non-timeout failure the chunk is halved and both halves retried
// independently, so a single poisoned account cannot sink the whole batch.
// Timeouts propagate immediately: splitting only stretches a deadline that
// already elapsed.
func (f *BatchFetcher) fetchChunk(chunk []string, limitPerUsername int, knownIDs map[string]KnownSet, result map[string][]types.Post) error {
	req := ActorRequest{
		DirectURLs:      profileURLs(chunk),
		Usernames:       chunk,
		ResultsLimit:    limitPerUsername * len(chunk),
		MaxItems:        limitPerUsername * len(chunk),
		SkipPinnedPosts: false,
	}

	items, err := f.Client.RunAndCollect(req, client.RunOptions{
		TimeoutSeconds: f.TimeoutSeconds,
		DatasetLimit:   req.MaxItems,
	})
	if err != nil {
		if errors.Is(err, client.ErrRunTimeout) {
			return err
		}
		if len(chunk) == 1 {
			logrus.Errorf("Fetching posts for %s failed, skipping account: %v", chunk[0], err)
			return nil
		}
		logrus.Warnf("Chunk of %d accounts failed, splitting in half: %v", len(chunk), err)
		mid := len(chunk) / 2
		if err := f.fetchChunk(chunk[:mid], limitPerUsername, knownIDs, result); err != nil {
			return err
		}
		return f.fetchChunk(chunk[mid:], limitPerUsername, knownIDs, result)
	}

	f.distribute(chunk, items, knownIDs, result)
	return nil
}

// distribute routes items to their owning username's bucket, applying the
// consecutive-known cutoff per bucket.
func (f *BatchFetcher) distribute(chunk []string, items []json.RawMessage, knownIDs map[string]KnownSet, result map[string][]types.Post) {
	inChunk := make(map[string]bool, len(chunk))
	for _, u := range chunk {
		inChunk[strings.ToLower(u)] = true
	}

	streaks := make(map[string]int, len(chunk))
	closed := make(map[string]bool, len(chunk))

	for _, post := range ItemsToPosts(items) {
		owner := strings.ToLower(post.OwnerUsername)
		if !inChunk[owner] {
			logrus.Debugf("Dropping post %s from unexpected owner %q", post.ID, post.OwnerUsername)
			continue
		}
		if closed[owner] {
			continue
		}

		if _, known := knownIDs[owner][post.ID]; known {
			streaks[owner]++
			if streaks[owner] >= f.KnownStreak {
				closed[owner] = true
				logrus.Debugf("Bucket %s closed after %d consecutive known posts", owner, streaks[owner])
			}
		} else {
			streaks[owner] = 0
		}

		result[owner] = append(result[owner], post)
	}
}

func chunkStrings(items []string, size int) [][]string {
	var chunks [][]string
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		chunks = append(chunks, items[:n])
		items = items[n:]
	}
	return chunks
}

func profileURLs(usernames []string) []string {
	urls := make([]string, len(usernames))
	for i, u := range usernames {
		urls[i] = fmt.Sprintf("https://www.instagram.com/%s/", u)
	}
	return urls
}
