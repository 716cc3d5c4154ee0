package stats

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StatType enumerates the counters the pipeline reports. The value is the
// JSON key used for serialization.
type StatType string

const (
	InstagramScrapes    StatType = "instagram_scrapes"
	InstagramPosts      StatType = "instagram_returned_posts"
	InstagramAuthErrors StatType = "instagram_auth_errors"
	InstagramRateErrors StatType = "instagram_ratelimit_errors"
	PostsClassified     StatType = "posts_classified"
	EventsExtracted     StatType = "events_extracted"
	ImageDownloadErrors StatType = "image_download_errors"
	ImportCreated       StatType = "import_created"
	ImportUpdated       StatType = "import_updated"
	ImportSkipped       StatType = "import_skipped"
)

// AddStat is the message sent by the rest of the worker to record statistics.
type AddStat struct {
	Type StatType
	Key  string // account username or import label
	Num  uint
}

// Stats is the structure the counters accumulate into.
type Stats struct {
	BootTimeUnix      int64                        `json:"boot_time"`
	LastOperationUnix int64                        `json:"last_operation_time"`
	CurrentTimeUnix   int64                        `json:"current_time"`
	Stats             map[string]map[StatType]uint `json:"stats"`
	sync.Mutex
}

// StatsCollector receives AddStat messages over a buffered channel so hot
// paths never block on the mutex.
type StatsCollector struct {
	Stats *Stats
	Chan  chan AddStat
}

// StartCollector starts a goroutine that listens for AddStat messages and
// updates the stats accordingly.
func StartCollector(bufSize uint) *StatsCollector {
	logrus.Info("Starting stats collector")

	s := Stats{
		BootTimeUnix: time.Now().Unix(),
		Stats:        make(map[string]map[StatType]uint),
	}

	ch := make(chan AddStat, bufSize)

	go func(s *Stats, ch chan AddStat) {
		for stat := range ch {
			s.Lock()
			s.LastOperationUnix = time.Now().Unix()
			if _, ok := s.Stats[stat.Key]; !ok {
				s.Stats[stat.Key] = make(map[StatType]uint)
			}
			s.Stats[stat.Key][stat.Type] += stat.Num
			s.Unlock()
			logrus.Debugf("Added %d to stat %s for %s", stat.Num, stat.Type, stat.Key)
		}
	}(&s, ch)

	return &StatsCollector{Stats: &s, Chan: ch}
}

// Json returns the current statistics as a JSON byte array.
func (s *StatsCollector) Json() ([]byte, error) {
	s.Stats.Lock()
	defer s.Stats.Unlock()
	s.Stats.CurrentTimeUnix = time.Now().Unix()
	return json.Marshal(s.Stats)
}

// Add is a convenience method to add a number to a statistic.
func (s *StatsCollector) Add(key string, typ StatType, num uint) {
	if s == nil {
		return
	}
	s.Chan <- AddStat{Key: key, Type: typ, Num: num}
}
