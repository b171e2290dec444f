package ingest

import (
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
)

// Number of recent ingests that we remember for the stats API
const RecentStatsSize = 64

// Sample describes one completed ingest
type Sample struct {
	ID              string    `json:"id"`
	Filter          string    `json:"filter"`
	Frames          int64     `json:"frames"`
	Bytes           int64     `json:"bytes"`
	Seconds         float64   `json:"seconds"`         // Wall time of the whole ingest
	FramesPerSecond float64   `json:"framesPerSecond"` // Processing throughput, not the video frame rate
	CompletedAt     time.Time `json:"completedAt"`
}

// StatsSummary is a point in time copy of Stats
type StatsSummary struct {
	TotalIngests   int64    `json:"totalIngests"`
	TotalFailures  int64    `json:"totalFailures"`
	TotalFrames    int64    `json:"totalFrames"`
	TotalBytes     int64    `json:"totalBytes"`
	AverageSeconds float64  `json:"averageSeconds"`
	Recent         []Sample `json:"recent"` // Oldest first
}

// Stats is safe for concurrent use
type Stats struct {
	lock          sync.Mutex
	recent        ringbuffer.RingP[Sample]
	totalIngests  int64
	totalFailures int64
	totalFrames   int64
	totalBytes    int64
	totalTime     time.Duration
}

func NewStats() *Stats {
	return &Stats{
		// The ring holds one less than its allocated size
		recent: ringbuffer.NewRingP[Sample](RecentStatsSize + 1),
	}
}

func (s *Stats) AddSuccess(sample Sample) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.recent.Add(sample)
	s.totalIngests++
	s.totalFrames += sample.Frames
	s.totalBytes += sample.Bytes
	s.totalTime += time.Duration(sample.Seconds * float64(time.Second))
}

func (s *Stats) AddFailure() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.totalFailures++
}

func (s *Stats) Summary() StatsSummary {
	s.lock.Lock()
	defer s.lock.Unlock()
	sum := StatsSummary{
		TotalIngests:  s.totalIngests,
		TotalFailures: s.totalFailures,
		TotalFrames:   s.totalFrames,
		TotalBytes:    s.totalBytes,
		Recent:        make([]Sample, 0, s.recent.Len()),
	}
	if s.totalIngests != 0 {
		sum.AverageSeconds = s.totalTime.Seconds() / float64(s.totalIngests)
	}
	for i := 0; i < s.recent.Len(); i++ {
		sum.Recent = append(sum.Recent, s.recent.Peek(i))
	}
	return sum
}
