// Package progressstream adapts a byte-stream source so that progress
// snapshots are published at most every 100ms and on the first successful
// read, matching the throttling described for the core install pipeline.
package progressstream

import (
	"io"
	"sync"
	"time"
)

// Snapshot is one Installing{bytes, total} progress observation.
type Snapshot struct {
	BytesRead int64
	Total     int64
}

// Percent computes floor(100*bytes/total) when total is known and
// positive, or -1 otherwise.
func (s Snapshot) Percent() int {
	if s.Total <= 0 {
		return -1
	}

	return int(100 * s.BytesRead / s.Total)
}

const throttle = 100 * time.Millisecond

// Reader wraps an io.Reader, invoking a publish callback on a time-throttled
// cadence as bytes flow through.
type Reader struct {
	source  io.Reader
	total   int64
	publish func(Snapshot)

	mu        sync.Mutex
	bytesRead int64
	lastSent  time.Time
	firstSent bool
}

// New wraps source, whose total size (0 if unknown) is used for percent
// computation. publish is invoked with a Snapshot at most every 100ms and on
// the first successful read.
func New(source io.Reader, total int64, publish func(Snapshot)) *Reader {
	return &Reader{source: source, total: total, publish: publish}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)

	if n > 0 {
		r.mu.Lock()
		r.bytesRead += int64(n)
		now := time.Now()

		shouldPublish := !r.firstSent || now.Sub(r.lastSent) >= throttle
		if shouldPublish {
			r.firstSent = true
			r.lastSent = now
		}

		snapshot := Snapshot{BytesRead: r.bytesRead, Total: r.total}
		r.mu.Unlock()

		if shouldPublish {
			r.publish(snapshot)
		}
	}

	return n, err
}
