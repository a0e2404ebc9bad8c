package origin

import (
	"io"
	"time"

	"golang.org/x/time/rate"
)

// progressThrottle gates a ProgressFunc so it fires at most once per
// thresholdBytes of cumulative transfer, and never more than a few times a
// second even under extreme throughput, using a token bucket
// (golang.org/x/time/rate) as the non-blocking gate.
type progressThrottle struct {
	fn             ProgressFunc
	thresholdBytes int64
	limiter        *rate.Limiter

	lastReported int64
	total        int64
}

func newProgressThrottle(fn ProgressFunc, total, thresholdBytes int64) *progressThrottle {
	return &progressThrottle{
		fn:             fn,
		thresholdBytes: thresholdBytes,
		limiter:        rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		total:          total,
	}
}

// report is called with the cumulative bytes transferred so far. It never
// blocks: a throttle gate that isn't satisfied simply drops the update.
func (t *progressThrottle) report(transferred int64, final bool) {
	if t.fn == nil {
		return
	}
	if !final {
		if transferred-t.lastReported < t.thresholdBytes {
			return
		}
		if !t.limiter.Allow() {
			return
		}
	}
	t.lastReported = transferred
	// Run off the hot path so a slow consumer (e.g. a DB write) cannot stall
	// the transfer.
	go t.fn(transferred, t.total)
}

// boundedCountingReader wraps r so that (a) every Read call is capped to
// maxChunk bytes regardless of the caller's buffer, bounding per-read memory
// independent of file size, and (b) the progress throttle is fed as bytes
// flow through.
type boundedCountingReader struct {
	r        io.Reader
	maxChunk int
	read     int64
	throttle *progressThrottle
}

func newBoundedCountingReader(r io.Reader, maxChunk int, throttle *progressThrottle) *boundedCountingReader {
	return &boundedCountingReader{r: r, maxChunk: maxChunk, throttle: throttle}
}

func (b *boundedCountingReader) Read(p []byte) (int, error) {
	if len(p) > b.maxChunk {
		p = p[:b.maxChunk]
	}
	n, err := b.r.Read(p)
	if n > 0 {
		b.read += int64(n)
		if b.throttle != nil {
			b.throttle.report(b.read, err == io.EOF)
		}
	}
	if err == io.EOF && b.throttle != nil {
		b.throttle.report(b.read, true)
	}
	return n, err
}
