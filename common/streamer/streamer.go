// Package streamer provides run-scoped chunked byte streams. Workflows
// write through a stream capability during replay; external readers tail
// the chunks in order and observe a close marker.
package streamer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NamePrefix marks stream names on the wire and in the run index.
const NamePrefix = "strm_"

var (
	// ErrNotFound reports a stream that was never written to.
	ErrNotFound = errors.New("streamer: stream not found")
	// ErrClosed reports a write to a closed stream.
	ErrClosed = errors.New("streamer: stream closed")
)

// Streamer is the transport contract for run-scoped streams.
type Streamer interface {
	WriteToStream(ctx context.Context, runID, name string, chunk []byte) error
	// WriteToStreamMulti appends every chunk of a framed batch in order.
	WriteToStreamMulti(ctx context.Context, runID, name string, framed []byte) error
	CloseStream(ctx context.Context, runID, name string) error
	// ReadFromStream returns chunks starting at startIndex and whether the
	// stream has been closed.
	ReadFromStream(ctx context.Context, runID, name string, startIndex int) ([][]byte, bool, error)
	ListStreamsByRunID(ctx context.Context, runID string) ([]string, error)
}

// Qualify applies the stream name prefix if absent.
func Qualify(name string) string {
	if strings.HasPrefix(name, NamePrefix) {
		return name
	}
	return NamePrefix + name
}

// FrameChunks packs chunks into the multi-write wire form: a 4-byte
// big-endian length before each chunk's bytes, repeated.
func FrameChunks(chunks [][]byte) []byte {
	size := 0
	for _, c := range chunks {
		size += 4 + len(c)
	}
	out := make([]byte, 0, size)
	var hdr [4]byte
	for _, c := range chunks {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(c)))
		out = append(out, hdr[:]...)
		out = append(out, c...)
	}
	return out
}

// SplitFrames is the inverse of FrameChunks.
func SplitFrames(framed []byte) ([][]byte, error) {
	var chunks [][]byte
	for len(framed) > 0 {
		if len(framed) < 4 {
			return nil, fmt.Errorf("streamer: truncated frame header")
		}
		n := binary.BigEndian.Uint32(framed[:4])
		framed = framed[4:]
		if uint32(len(framed)) < n {
			return nil, fmt.Errorf("streamer: frame shorter than declared length %d", n)
		}
		c := make([]byte, n)
		copy(c, framed[:n])
		chunks = append(chunks, c)
		framed = framed[n:]
	}
	return chunks, nil
}

// copyChunk preserves empty-but-present chunks; readers get back exactly
// the chunks that were written, never nil for an empty one.
func copyChunk(c []byte) []byte {
	out := make([]byte, len(c))
	copy(out, c)
	return out
}

// RateLimitError carries a transport backpressure hint.
type RateLimitError struct {
	After time.Duration
	Err   error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("streamer: rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// writeRetry runs op under exponential backoff with jitter, stretching the
// next interval to honor any RetryAfter hint the transport returned.
func writeRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	var last error
	for {
		last = op()
		if last == nil {
			return nil
		}
		if errors.Is(last, ErrClosed) || errors.Is(last, ErrNotFound) {
			return last
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return last
		}
		var rl *RateLimitError
		if errors.As(last, &rl) && rl.After > wait {
			wait = rl.After
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
