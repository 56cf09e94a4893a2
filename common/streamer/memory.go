package streamer

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Streamer used by the memory world and tests.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	byRun   map[string][]string
}

type memStream struct {
	chunks [][]byte
	closed bool
}

// NewMemory creates an empty in-memory streamer.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string]*memStream),
		byRun:   make(map[string][]string),
	}
}

func streamKey(runID, name string) string {
	return runID + "/" + Qualify(name)
}

func (m *Memory) WriteToStream(ctx context.Context, runID, name string, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.open(runID, name)
	if s.closed {
		return fmt.Errorf("%w: %s", ErrClosed, Qualify(name))
	}
	s.chunks = append(s.chunks, copyChunk(chunk))
	return nil
}

func (m *Memory) WriteToStreamMulti(ctx context.Context, runID, name string, framed []byte) error {
	chunks, err := SplitFrames(framed)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.open(runID, name)
	if s.closed {
		return fmt.Errorf("%w: %s", ErrClosed, Qualify(name))
	}
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (m *Memory) CloseStream(ctx context.Context, runID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.open(runID, name).closed = true
	return nil
}

func (m *Memory) ReadFromStream(ctx context.Context, runID, name string, startIndex int) ([][]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[streamKey(runID, name)]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, Qualify(name))
	}
	if startIndex < 0 || startIndex > len(s.chunks) {
		startIndex = len(s.chunks)
	}
	out := make([][]byte, 0, len(s.chunks)-startIndex)
	for _, c := range s.chunks[startIndex:] {
		out = append(out, copyChunk(c))
	}
	return out, s.closed, nil
}

func (m *Memory) ListStreamsByRunID(ctx context.Context, runID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.byRun[runID]...), nil
}

func (m *Memory) open(runID, name string) *memStream {
	key := streamKey(runID, name)
	s, ok := m.streams[key]
	if !ok {
		s = &memStream{}
		m.streams[key] = s
		m.byRun[runID] = append(m.byRun[runID], Qualify(name))
	}
	return s
}
