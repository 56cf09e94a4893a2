package streamer

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/common/redis"
)

const (
	streamKeyPrefix = "loom:strm:"
	runIndexPrefix  = "loom:strm:idx:"
)

// Redis is a Streamer over redis streams. Chunks are XADD entries; closing
// appends a marker entry so readers see the close in order.
type Redis struct {
	client *redis.Client
	logger redis.Logger
}

// NewRedis creates a streamer over the given client.
func NewRedis(client *redis.Client, logger redis.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func redisStreamKey(runID, name string) string {
	return streamKeyPrefix + runID + ":" + Qualify(name)
}

func (r *Redis) WriteToStream(ctx context.Context, runID, name string, chunk []byte) error {
	closed, err := r.isClosed(ctx, runID, name)
	if err != nil {
		return err
	}
	if closed {
		return fmt.Errorf("%w: %s", ErrClosed, Qualify(name))
	}
	return writeRetry(ctx, func() error {
		if err := r.client.AddToSet(ctx, runIndexPrefix+runID, Qualify(name)); err != nil {
			return err
		}
		_, err := r.client.AddToStream(ctx, redisStreamKey(runID, name), map[string]interface{}{
			"data": string(chunk),
		})
		return err
	})
}

func (r *Redis) WriteToStreamMulti(ctx context.Context, runID, name string, framed []byte) error {
	chunks, err := SplitFrames(framed)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := r.WriteToStream(ctx, runID, name, c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) CloseStream(ctx context.Context, runID, name string) error {
	return writeRetry(ctx, func() error {
		if err := r.client.AddToSet(ctx, runIndexPrefix+runID, Qualify(name)); err != nil {
			return err
		}
		_, err := r.client.AddToStream(ctx, redisStreamKey(runID, name), map[string]interface{}{
			"closed": "1",
		})
		return err
	})
}

func (r *Redis) ReadFromStream(ctx context.Context, runID, name string, startIndex int) ([][]byte, bool, error) {
	entries, err := r.client.RangeStream(ctx, redisStreamKey(runID, name))
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, Qualify(name))
	}

	var chunks [][]byte
	closed := false
	index := 0
	for _, entry := range entries {
		if _, ok := entry.Values["closed"]; ok {
			closed = true
			continue
		}
		data, ok := entry.Values["data"].(string)
		if !ok {
			continue
		}
		if index >= startIndex {
			chunks = append(chunks, copyChunk([]byte(data)))
		}
		index++
	}
	return chunks, closed, nil
}

func (r *Redis) ListStreamsByRunID(ctx context.Context, runID string) ([]string, error) {
	return r.client.SetMembers(ctx, runIndexPrefix+runID)
}

func (r *Redis) isClosed(ctx context.Context, runID, name string) (bool, error) {
	entries, err := r.client.RangeStream(ctx, redisStreamKey(runID, name))
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if _, ok := entry.Values["closed"]; ok {
			return true, nil
		}
	}
	return false, nil
}
