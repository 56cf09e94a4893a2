package streamer

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/common/logger"
	"github.com/loomhq/loom/common/redis"
)

func TestFrameRoundTrip(t *testing.T) {
	chunks := [][]byte{[]byte("hello"), {}, []byte("world"), {0x00, 0xff}}
	framed := FrameChunks(chunks)

	got, err := SplitFrames(framed)
	require.NoError(t, err)
	assert.Equal(t, chunks, got)
}

func TestSplitFramesRejectsTruncation(t *testing.T) {
	framed := FrameChunks([][]byte{[]byte("abc")})

	_, err := SplitFrames(framed[:2])
	assert.Error(t, err)

	_, err = SplitFrames(framed[:5])
	assert.Error(t, err)
}

func streamerImpls(t *testing.T) map[string]Streamer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log := logger.New("error", "json")

	return map[string]Streamer{
		"memory": NewMemory(),
		"redis":  NewRedis(redis.NewClient(client, log), log),
	}
}

func TestWriteAndReadBack(t *testing.T) {
	for name, s := range streamerImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.WriteToStream(ctx, "r1", "out", []byte("a")))
			require.NoError(t, s.WriteToStream(ctx, "r1", "out", []byte{}))
			require.NoError(t, s.WriteToStream(ctx, "r1", "out", []byte("b")))

			chunks, closed, err := s.ReadFromStream(ctx, "r1", "out", 0)
			require.NoError(t, err)
			assert.False(t, closed)
			assert.Equal(t, [][]byte{[]byte("a"), {}, []byte("b")}, chunks)
		})
	}
}

func TestMultiWriteAndResume(t *testing.T) {
	for name, s := range streamerImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			framed := FrameChunks([][]byte{[]byte("one"), []byte("two"), []byte("three")})
			require.NoError(t, s.WriteToStreamMulti(ctx, "r1", "out", framed))

			chunks, _, err := s.ReadFromStream(ctx, "r1", "out", 1)
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("two"), []byte("three")}, chunks)
		})
	}
}

func TestCloseStream(t *testing.T) {
	for name, s := range streamerImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.WriteToStream(ctx, "r1", "out", []byte("a")))
			require.NoError(t, s.CloseStream(ctx, "r1", "out"))

			chunks, closed, err := s.ReadFromStream(ctx, "r1", "out", 0)
			require.NoError(t, err)
			assert.True(t, closed)
			assert.Len(t, chunks, 1)

			err = s.WriteToStream(ctx, "r1", "out", []byte("late"))
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestReadUnknownStream(t *testing.T) {
	for name, s := range streamerImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := s.ReadFromStream(context.Background(), "r1", "nope", 0)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListStreamsByRunID(t *testing.T) {
	for name, s := range streamerImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.WriteToStream(ctx, "r1", "out", []byte("a")))
			require.NoError(t, s.WriteToStream(ctx, "r1", "strm_log", []byte("b")))
			require.NoError(t, s.WriteToStream(ctx, "r2", "other", []byte("c")))

			names, err := s.ListStreamsByRunID(ctx, "r1")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"strm_out", "strm_log"}, names)
		})
	}
}
