package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildaccel/shortcut/config"
	"github.com/buildaccel/shortcut/protocol"
	"github.com/buildaccel/shortcut/supervisor"
)

type nopCodec struct{}

func (nopCodec) NewDecoder(fd int) protocol.Decoder     { return nil }
func (nopCodec) NewAckWriter(fd int) protocol.AckWriter { return nil }

func TestNewPrecreatesShardDirectories(t *testing.T) {
	cacheDir := t.TempDir()
	s, err := supervisor.New(context.Background(), supervisor.Options{
		Config:   config.Config{},
		CacheDir: cacheDir,
		Command:  []string{"/bin/true"},
		Codec:    nopCodec{},
	})
	require.NoError(t, err)
	defer s.Close()

	// Spot-check a few shard directories of both caches.
	for _, sub := range []string{"blobs/A/AA", "blobs/_/__", "objs/z/z9", "objs/0/0-"} {
		st, err := os.Stat(filepath.Join(cacheDir, sub))
		require.NoError(t, err, sub)
		require.True(t, st.IsDir())
	}
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	_, err := supervisor.New(context.Background(), supervisor.Options{
		CacheDir: t.TempDir(),
		Codec:    nopCodec{},
	})
	require.Error(t, err)
}
