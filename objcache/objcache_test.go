package objcache_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildaccel/shortcut/hash"
	"github.com/buildaccel/shortcut/objcache"
)

func TestStoreRetrieveRoundTrip(t *testing.T) {
	c, err := objcache.Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	fp := hash.FromBytes([]byte("fingerprint"))
	record := []byte(`{"inputs":{},"outputs":{"exit_status":0}}`)
	sub, err := c.Store(fp, record)
	require.NoError(t, err)

	got, err := c.Retrieve(fp, sub)
	require.NoError(t, err)
	require.Equal(t, record, got)
}

func TestRetrieveMissingEntry(t *testing.T) {
	c, err := objcache.Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Retrieve(hash.FromBytes([]byte("nope")), hash.FromBytes([]byte("sub")))
	require.Error(t, err)
}

func TestListSubkeysNewestFirst(t *testing.T) {
	c, err := objcache.Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	fp := hash.FromBytes([]byte("fp"))
	first, err := c.Store(fp, []byte("older"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	second, err := c.Store(fp, []byte("newer"))
	require.NoError(t, err)

	subs, err := c.ListSubkeys(fp)
	require.NoError(t, err)
	require.Equal(t, []objcache.Subkey{second, first}, subs, "most recently stored candidate is tried first")
}

func TestListSubkeysEmptyFingerprint(t *testing.T) {
	c, err := objcache.Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	subs, err := c.ListSubkeys(hash.FromBytes([]byte("unseen")))
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestDeterministicSubkeysDeriveFromContent(t *testing.T) {
	c, err := objcache.Open(t.TempDir(), objcache.WithDeterministicSubkeys(true))
	require.NoError(t, err)
	defer c.Close()

	fp := hash.FromBytes([]byte("fp"))
	sub, err := c.Store(fp, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, hash.FromBytes([]byte("payload")), sub)
}

func TestCompressionRoundTrip(t *testing.T) {
	c, err := objcache.Open(t.TempDir(), objcache.WithCompression(true))
	require.NoError(t, err)
	defer c.Close()

	fp := hash.FromBytes([]byte("fp"))
	record := make([]byte, 8192) // compressible zeros
	sub, err := c.Store(fp, record)
	require.NoError(t, err)
	got, err := c.Retrieve(fp, sub)
	require.NoError(t, err)
	require.Equal(t, record, got)
}

func TestDebugJSONCompanionWritten(t *testing.T) {
	dir := t.TempDir()
	c, err := objcache.Open(dir, objcache.WithDebugJSON(true))
	require.NoError(t, err)
	defer c.Close()

	fp := hash.FromBytes([]byte("fp"))
	sub, err := c.Store(fp, []byte("rec"))
	require.NoError(t, err)

	b64 := fp.Base64()
	companion := filepath.Join(dir, b64[0:1], b64[0:2], b64, sub.Base64()+"_debug.json")
	_, err = os.Stat(companion)
	require.NoError(t, err, "debug-cache mode writes a _debug.json next to the entry")

	// The companion must not show up as a subkey.
	subs, err := c.ListSubkeys(fp)
	require.NoError(t, err)
	require.Equal(t, []objcache.Subkey{sub}, subs)
}
