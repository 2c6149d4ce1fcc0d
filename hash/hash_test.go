package hash_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildaccel/shortcut/hash"
)

func TestDeterminism(t *testing.T) {
	h1 := hash.FromBytes([]byte("hello"))
	h2 := hash.FromBytes([]byte("hello"))
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, hash.FromBytes([]byte("world")))
}

func TestEmptyBuffer(t *testing.T) {
	h := hash.FromBytes(nil)
	require.False(t, h.IsZero(), "hash of empty buffer should not be the zero sentinel")
}

func TestEncodingRoundTrip(t *testing.T) {
	h := hash.FromBytes([]byte("round trip me"))
	h2, err := hash.ParseHex(h.String())
	require.NoError(t, err)
	require.Equal(t, h, h2)

	h3, err := hash.ParseBase64(h.Base64())
	require.NoError(t, err)
	require.Equal(t, h, h3)
}

func TestFromFileMatchesFromBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	h, err := hash.FromPath(path, nil)
	require.NoError(t, err)
	require.Equal(t, hash.FromBytes([]byte("hello")), h)
}

func TestFromPathRejectsNonRegular(t *testing.T) {
	dir := t.TempDir()
	_, err := hash.FromPath(dir, nil)
	require.ErrorIs(t, err, hash.ErrUnsuitable)
}

func TestDirectoryHashSensitiveToListing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("y"), 0644))

	h1, err := hash.FromDir(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c"), []byte("z"), 0644))
	h2, err := hash.FromDir(dir)
	require.NoError(t, err)

	require.NotEqual(t, h1, h2, "adding an entry must change the directory hash")
}

func TestDirectoryHashIgnoresContent(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "same-name"), []byte("one"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "same-name"), []byte("a very different body"), 0644))

	hA, err := hash.FromDir(dirA)
	require.NoError(t, err)
	hB, err := hash.FromDir(dirB)
	require.NoError(t, err)
	require.Equal(t, hA, hB, "directory hash depends only on the sorted name listing")
}

func TestWriterMatchesFromBytes(t *testing.T) {
	w := hash.NewWriter()
	_, err := w.Write([]byte("hel"))
	require.NoError(t, err)
	_, err = w.Write([]byte("lo"))
	require.NoError(t, err)
	require.Equal(t, hash.FromBytes([]byte("hello")), w.Sum())
}
