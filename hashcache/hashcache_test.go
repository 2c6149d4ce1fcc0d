package hashcache_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildaccel/shortcut/fname"
	"github.com/buildaccel/shortcut/hashcache"
)

func TestLookupOpenForWritingIsDontKnow(t *testing.T) {
	in := fname.NewInterner(nil)
	n := in.Get("/a/file")
	n.OpenForWriting()
	c := hashcache.New(in)

	entry, typ, err := c.Lookup(n, func() (os.FileInfo, error) { return nil, nil }, false, false, nil)
	require.NoError(t, err)
	require.Nil(t, entry)
	require.Equal(t, hashcache.DontKnow, typ)
}

func TestLookupRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	in := fname.NewInterner(nil)
	n := in.Get(path)
	c := hashcache.New(in)

	entry, typ, err := c.Lookup(n, func() (os.FileInfo, error) { return os.Stat(path) }, false, false, nil)
	require.NoError(t, err)
	require.Equal(t, hashcache.IsReg, typ)
	require.True(t, entry.HasHash)
}

func TestLookupNotExist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing")

	in := fname.NewInterner(nil)
	n := in.Get(path)
	c := hashcache.New(in)

	_, typ, err := c.Lookup(n, func() (os.FileInfo, error) { return os.Stat(path) }, false, false, nil)
	require.NoError(t, err)
	require.Equal(t, hashcache.NotExist, typ)
}

func TestLookupRevalidatesOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	in := fname.NewInterner(nil)
	n := in.Get(path)
	c := hashcache.New(in)
	statFn := func() (os.FileInfo, error) { return os.Stat(path) }

	e1, _, err := c.Lookup(n, statFn, false, false, nil)
	require.NoError(t, err)
	h1 := e1.Hash

	require.NoError(t, os.WriteFile(path, []byte("world!!"), 0644))
	e2, _, err := c.Lookup(n, statFn, false, false, nil)
	require.NoError(t, err)
	require.NotEqual(t, h1, e2.Hash)
}

func TestInvalidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	in := fname.NewInterner(nil)
	n := in.Get(path)
	c := hashcache.New(in)
	statFn := func() (os.FileInfo, error) { return os.Stat(path) }
	_, _, err := c.Lookup(n, statFn, false, false, nil)
	require.NoError(t, err)

	c.Invalidate(n)
	// Shouldn't panic or misbehave on a second, post-invalidate lookup.
	_, _, err = c.Lookup(n, statFn, false, false, nil)
	require.NoError(t, err)
}
