package fname_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildaccel/shortcut/config"
	"github.com/buildaccel/shortcut/fname"
)

func newInterner() *fname.Interner {
	m := config.Compile(config.Config{
		SystemLocations: []string{"/usr"},
		IgnoreLocations: []string{"/proc"},
	})
	return fname.NewInterner(m)
}

func TestInterningIdentity(t *testing.T) {
	in := newInterner()
	n1 := in.Get("/a/b/c")
	n2 := in.Get("/a/b/c")
	require.True(t, n1 == n2, "Get must return the same pointer for the same path")

	n3 := in.Get("/a/b/d")
	require.False(t, n1 == n3)
}

func TestLocationPredicates(t *testing.T) {
	in := newInterner()
	require.True(t, in.Get("/usr/bin/gcc").IsSystemLocation())
	require.False(t, in.Get("/home/x").IsSystemLocation())
	require.True(t, in.Get("/proc/1/status").IsIgnoreLocation())
}

func TestParentDir(t *testing.T) {
	in := newInterner()
	n := in.Get("/a/b/c")
	parent := in.ParentDir(n)
	require.Equal(t, "/a/b", parent.Path())
	require.Nil(t, in.ParentDir(in.Get("/")))
}

func TestOpenForWritingGeneration(t *testing.T) {
	in := newInterner()
	n := in.Get("/a/file")
	require.False(t, n.IsOpenForWriting())
	require.EqualValues(t, 0, n.WriteGeneration())

	n.OpenForWriting()
	require.True(t, n.IsOpenForWriting())
	require.EqualValues(t, 1, n.WriteGeneration())

	n.OpenForWriting()
	require.EqualValues(t, 1, n.WriteGeneration(), "second concurrent writer must not bump the generation again")

	n.CloseForWriting()
	require.True(t, n.IsOpenForWriting())
	require.EqualValues(t, 1, n.WriteGeneration())

	n.CloseForWriting()
	require.False(t, n.IsOpenForWriting())
	require.EqualValues(t, 2, n.WriteGeneration())
}

func TestIsCanonical(t *testing.T) {
	require.True(t, fname.IsCanonical("/"))
	require.True(t, fname.IsCanonical("/a/b"))
	require.False(t, fname.IsCanonical("a/b"))
	require.False(t, fname.IsCanonical("/a/b/"))
	require.False(t, fname.IsCanonical("/a/./b"))
	require.False(t, fname.IsCanonical("/a/../b"))
}
