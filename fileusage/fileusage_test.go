package fileusage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildaccel/shortcut/fileusage"
	"github.com/buildaccel/shortcut/hash"
)

func TestMergeAdoptsNewerInitialStateFromUnknown(t *testing.T) {
	in := fileusage.NewInterner()
	older := in.Intern(fileusage.Usage{Initial: fileusage.NewUnknown()})
	h := hash.FromBytes([]byte("x"))
	size := int64(1)
	newer := in.Intern(fileusage.Usage{Initial: fileusage.NewReg(&size, &h)})

	merged := in.Merge(older, newer)
	require.Equal(t, fileusage.IsReg, merged.Initial.Type)
}

func TestMergeWrittenIsSticky(t *testing.T) {
	in := fileusage.NewInterner()
	a := in.Intern(fileusage.Usage{Initial: fileusage.NewNotExist(), Written: true})
	b := in.Intern(fileusage.Usage{Initial: fileusage.NewNotExist(), Written: false})
	require.True(t, in.Merge(a, b).Written)
	require.True(t, in.Merge(b, a).Written)
}

func TestMergeIdempotent(t *testing.T) {
	in := fileusage.NewInterner()
	u := in.Intern(fileusage.Usage{Initial: fileusage.NewNotExist(), Written: true})
	require.True(t, in.Merge(u, u) == u)
}

func TestMergeAssociative(t *testing.T) {
	in := fileusage.NewInterner()
	size := int64(3)
	h := hash.FromBytes([]byte("abc"))
	a := in.Intern(fileusage.Usage{Initial: fileusage.NewUnknown()})
	b := in.Intern(fileusage.Usage{Initial: fileusage.NewReg(&size, &h), Written: true})
	c := in.Intern(fileusage.Usage{Initial: fileusage.NewNotExist(), UnknownErr: 13})

	left := in.Merge(in.Merge(a, b), c)
	right := in.Merge(a, in.Merge(b, c))
	require.Equal(t, *left, *right)
}

func TestMergeReturnsSamePointerWhenUnchanged(t *testing.T) {
	in := fileusage.NewInterner()
	size := int64(0)
	h := hash.FromBytes(nil)
	a := in.Intern(fileusage.Usage{Initial: fileusage.NewReg(&size, &h), Written: true})
	b := in.Intern(fileusage.Usage{Initial: fileusage.NewUnknown()})

	require.True(t, in.Merge(a, b) == a, "merging in a strictly-less-informative newer value must not allocate a new Usage")
}

func TestInfoMatches(t *testing.T) {
	size := int64(0)
	empty := fileusage.NewReg(&size, nil)
	require.True(t, empty.Matches(fileusage.NotExistOrIsRegEmpty))
	require.True(t, fileusage.NewNotExist().Matches(fileusage.NotExistOrIsRegEmpty))
	require.True(t, fileusage.NewNotExist().Matches(fileusage.NotExistOrIsReg))
	require.False(t, fileusage.NewDir(nil).Matches(fileusage.IsReg))
	require.True(t, fileusage.NewDir(nil).Matches(fileusage.DontKnow))
}

func TestFromOpenParamsTruthTable(t *testing.T) {
	cases := []struct {
		name    string
		p       fileusage.OpenParams
		written bool
		typ     fileusage.Type
		lazy    fileusage.Deferred
	}{
		{"readonly", fileusage.OpenParams{}, false, fileusage.DontKnow, fileusage.DeferredOpen},
		{"creat-excl-trunc", fileusage.OpenParams{WriteIntent: true, Create: true, Excl: true, Truncate: true}, true, fileusage.NotExist, fileusage.DeferredNone},
		{"trunc-no-creat", fileusage.OpenParams{WriteIntent: true, Truncate: true}, true, fileusage.IsReg, fileusage.DeferredNone},
		{"trunc-creat-no-excl", fileusage.OpenParams{WriteIntent: true, Truncate: true, Create: true}, true, fileusage.NotExistOrIsReg, fileusage.DeferredNone},
		{"write-existing", fileusage.OpenParams{WriteIntent: true}, true, fileusage.IsReg, fileusage.DeferredHash},
		{"write-creat-no-trunc", fileusage.OpenParams{WriteIntent: true, Create: true}, true, fileusage.DontKnow, fileusage.DeferredWriteCreateNoTrunc},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			u := fileusage.FromOpenParams(c.p)
			require.Equal(t, c.written, u.Written)
			require.Equal(t, c.lazy, u.Deferred)
			if c.lazy == fileusage.DeferredNone {
				require.Equal(t, c.typ, u.Info.Type)
			}
		})
	}
}

func TestFromOpenParamsFailedOpen(t *testing.T) {
	u := fileusage.FromOpenParams(fileusage.OpenParams{Errno: 2})
	require.Equal(t, fileusage.NotExist, u.Info.Type)
	require.False(t, u.Written)

	u = fileusage.FromOpenParams(fileusage.OpenParams{Errno: 13})
	require.Equal(t, 13, u.UnknownErr)
	require.True(t, fileusage.IsUnexpectedErrno(13))
	require.False(t, fileusage.IsUnexpectedErrno(2))
}
