package process_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildaccel/shortcut/config"
	"github.com/buildaccel/shortcut/fileusage"
	"github.com/buildaccel/shortcut/fname"
	"github.com/buildaccel/shortcut/process"
)

func newExeced(t *testing.T, in *fname.Interner, us *fileusage.Interner, pid int, parent process.Proc, exe string) *process.Execed {
	t.Helper()
	return process.NewExeced(pid, pid, parent, in.Get(exe), []string{exe}, nil, nil, in.Get("/work"), us, nil)
}

func TestExecPointWalksThroughForked(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")
	forked := process.NewForked(2, 2, root)
	grandForked := process.NewForked(3, 3, forked)

	require.Equal(t, root, forked.ExecPoint())
	require.Equal(t, root, grandForked.ExecPoint())
	require.Equal(t, root, root.ExecPoint())
}

func TestRegisterFileUsagePropagatesToAncestors(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")
	mid := newExeced(t, in, us, 2, root, "/bin/sh")
	leaf := newExeced(t, in, us, 3, mid, "/bin/cat")

	name := in.Get("/work/a.txt")
	size := int64(5)
	leaf.RegisterFileUsage(name, fileusage.Update{Info: fileusage.NewReg(&size, nil)})

	// Propagation closure: every input recorded at the leaf appears,
	// merged, in every ancestor's map.
	for _, p := range []*process.Execed{leaf, mid, root} {
		u, ok := p.FileUsages[name]
		require.True(t, ok, "usage missing at %s", p.Executable.Path())
		require.Equal(t, fileusage.IsReg, u.Initial.Type)
	}
}

func TestPropagationStopsWhenMergeIsNoop(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")
	leaf := newExeced(t, in, us, 2, root, "/bin/cat")

	name := in.Get("/work/a.txt")
	leaf.RegisterFileUsage(name, fileusage.Update{Info: fileusage.NewNotExist()})
	first := root.FileUsages[name]
	leaf.RegisterFileUsage(name, fileusage.Update{Info: fileusage.NewNotExist()})
	require.True(t, root.FileUsages[name] == first, "no-op merge must keep the interned pointer")
}

func TestDisableShortcuttingBubblesToRoot(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")
	mid := newExeced(t, in, us, 2, root, "/bin/sh")
	leaf := newExeced(t, in, us, 3, mid, "/bin/cc")

	leaf.BubbleUp("clone", leaf)
	require.False(t, leaf.CanShortcut)
	require.False(t, mid.CanShortcut)
	require.False(t, root.CanShortcut)
	require.Equal(t, "clone", leaf.CantShortcutReason)
	require.True(t, leaf.CantShortcutBlame.(*process.Execed) == leaf)
	// Ancestors record a derived reason, not first blame.
	require.Equal(t, "descendant: clone", mid.CantShortcutReason)
}

func TestBubbleUpToExclStopsBeforeAncestor(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")
	mid := newExeced(t, in, us, 2, root, "/bin/sh")
	leaf := newExeced(t, in, us, 3, mid, "/bin/cc")

	leaf.BubbleUpToExcl(root, "utime", leaf)
	require.False(t, leaf.CanShortcut)
	require.False(t, mid.CanShortcut)
	require.True(t, root.CanShortcut)
}

func TestMaybeShortcutableAncestor(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")
	mid := newExeced(t, in, us, 2, root, "/bin/sh")
	leaf := newExeced(t, in, us, 3, mid, "/bin/cc")

	require.Equal(t, leaf, leaf.MaybeShortcutableAncestor())
	leaf.DisableShortcuttingOnlyThis("ioctl", leaf)
	require.Equal(t, mid, leaf.MaybeShortcutableAncestor())
	mid.DisableShortcuttingOnlyThis("ioctl", mid)
	require.Equal(t, root, leaf.MaybeShortcutableAncestor())
	root.DisableShortcuttingOnlyThis("ioctl", root)
	require.Nil(t, leaf.MaybeShortcutableAncestor())
}

func TestHandleOpenInstallsFD(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")

	process.HandleOpen(in, root, process.AtFDCWD, "a.txt", 0, 0, 3, 0)
	ffd := root.C().GetFD(3)
	require.NotNil(t, ffd)
	require.Equal(t, "/work/a.txt", ffd.OFD.Name.Path())
	require.True(t, ffd.Open)
	require.True(t, root.CanShortcut)
}

func TestHandleOpenForWriteTracksOpenForWriting(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")

	const oWronly, oCreat, oTrunc = 0x1, 0x40, 0x200
	process.HandleOpen(in, root, process.AtFDCWD, "/work/out.txt", oWronly|oCreat|oTrunc, 0644, 4, 0)
	name := in.Get("/work/out.txt")
	require.True(t, name.IsOpenForWriting())

	process.HandleClose(root, 4, 0)
	require.False(t, name.IsOpenForWriting())
	require.Nil(t, root.C().GetFD(4))
}

func TestDupSharesOpenForWritingUntilLastClose(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")

	const oWronly = 0x1
	process.HandleOpen(in, root, process.AtFDCWD, "/work/out.txt", oWronly, 0644, 4, 0)
	process.HandleDup3(root, 4, 7, 0, 0)
	name := in.Get("/work/out.txt")

	process.HandleClose(root, 4, 0)
	require.True(t, name.IsOpenForWriting(), "dup at fd 7 still holds the description open")
	process.HandleClose(root, 7, 0)
	require.False(t, name.IsOpenForWriting())
}

func TestUnknownFdCloseDisablesShortcutting(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")

	process.HandleClose(root, 9, 0)
	require.False(t, root.CanShortcut)
	require.Equal(t, "close: unknown fd", root.CantShortcutReason)
}

func TestUnexpectedOpenErrnoDisablesShortcutting(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")

	const eacces = 13
	process.HandleOpen(in, root, process.AtFDCWD, "/etc/shadow", 0, 0, -1, eacces)
	require.False(t, root.CanShortcut)
}

func TestIgnoreLocationUsageIsDropped(t *testing.T) {
	// An interner with no matcher never classifies paths as ignored, so
	// the usage is recorded; with /tmp configured as an ignore location
	// the same usage is dropped.
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")

	name := in.Get("/tmp/scratch")
	root.RegisterFileUsage(name, fileusage.Update{Info: fileusage.NewNotExist()})
	_, ok := root.FileUsages[name]
	require.True(t, ok)

	ignIn := fname.NewInterner(config.Compile(config.Config{IgnoreLocations: []string{"/tmp"}}))
	ignRoot := newExeced(t, ignIn, us, 1, nil, "/bin/make")
	ignName := ignIn.Get("/tmp/scratch")
	ignRoot.RegisterFileUsage(ignName, fileusage.Update{Info: fileusage.NewNotExist()})
	_, ok = ignRoot.FileUsages[ignName]
	require.False(t, ok, "usage under an ignore location is dropped")
}

func TestSetWDRecordsVisitedDirectory(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")

	process.SetWD(in, root, "sub/dir")
	wd := in.Get("/work/sub/dir")
	require.Equal(t, wd, root.C().WD)
	require.True(t, root.VisitedWDs[wd])

	process.HandleFailWD(in, root, "/gone")
	require.True(t, root.FailedWDs[in.Get("/gone")])
}

func TestCopyFDTableSharesDescriptions(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")
	process.HandleOpen(in, root, process.AtFDCWD, "/work/a.txt", 0, 0, 3, 0)

	child := process.NewForked(2, 2, root)
	root.C().CopyFDTableTo(child)
	cffd := child.C().GetFD(3)
	require.NotNil(t, cffd)
	require.True(t, cffd.OFD == root.C().GetFD(3).OFD, "fork shares the open file description")
}

func TestResolvePathAgainstDirfd(t *testing.T) {
	in := fname.NewInterner(nil)
	us := fileusage.NewInterner()
	root := newExeced(t, in, us, 1, nil, "/bin/make")
	process.HandleOpen(in, root, process.AtFDCWD, "/work/sub", 0, 0, 5, 0)

	resolved := process.ResolvePath(in, root, 5, "inner.txt")
	require.Equal(t, "/work/sub/inner.txt", resolved.Path())

	require.Nil(t, process.ResolvePath(in, root, 42, "x"))
}
