package msgproc_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildaccel/shortcut/blobcache"
	"github.com/buildaccel/shortcut/cacher"
	"github.com/buildaccel/shortcut/config"
	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/fileusage"
	"github.com/buildaccel/shortcut/fname"
	"github.com/buildaccel/shortcut/hash"
	"github.com/buildaccel/shortcut/hashcache"
	"github.com/buildaccel/shortcut/msgproc"
	"github.com/buildaccel/shortcut/objcache"
	"github.com/buildaccel/shortcut/process"
	"github.com/buildaccel/shortcut/proctree"
	"github.com/buildaccel/shortcut/protocol"
)

// fakeWriter records replies instead of writing a socket.
type fakeWriter struct {
	acks   []uint64
	resps  []*protocol.ScprocResp
	fdAcks []uint64
}

func (w *fakeWriter) SendAck(id uint64) error { w.acks = append(w.acks, id); return nil }

func (w *fakeWriter) SendScprocResp(resp *protocol.ScprocResp, fds []int) error {
	w.resps = append(w.resps, resp)
	return nil
}

func (w *fakeWriter) SendFds(id uint64, fds []int) error {
	w.fdAcks = append(w.fdAcks, id)
	return nil
}

// fakePipes satisfies msgproc.Pipes without any real fds.
type fakePipes struct {
	created  int
	attached map[*process.Execed][]int
}

func (f *fakePipes) CreatePipe(p process.Proc, flags int) ([]int, error) {
	f.created++
	return []int{10, 11}, nil
}
func (f *fakePipes) RegisterPipeFds(p process.Proc, fd0, fd1 int) {}
func (f *fakePipes) AttachRecorders(e *process.Execed, joined []int) {
	if f.attached == nil {
		f.attached = make(map[*process.Execed][]int)
	}
	f.attached[e] = joined
}
func (f *fakePipes) Recordings(e *process.Execed) []cacher.PipeRecording { return nil }
func (f *fakePipes) Replay(fd int, h hash.Hash) error                    { return nil }

type env struct {
	pr   *msgproc.Processor
	tree *proctree.Tree
	work string
	exe  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	m := config.Compile(config.Config{})
	in := fname.NewInterner(m)
	us := fileusage.NewInterner()
	hc := hashcache.New(in)
	blobs, err := blobcache.Open(context.Background(), filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })
	objs, err := objcache.Open(filepath.Join(t.TempDir(), "objs"))
	require.NoError(t, err)

	work := t.TempDir()
	exe := filepath.Join(work, "cc")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))

	c := cacher.New(in, us, hc, blobs, objs, m)
	tree := proctree.New(in, us, c, 100, "/usr/bin/make", []string{"make"}, nil, work)
	return &env{
		pr:   &msgproc.Processor{Tree: tree, Matcher: m, Cacher: c, Pipes: &fakePipes{}},
		tree: tree,
		work: work,
		exe:  exe,
	}
}

func conn(sock int) (*msgproc.Conn, *fakeWriter) {
	w := &fakeWriter{}
	return &msgproc.Conn{Sock: sock, W: w}, w
}

func query(pid, ppid int, exe, cwd string, ack uint64) *protocol.ScprocQuery {
	return &protocol.ScprocQuery{
		Header:     protocol.Header{Ack: ack},
		Version:    protocol.Version,
		Pid:        pid,
		PPid:       ppid,
		Executable: exe,
		Args:       []string{exe},
		CWD:        cwd,
	}
}

func TestScprocQueryVersionMismatchIsFatal(t *testing.T) {
	e := newEnv(t)
	c, _ := conn(5)
	q := query(100, 1, e.exe, e.work, 1)
	q.Version = protocol.Version + 1
	err := e.pr.HandleMessage(c, q, nil)
	require.True(t, errors.Is(errors.VersionMismatch, err))
}

func TestScprocQueryUnknownPidNotIntercepted(t *testing.T) {
	e := newEnv(t)
	c, w := conn(5)
	require.NoError(t, e.pr.HandleMessage(c, query(999, 998, e.exe, e.work, 1), nil))
	require.Len(t, w.resps, 1)
	require.True(t, w.resps[0].DontIntercept)
}

func TestScprocQueryForRootCommand(t *testing.T) {
	e := newEnv(t)
	c, w := conn(5)
	require.NoError(t, e.pr.HandleMessage(c, query(100, 1, e.exe, e.work, 1), nil))
	require.Len(t, w.resps, 1)
	require.False(t, w.resps[0].DontIntercept)

	p, ok := e.tree.BySock(5)
	require.True(t, ok)
	require.Equal(t, e.exe, p.ExecPoint().Executable.Path())
}

func TestOpenMessageRecordsUsage(t *testing.T) {
	e := newEnv(t)
	c, _ := conn(5)
	require.NoError(t, e.pr.HandleMessage(c, query(100, 1, e.exe, e.work, 0), nil))
	p, _ := e.tree.BySock(5)
	ep := p.ExecPoint()

	src := filepath.Join(e.work, "main.c")
	require.NoError(t, os.WriteFile(src, []byte("int main(){}"), 0644))
	require.NoError(t, e.pr.HandleMessage(c, &protocol.Open{
		Pid: 100, DirFd: process.AtFDCWD, Path: src, Fd: 3,
	}, nil))

	name := e.tree.Interner.Get(src)
	u, ok := ep.FileUsages[name]
	require.True(t, ok)
	require.Equal(t, fileusage.IsReg, u.Initial.Type)
	require.NotNil(t, u.Initial.Hash, "shortcuttable process resolves the lazy hash")
	require.NotNil(t, ep.C().GetFD(3))
}

func TestGenCallDisablesShortcutting(t *testing.T) {
	e := newEnv(t)
	c, w := conn(5)
	require.NoError(t, e.pr.HandleMessage(c, query(100, 1, e.exe, e.work, 0), nil))
	p, _ := e.tree.BySock(5)

	require.NoError(t, e.pr.HandleMessage(c, &protocol.GenCall{Header: protocol.Header{Ack: 7}, Pid: 100, Call: "clone"}, nil))
	require.False(t, p.ExecPoint().CanShortcut)
	require.Equal(t, "clone", p.ExecPoint().CantShortcutReason)
	require.Contains(t, w.acks, uint64(7))
}

func TestQuirkAllowsBenignCall(t *testing.T) {
	m := config.Compile(config.Config{Quirks: []string{"*/cc"}})
	in := fname.NewInterner(m)
	us := fileusage.NewInterner()
	tree := proctree.New(in, us, nil, 100, "/usr/bin/make", []string{"make"}, nil, "/work")
	pr := &msgproc.Processor{Tree: tree, Matcher: m}

	e := process.NewExeced(101, tree.NextFBPid(), tree.Root, in.Get("/opt/cc"), nil, nil, nil, in.Get("/work"), us, nil)
	tree.Insert(e, 6)
	c, _ := conn(6)

	require.NoError(t, pr.HandleMessage(c, &protocol.GenCall{Pid: 101, Call: "gethostname"}, nil))
	require.True(t, e.CanShortcut, "quirk permits gethostname")

	require.NoError(t, pr.HandleMessage(c, &protocol.GenCall{Pid: 101, Call: "clone"}, nil))
	require.False(t, e.CanShortcut, "quirks never cover clone")
}

func TestForkHandshakeViaMessages(t *testing.T) {
	e := newEnv(t)
	parentConn, pw := conn(5)
	require.NoError(t, e.pr.HandleMessage(parentConn, query(100, 1, e.exe, e.work, 0), nil))

	// Parent announces first; its ack is held.
	require.NoError(t, e.pr.HandleMessage(parentConn, &protocol.ForkParent{Header: protocol.Header{Ack: 21}, Pid: 100, ChildPid: 101}, nil))
	require.Empty(t, pw.acks)

	// Child's side completes the pair; both acks release.
	require.NoError(t, e.pr.HandleMessage(parentConn, &protocol.ForkChild{Header: protocol.Header{Ack: 22}, Pid: 101, PPid: 100}, nil))
	require.Contains(t, pw.acks, uint64(21))
	require.Contains(t, pw.acks, uint64(22))

	child, ok := e.tree.ByPid(101)
	require.True(t, ok)
	require.IsType(t, &process.Forked{}, child)
}

func TestWaitAckDeferredUntilFinalized(t *testing.T) {
	e := newEnv(t)
	parentConn, pw := conn(5)
	require.NoError(t, e.pr.HandleMessage(parentConn, query(100, 1, e.exe, e.work, 0), nil))
	require.NoError(t, e.pr.HandleMessage(parentConn, &protocol.ForkParent{Pid: 100, ChildPid: 101}, nil))
	require.NoError(t, e.pr.HandleMessage(parentConn, &protocol.ForkChild{Pid: 101, PPid: 100}, nil))

	require.NoError(t, e.pr.HandleMessage(parentConn, &protocol.Wait{Header: protocol.Header{Ack: 30}, Pid: 100, ChildPid: 101}, nil))
	require.NotContains(t, pw.acks, uint64(30), "wait ack held until the child finalizes")

	child, _ := e.tree.ByPid(101)
	e.tree.MarkTerminated(child, 0, 0, 0)
	e.pr.MaybeFinalize(child)
	require.Contains(t, pw.acks, uint64(30))
}

func TestPipeRequestRepliesWithFds(t *testing.T) {
	e := newEnv(t)
	c, w := conn(5)
	require.NoError(t, e.pr.HandleMessage(c, query(100, 1, e.exe, e.work, 0), nil))
	require.NoError(t, e.pr.HandleMessage(c, &protocol.PipeRequest{Header: protocol.Header{Ack: 40}, Pid: 100}, nil))
	require.Contains(t, w.fdAcks, uint64(40))
	require.Equal(t, 1, e.pr.Pipes.(*fakePipes).created)
}

func TestConnClosedAttachesQueuedExecSuccessor(t *testing.T) {
	e := newEnv(t)
	c, _ := conn(5)
	require.NoError(t, e.pr.HandleMessage(c, query(100, 1, e.exe, e.work, 0), nil))
	pred, _ := e.tree.BySock(5)

	// Predecessor announces exec; the successor's query arrives on a
	// new connection before the old one closes.
	require.NoError(t, e.pr.HandleMessage(c, &protocol.Exec{Pid: 100}, nil))
	c2, _ := conn(6)
	require.NoError(t, e.pr.HandleMessage(c2, query(100, 1, e.exe, e.work, 0), nil))

	e.pr.HandleConnClosed(5)
	succ := pred.C().ExecChild
	require.NotNil(t, succ, "queued successor re-attaches when the predecessor's connection closes")
	require.Equal(t, pred, succ.C().Parent)
}
