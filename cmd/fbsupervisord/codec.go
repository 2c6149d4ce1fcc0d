// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"

	"golang.org/x/sys/unix"

	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/protocol"
)

// defaultCodec is a newline-delimited JSON rendering of the message
// format: each frame is one object {"tag": ..., "msg": {...}}. The
// generated binary framing library
// plugs in through the same supervisor.Codec seam; this codec keeps
// the binary self-contained and the wire format inspectable.
type defaultCodec struct{}

func (defaultCodec) NewDecoder(fd int) protocol.Decoder { return &jsonDecoder{fd: fd} }

func (defaultCodec) NewAckWriter(fd int) protocol.AckWriter { return &jsonAckWriter{fd: fd} }

type frame struct {
	Tag string          `json:"tag"`
	Msg json.RawMessage `json:"msg"`
}

// tagTypes maps the wire tag to a constructor of the decoded type.
var tagTypes = map[string]func() protocol.Message{
	"scproc_query":       func() protocol.Message { return new(protocol.ScprocQuery) },
	"fork_parent":        func() protocol.Message { return new(protocol.ForkParent) },
	"fork_child":         func() protocol.Message { return new(protocol.ForkChild) },
	"exec":               func() protocol.Message { return new(protocol.Exec) },
	"exec_failed":        func() protocol.Message { return new(protocol.ExecFailed) },
	"posix_spawn":        func() protocol.Message { return new(protocol.PosixSpawn) },
	"posix_spawn_parent": func() protocol.Message { return new(protocol.PosixSpawnParent) },
	"posix_spawn_failed": func() protocol.Message { return new(protocol.PosixSpawnFailed) },
	"open":               func() protocol.Message { return new(protocol.Open) },
	"freopen":            func() protocol.Message { return new(protocol.Freopen) },
	"dlopen":             func() protocol.Message { return new(protocol.Dlopen) },
	"close":              func() protocol.Message { return new(protocol.Close) },
	"unlink":             func() protocol.Message { return new(protocol.Unlink) },
	"mkdir":              func() protocol.Message { return new(protocol.Mkdir) },
	"rmdir":              func() protocol.Message { return new(protocol.Rmdir) },
	"rename":             func() protocol.Message { return new(protocol.Rename) },
	"symlink":            func() protocol.Message { return new(protocol.Symlink) },
	"chdir":              func() protocol.Message { return new(protocol.Chdir) },
	"umask":              func() protocol.Message { return new(protocol.Umask) },
	"dup":                func() protocol.Message { return new(protocol.Dup) },
	"dup3":               func() protocol.Message { return new(protocol.Dup3) },
	"fcntl":              func() protocol.Message { return new(protocol.Fcntl) },
	"ioctl":              func() protocol.Message { return new(protocol.Ioctl) },
	"stat":               func() protocol.Message { return new(protocol.Stat) },
	"access":             func() protocol.Message { return new(protocol.Access) },
	"chmod":              func() protocol.Message { return new(protocol.Chmod) },
	"pipe_request":       func() protocol.Message { return new(protocol.PipeRequest) },
	"pipe_fds":           func() protocol.Message { return new(protocol.PipeFds) },
	"popen":              func() protocol.Message { return new(protocol.Popen) },
	"popen_parent":       func() protocol.Message { return new(protocol.PopenParent) },
	"popen_failed":       func() protocol.Message { return new(protocol.PopenFailed) },
	"pclose":             func() protocol.Message { return new(protocol.Pclose) },
	"system":             func() protocol.Message { return new(protocol.System) },
	"system_ret":         func() protocol.Message { return new(protocol.SystemRet) },
	"wait":               func() protocol.Message { return new(protocol.Wait) },
	"exit":               func() protocol.Message { return new(protocol.Exit) },
	"gen_call":           func() protocol.Message { return new(protocol.GenCall) },
}

type jsonDecoder struct {
	fd  int
	buf bytes.Buffer
}

func (d *jsonDecoder) Feed(b []byte) { d.buf.Write(b) }

func (d *jsonDecoder) Decode() (protocol.Message, []int, error) {
	data := d.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, nil, nil
	}
	line := make([]byte, idx)
	copy(line, data[:idx])
	d.buf.Next(idx + 1)
	if len(bytes.TrimSpace(line)) == 0 {
		return d.Decode()
	}
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, nil, errors.E(errors.Invalid, "codec: bad frame", err)
	}
	ctor, ok := tagTypes[f.Tag]
	if !ok {
		return nil, nil, errors.E(errors.Invalid, "codec: unknown tag "+f.Tag)
	}
	msg := ctor()
	if err := json.Unmarshal(f.Msg, msg); err != nil {
		return nil, nil, errors.E(errors.Invalid, "codec: bad payload for "+f.Tag, err)
	}
	return msg, nil, nil
}

type jsonAckWriter struct {
	fd int
}

func (w *jsonAckWriter) send(v interface{}, fds []int) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.E(errors.Invalid, "codec: marshal reply", err)
	}
	b = append(b, '\n')
	if len(fds) > 0 {
		rights := unix.UnixRights(fds...)
		if err := unix.Sendmsg(w.fd, b, rights, nil, 0); err != nil {
			return errors.E(errors.Unavailable, "codec: sendmsg reply", err)
		}
		return nil
	}
	for len(b) > 0 {
		n, err := unix.Write(w.fd, b)
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return errors.E(errors.Unavailable, "codec: write reply", err)
		}
		b = b[n:]
	}
	return nil
}

type ackReply struct {
	Tag string `json:"tag"`
	Ack uint64 `json:"ack"`
}

func (w *jsonAckWriter) SendAck(id uint64) error {
	return w.send(ackReply{Tag: "ack", Ack: id}, nil)
}

type scprocReply struct {
	Tag  string                `json:"tag"`
	Resp *protocol.ScprocResp  `json:"resp"`
}

func (w *jsonAckWriter) SendScprocResp(resp *protocol.ScprocResp, fds []int) error {
	resp.FdCount = len(fds)
	return w.send(scprocReply{Tag: "scproc_resp", Resp: resp}, fds)
}

func (w *jsonAckWriter) SendFds(id uint64, fds []int) error {
	return w.send(ackReply{Tag: "ack_fds", Ack: id}, fds)
}
