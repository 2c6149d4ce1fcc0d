// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cacher

import (
	"encoding/json"
	"sort"

	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/hash"
)

// PathHash pairs a path with a content hash.
type PathHash struct {
	Path string    `json:"path"`
	Hash hash.Hash `json:"hash"`
}

// FileOut is one regular-file output: its blob hash and mode bits.
type FileOut struct {
	Path string    `json:"path"`
	Hash hash.Hash `json:"hash"`
	Mode uint32    `json:"mode"`
}

// DirOut is one directory output; only the mode is recorded, the
// listing being a consequence of the other outputs.
type DirOut struct {
	Path string `json:"path"`
	Mode uint32 `json:"mode"`
}

// PipeOut is one captured pipe stream: the fd the traffic belongs to
// (1 for stdout, 2 for stderr) and the blob holding the bytes.
// Replaying a shortcut reproduces these streams.
type PipeOut struct {
	Fd   int       `json:"fd"`
	Hash hash.Hash `json:"hash"`
}

// Inputs are seven parallel vectors, one per initial-state class,
// each sorted by
// path.
type Inputs struct {
	PathIsregWithHash        []PathHash `json:"path_isreg_with_hash,omitempty"`
	PathIsreg                []string   `json:"path_isreg,omitempty"`
	PathIsdirWithHash        []PathHash `json:"path_isdir_with_hash,omitempty"`
	PathIsdir                []string   `json:"path_isdir,omitempty"`
	PathNotexistOrIsreg      []string   `json:"path_notexist_or_isreg,omitempty"`
	PathNotexistOrIsregEmpty []string   `json:"path_notexist_or_isreg_empty,omitempty"`
	PathNotexist             []string   `json:"path_notexist,omitempty"`
}

// Outputs describe what replaying the process must recreate.
type Outputs struct {
	PathIsregWithHash []FileOut `json:"path_isreg_with_hash,omitempty"`
	PathIsdir         []DirOut  `json:"path_isdir,omitempty"`
	PathNotexist      []string  `json:"path_notexist,omitempty"`
	PipeTraffic       []PipeOut `json:"pipe_traffic,omitempty"`
	ExitStatus        int       `json:"exit_status"`
}

// Record is one ObjCache entry: the input state one execution
// observed and the outputs it produced.
type Record struct {
	Inputs  Inputs  `json:"inputs"`
	Outputs Outputs `json:"outputs"`
}

func (r *Record) sortVectors() {
	byPath := func(v []PathHash) {
		sort.Slice(v, func(i, j int) bool { return v[i].Path < v[j].Path })
	}
	byPath(r.Inputs.PathIsregWithHash)
	byPath(r.Inputs.PathIsdirWithHash)
	sort.Strings(r.Inputs.PathIsreg)
	sort.Strings(r.Inputs.PathIsdir)
	sort.Strings(r.Inputs.PathNotexistOrIsreg)
	sort.Strings(r.Inputs.PathNotexistOrIsregEmpty)
	sort.Strings(r.Inputs.PathNotexist)
	sort.Slice(r.Outputs.PathIsregWithHash, func(i, j int) bool {
		return r.Outputs.PathIsregWithHash[i].Path < r.Outputs.PathIsregWithHash[j].Path
	})
	sort.Slice(r.Outputs.PathIsdir, func(i, j int) bool {
		return r.Outputs.PathIsdir[i].Path < r.Outputs.PathIsdir[j].Path
	})
	sort.Strings(r.Outputs.PathNotexist)
	sort.Slice(r.Outputs.PipeTraffic, func(i, j int) bool {
		return r.Outputs.PipeTraffic[i].Fd < r.Outputs.PipeTraffic[j].Fd
	})
}

// Marshal serializes r with its vectors in canonical sorted order.
func (r *Record) Marshal() ([]byte, error) {
	r.sortVectors()
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.E(errors.Invalid, "cacher: marshal record", err)
	}
	return b, nil
}

// UnmarshalRecord parses a serialized Record.
func UnmarshalRecord(b []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, errors.E(errors.Integrity, "cacher: unmarshal record", err)
	}
	return &r, nil
}
