// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package config defines the configuration object consumed by the
// supervisor: the lists of path/executable patterns that the CLI and
// config-file loader produce
// and hand to the supervisor at startup.
package config

import (
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Config is the supervisor's view of its configuration. The CLI and
// the config-file loader populate one of these; the supervisor never
// parses flags or files itself.
type Config struct {
	// IgnoreLocations and SystemLocations are sorted lists of absolute
	// path prefixes. A path under a system location is
	// assumed immutable by the HashCache; a path under an ignore
	// location is never tracked as file usage at all.
	IgnoreLocations []string
	SystemLocations []string

	// DontShortcut, DontIntercept and SkipCache are glob patterns
	// (gobwas/glob) matched against an executable's absolute path.
	// DontShortcut disables shortcutting for matching executables but
	// still records their usage; DontIntercept tells the interceptor
	// (out of scope) to exec the program uninstrumented; SkipCache
	// additionally skips probing/populating the cache altogether.
	DontShortcut  []string
	DontIntercept []string
	SkipCache     []string

	// Quirks is a set of glob patterns matched against an executable
	// path; a matching executable is allowed specific otherwise-
	// disabling calls without losing
	// shortcut eligibility.
	Quirks []string

	// EnvsSkip lists environment variable names excluded from the
	// fingerprint. FB_SOCKET is always excluded in
	// addition to this list.
	EnvsSkip []string

	// MinCPUTime is the minimum aggregate user+system CPU time a process must
	// have accumulated to be worth storing.
	MinCPUTime time.Duration

	// CommandRewrites optionally maps a matcher pattern to a
	// replacement argv used purely for fingerprinting purposes: a thin
	// wrapper (e.g. a compiler-driver shim) can be
	// fingerprinted and shortcut as the program it wraps.
	CommandRewrites []CommandRewrite

	// DebugCache enables the human-readable `_debug.json` companion
	// dumps alongside ObjCache/BlobCache entries.
	DebugCache bool
}

// CommandRewrite maps a glob pattern matched against argv[0] to a
// replacement argv used when fingerprinting.
type CommandRewrite struct {
	Match   string
	Rewrite []string
}

// Matcher compiles a Config's glob pattern lists once so that
// per-event matching doesn't
// recompile patterns on every syscall event.
type Matcher struct {
	ignoreLocations []string
	systemLocations []string
	dontShortcut    []glob.Glob
	dontIntercept   []glob.Glob
	skipCache       []glob.Glob
	quirks          []glob.Glob
	envsSkip        map[string]bool
	rewrites        []compiledRewrite
	minCPUTime      time.Duration
	debugCache      bool
}

type compiledRewrite struct {
	match   glob.Glob
	rewrite []string
}

// Compile builds a Matcher from cfg. It panics if any glob pattern is
// invalid, since a malformed pattern is a configuration bug the
// external config loader should have caught before handing the
// Config to the supervisor.
func Compile(cfg Config) *Matcher {
	m := &Matcher{
		ignoreLocations: sortedCopy(cfg.IgnoreLocations),
		systemLocations: sortedCopy(cfg.SystemLocations),
		dontShortcut:    compileGlobs(cfg.DontShortcut),
		dontIntercept:   compileGlobs(cfg.DontIntercept),
		skipCache:       compileGlobs(cfg.SkipCache),
		quirks:          compileGlobs(cfg.Quirks),
		envsSkip:        map[string]bool{"FB_SOCKET": true},
		minCPUTime:      cfg.MinCPUTime,
		debugCache:      cfg.DebugCache,
	}
	for _, e := range cfg.EnvsSkip {
		m.envsSkip[e] = true
	}
	for _, r := range cfg.CommandRewrites {
		m.rewrites = append(m.rewrites, compiledRewrite{match: glob.MustCompile(r.Match), rewrite: r.Rewrite})
	}
	return m
}

func compileGlobs(patterns []string) []glob.Glob {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, glob.MustCompile(p))
	}
	return out
}

func sortedCopy(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

// IsIgnoreLocation reports whether path falls under a configured
// ignore-location prefix, by longest-common-prefix-with-boundary: the
// prefix must end at a path separator, or be
// followed by one in path.
func (m *Matcher) IsIgnoreLocation(path string) bool {
	return hasPrefixBoundary(m.ignoreLocations, path)
}

// IsSystemLocation reports whether path falls under a configured
// system-location prefix.
func (m *Matcher) IsSystemLocation(path string) bool {
	return hasPrefixBoundary(m.systemLocations, path)
}

func hasPrefixBoundary(sortedPrefixes []string, path string) bool {
	// Binary-search for the last prefix <= path, then verify it is
	// actually a prefix with a boundary. Prefixes are few (tens), so a
	// straightforward sorted scan is clearer than maintaining a trie.
	i := sort.Search(len(sortedPrefixes), func(i int) bool { return sortedPrefixes[i] > path })
	for i > 0 {
		i--
		p := sortedPrefixes[i]
		if !strings.HasPrefix(path, p) {
			continue
		}
		if len(path) == len(p) || path[len(p)] == '/' || strings.HasSuffix(p, "/") {
			return true
		}
	}
	return false
}

// DontShortcut reports whether execPath matches a configured
// dont-shortcut pattern.
func (m *Matcher) DontShortcut(execPath string) bool { return matchAny(m.dontShortcut, execPath) }

// DontIntercept reports whether execPath matches a configured
// dont-intercept pattern.
func (m *Matcher) DontIntercept(execPath string) bool { return matchAny(m.dontIntercept, execPath) }

// SkipCache reports whether execPath matches a configured skip-cache
// pattern.
func (m *Matcher) SkipCache(execPath string) bool { return matchAny(m.skipCache, execPath) }

// HasQuirk reports whether execPath matches a configured quirk
// pattern, i.e. is exempted from one or more otherwise-disabling
// calls.
func (m *Matcher) HasQuirk(execPath string) bool { return matchAny(m.quirks, execPath) }

// SkipEnv reports whether the environment variable named name is
// excluded from the fingerprint.
func (m *Matcher) SkipEnv(name string) bool { return m.envsSkip[name] }

// MinCPUTime returns the minimum aggregate CPU time a process must
// accumulate to be worth storing.
func (m *Matcher) MinCPUTime() time.Duration { return m.minCPUTime }

// DebugCache reports whether human-readable cache dumps are enabled.
func (m *Matcher) DebugCache() bool { return m.debugCache }

// Rewrite returns the rewritten argv for argv, if any CommandRewrite
// matches argv[0], and whether a rewrite was applied.
func (m *Matcher) Rewrite(argv []string) ([]string, bool) {
	if len(argv) == 0 {
		return argv, false
	}
	for _, r := range m.rewrites {
		if r.match.Match(argv[0]) {
			return r.rewrite, true
		}
	}
	return argv, false
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
