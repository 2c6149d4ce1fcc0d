// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// fbsupervisord runs one build command under interception and caches
// shortcuttable process executions. The rich CLI/option parser and
// config-file loader are external collaborators; this
// entry point accepts the build command as its arguments and reads an
// optional JSON config whose path arrives in FB_CONFIG, via the state
// package's locked-file loader. Exit status equals the build
// command's, or 1 on supervisor failure.
package main

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/buildaccel/shortcut/config"
	"github.com/buildaccel/shortcut/log"
	"github.com/buildaccel/shortcut/state"
	"github.com/buildaccel/shortcut/supervisor"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		log.Error.Print("usage: fbsupervisord <build command> [args...]")
		os.Exit(1)
	}

	if v := os.Getenv("FB_VERBOSE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			log.SetVerbosity(n)
		}
	}

	var cfg config.Config
	if cfgPath := os.Getenv("FB_CONFIG"); cfgPath != "" {
		prefix := strings.TrimSuffix(cfgPath, ".json")
		if err := state.Unmarshal(prefix, &cfg); err != nil {
			log.Error.Printf("fbsupervisord: load config %s: %v", cfgPath, err)
			os.Exit(1)
		}
	}

	cacheDir := os.Getenv("FB_CACHE_DIR")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Error.Printf("fbsupervisord: resolve cache dir: %v", err)
			os.Exit(1)
		}
		cacheDir = home + "/.fbcache"
	}

	ctx := context.Background()
	sup, err := supervisor.New(ctx, supervisor.Options{
		Config:   cfg,
		CacheDir: cacheDir,
		Command:  args,
		Codec:    defaultCodec{},
	})
	if err != nil {
		log.Error.Printf("fbsupervisord: %v", err)
		os.Exit(1)
	}
	defer sup.Close()

	status, err := sup.Run(ctx)
	if err != nil {
		log.Error.Printf("fbsupervisord: %v", err)
		os.Exit(1)
	}
	os.Exit(status)
}
