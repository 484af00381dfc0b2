// Command octo_cl is the MSVC per-compiler shim of §6: it forwards
// its argv to the compilation pipeline as a single-task graph,
// caching and (if configured) dispatching to the cluster exactly as
// xgConsole would for one task.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/cache"
	"github.com/octobuild/octobuild/internal/cluster/client"
	"github.com/octobuild/octobuild/internal/compiler"
	"github.com/octobuild/octobuild/internal/config"
	"github.com/octobuild/octobuild/internal/driver"
	"github.com/octobuild/octobuild/internal/toolchain"
)

func funcmain() int {
	cfg, err := config.Load(os.Getenv("OCTOBUILD_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 500
	}

	stat := &octobuild.Statistic{}
	c, err := cache.New(cfg.CachePath, cfg.CacheLimitBytes(), stat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 500
	}
	shared := compiler.NewSharedState(c, stat, cfg.ProcessLimit)
	if cfg.Coordinator != "" {
		shared.Remote = client.New(cfg.Coordinator)
	}

	tc := &toolchain.MSVC{}
	id, err := tc.Identifier()
	if err != nil {
		id = "msvc-unknown"
	}

	command := octobuild.CommandInfo{Program: "cl.exe", Env: os.Environ()}
	out, err := driver.Run(context.Background(), tc, id, shared, command, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 500
	}
	os.Stdout.Write(out.Stdout)
	os.Stderr.Write(out.Stderr)
	return out.Status
}

func main() {
	os.Exit(funcmain())
}
