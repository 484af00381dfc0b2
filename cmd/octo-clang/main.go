// Command octo_clang is the Clang per-compiler shim of §6: same role
// as octo_cl but selecting the Clang toolchain adapter.
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

	tc := &toolchain.Clang{}
	id, err := tc.Identifier()
	if err != nil {
		id = "clang-unknown"
	}

	command := octobuild.CommandInfo{Program: "clang++", Env: os.Environ()}
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
