// Command octobuild-builder runs the §4.7 builder fleet member: it
// serves compile requests dispatched by cluster clients and
// heartbeats its advertisement to a coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/cache"
	"github.com/octobuild/octobuild/internal/cluster/builder"
	"github.com/octobuild/octobuild/internal/compiler"
	"github.com/octobuild/octobuild/internal/config"
	"github.com/octobuild/octobuild/internal/toolchain"
)

var endpoint = flag.String("endpoint", "", "this builder's own URL, as advertised to the coordinator (required)")

// bumpRlimitNOFILE raises this process's open-file limit to its hard
// ceiling: each concurrent compile task on a busy builder can hold a
// handful of descriptors open (upload temp files, object temp files,
// the request body), and the default soft limit is sized for ordinary
// processes, not a compile farm member.
func bumpRlimitNOFILE() error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return err
	}
	rlimit.Cur = rlimit.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit)
}

func funcmain() error {
	flag.Parse()
	if *endpoint == "" {
		return fmt.Errorf("-endpoint is required")
	}
	if err := bumpRlimitNOFILE(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: bumping RLIMIT_NOFILE failed: %v\n", err)
	}

	cfg, err := config.Load(os.Getenv("OCTOBUILD_CONFIG"))
	if err != nil {
		return err
	}
	if cfg.Coordinator == "" {
		return fmt.Errorf("config has no coordinator URL set")
	}
	bind := cfg.HelperBind
	if bind == "" {
		bind = ":8992"
	}

	stat := &octobuild.Statistic{}
	c, err := cache.New(cfg.CachePath, cfg.CacheLimitBytes(), stat)
	if err != nil {
		return err
	}
	shared := compiler.NewSharedState(c, stat, cfg.ProcessLimit)

	toolchains := map[string]toolchain.Toolchain{}
	for _, tc := range []toolchain.Toolchain{&toolchain.MSVC{}, &toolchain.Clang{}} {
		id, err := tc.Identifier()
		if err != nil {
			continue // this host has no such compiler installed
		}
		toolchains[id] = tc
	}

	b := builder.New(*endpoint, cfg.Coordinator, filepath.Join(cfg.CachePath, "pch"), toolchains, shared)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go b.RunHeartbeat(ctx)

	fmt.Fprintf(os.Stderr, "octobuild-builder %s listening on %s, coordinator %s\n", *endpoint, bind, cfg.Coordinator)
	srv := &http.Server{Addr: bind, Handler: b.NewServeMux()}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
