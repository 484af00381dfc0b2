// Command octobuild-coordinator runs the §4.6 coordinator HTTP server:
// builders heartbeat to it, clients query it for the current fleet.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/sys/unix"

	"github.com/octobuild/octobuild/internal/cluster/coordinator"
	"github.com/octobuild/octobuild/internal/config"
)

// bumpRlimitNOFILE raises this process's open-file limit to its hard
// ceiling: a coordinator accumulates one long-lived connection per
// heartbeating builder plus one per in-flight client query, and the
// default soft limit on most distros is too low for a large fleet.
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

	if err := bumpRlimitNOFILE(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: bumping RLIMIT_NOFILE failed: %v\n", err)
	}

	cfg, err := config.Load(os.Getenv("OCTOBUILD_CONFIG"))
	if err != nil {
		return err
	}
	bind := cfg.CoordinatorBind
	if bind == "" {
		bind = ":8991"
	}

	c := coordinator.New()
	fmt.Fprintf(os.Stderr, "octobuild-coordinator listening on %s\n", bind)
	return http.ListenAndServe(bind, c.NewServeMux())
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
