// Command xgconsole is the §6 CLI driver: it parses each argument as
// an XG build-graph XML file, unions them, validates the union for
// cycles, and executes it with bounded parallelism, printing progress
// and returning the exit codes §6 specifies.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/cache"
	"github.com/octobuild/octobuild/internal/cluster/client"
	"github.com/octobuild/octobuild/internal/compiler"
	"github.com/octobuild/octobuild/internal/config"
	"github.com/octobuild/octobuild/internal/driver"
	"github.com/octobuild/octobuild/internal/scheduler"
	"github.com/octobuild/octobuild/internal/xg"
)

// msBuildFlag matches the MSBuild-style "/Flag" or "/Flag=value"
// arguments xgConsole is invoked with alongside its XML file list; §6
// says these are "accepted and ignored".
var msBuildFlag = regexp.MustCompile(`^/\w+(=.*)?$`)

// taskFailed carries a non-zero task exit status up through the
// scheduler so funcmain can report it, per §6's "task exit code on
// first failure".
type taskFailed struct{ status int }

func (e *taskFailed) Error() string { return fmt.Sprintf("task exited with status %d", e.status) }

func funcmain() int {
	flag.Parse()

	var files []string
	for _, a := range flag.Args() {
		if msBuildFlag.MatchString(a) {
			continue
		}
		files = append(files, a)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: xgconsole <file.xml>...")
		return 500
	}

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

	graph := xg.New()
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 500
		}
		err = graph.Parse(f)
		f.Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 500
		}
	}

	toolchainIDs := make(map[string]string)
	bg, err := graph.ToBuildGraph(func(n *xg.Node) error {
		tc := driver.SelectToolchain(n.Command.Program)
		if tc == nil {
			cmd := exec.Command(n.Command.Program, n.RawArgs...)
			cmd.Dir = n.Command.Dir
			cmd.Env = n.Command.Env
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Run(); err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					return &taskFailed{status: exitErr.ExitCode()}
				}
				return err
			}
			return nil
		}
		id, ok := toolchainIDs[n.Command.Program]
		if !ok {
			id, err = tc.Identifier()
			if err != nil {
				id = n.Command.Program
			}
			toolchainIDs[n.Command.Program] = id
		}
		out, err := driver.Run(context.Background(), tc, id, shared, n.Command, n.RawArgs)
		if err != nil {
			return err
		}
		if !out.Success() {
			os.Stderr.Write(out.Stderr)
			return &taskFailed{status: out.Status}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 500
	}

	maxParallel := cfg.ProcessLimit
	if maxParallel < 1 {
		maxParallel = runtime.NumCPU()
	}
	err = scheduler.ExecuteGraph(context.Background(), bg, maxParallel, func(lines []string) {
		for _, l := range lines {
			fmt.Fprintln(os.Stderr, l)
		}
	})
	if err != nil {
		if tf, ok := asTaskFailed(err); ok {
			if tf.status < 0 || tf.status > 255 {
				// A signal-terminated or otherwise unrepresentable
				// status doesn't fit the process exit code range.
				return 501
			}
			return tf.status
		}
		if isGraphCycle(err) {
			return 500
		}
		fmt.Fprintln(os.Stderr, err)
		return 500
	}

	fmt.Fprintln(os.Stderr, stat.String())
	return 0
}

func asTaskFailed(err error) (*taskFailed, bool) {
	for err != nil {
		if tf, ok := err.(*taskFailed); ok {
			return tf, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

func isGraphCycle(err error) bool {
	for err != nil {
		if err == octobuild.ErrGraphCycle {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func main() {
	os.Exit(funcmain())
}
