// Command cntr is the single-binary, no-subcommands entry point for the
// container lifecycle orchestrator. It re-exec's itself into the stage2
// child entry point via github.com/moby/sys/reexec, the same self-exec
// split the teacher's starter binary uses between its master and engine
// halves.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/moby/sys/reexec"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cntr-run/cntr/internal/app/stage2"
	"github.com/cntr-run/cntr/internal/pkg/mounts"
	"github.com/cntr-run/cntr/internal/pkg/orchestrator"
	"github.com/cntr-run/cntr/internal/pkg/rootfs"
	"github.com/cntr-run/cntr/pkg/limits"
	"github.com/cntr-run/cntr/pkg/rlog"
)

func main() {
	// reexec.Init dispatches to a registered entry point (here, stage2's
	// init-time registration) when argv[0] matches its name, and returns
	// false in the parent process, which then falls through to the
	// normal cobra command below.
	if reexec.Init() {
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		rlog.Fatalf("%v", err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		memory     string
		cpuShares  int64
		cpuQuotaUS int64
		pidsMax    int64
		strategy   string
		debug      bool
		assumeYes  bool
	)

	cmd := &cobra.Command{
		Use:   "cntr",
		Short: "launch an isolated shell inside a minimal container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				rlog.SetLevel(rlog.LevelDebug)
			}

			memBytes, err := limits.ParseMemory(memory)
			if err != nil {
				return err
			}
			spec := limits.Spec{
				MemoryBytes: memBytes,
				CPUShares:   cpuShares,
				CPUQuotaUS:  cpuQuotaUS,
				PidsMax:     pidsMax,
			}

			strat, err := parseStrategy(strategy)
			if err != nil {
				return err
			}

			return run(spec, strat, assumeYes)
		},
	}

	cmd.Flags().StringVar(&memory, "memory", "", "memory ceiling, e.g. 512m (0/unset = no limit)")
	cmd.Flags().Int64Var(&cpuShares, "cpu-shares", 0, "CPU share weight, 1024 = nominal")
	cmd.Flags().Int64Var(&cpuQuotaUS, "cpu-quota-us", 0, "CPU quota in microseconds per 100ms period")
	cmd.Flags().Int64Var(&pidsMax, "pids-max", 0, "maximum live process count")
	cmd.Flags().StringVar(&strategy, "rootfs", "overlay", "rootfs layering strategy: overlay, bind, or copy")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "build the base image without prompting")

	return cmd
}

func parseStrategy(s string) (rootfs.Strategy, error) {
	switch s {
	case "overlay":
		return rootfs.StrategyOverlay, nil
	case "bind":
		return rootfs.StrategyBind, nil
	case "copy":
		return rootfs.StrategyCopy, nil
	default:
		return 0, fmt.Errorf("unknown rootfs strategy %q", s)
	}
}

// run drives one full container lifecycle: Configure, Spawn, Map,
// Release, Wait, Clean, in that order, with Clean guaranteed to run on
// every path out of Configure succeeding.
func run(spec limits.Spec, strategy rootfs.Strategy, assumeYes bool) error {
	orc, err := orchestrator.New(strategy, rootfs.DefaultProvision)
	if err != nil {
		return err
	}

	if !orc.Base.Ready() && !assumeYes {
		if !promptYesNo("base image not found; build it now? [y/N] ") {
			return nil
		}
	}

	handle, err := orc.Configure(spec)
	if err != nil {
		return err
	}

	// The child re-exec's this same binary; it needs to know which base
	// image and layering strategy to materialise against, information
	// that cannot cross the clone/exec boundary as a Go value. stage2's
	// process-global Config is the hand-off point, set here rather than
	// inside the orchestrator package to avoid an import cycle between
	// orchestrator (which stage2 imports for the rendezvous wait) and
	// stage2 itself.
	stage2.Config.Base = orc.Base
	stage2.Config.Strategy = strategy
	stage2.Config.Limits = spec
	if spec.MemoryBytes > 0 {
		stage2.Config.MeminfoContent = mounts.RenderMeminfo(spec.MemoryBytes)
	}

	restoreTerm := makeStdinRaw()
	defer restoreTerm()

	if err := orc.Spawn(handle); err != nil {
		return err
	}

	defer func() {
		if err := orc.Clean(handle); err != nil {
			rlog.Warningf("%v", err)
		}
	}()

	if err := orc.Map(handle); err != nil {
		return err
	}
	if err := orc.Release(handle); err != nil {
		return err
	}

	exitCode, err := orc.Wait(handle)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// makeStdinRaw puts the invoking terminal into raw mode for the duration
// of a container run, when stdin is actually a terminal, and returns a
// function that restores it. The guest process inherits the orchestrator's
// stdio directly rather than going through a proxied pty, so it is this
// process's own terminal state — not a pty the orchestrator allocates —
// that needs to drop line buffering and signal processing for the guest
// shell to behave interactively.
func makeStdinRaw() func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	prev, err := term.MakeRaw(fd)
	if err != nil {
		rlog.Warningf("terminal: failed to enter raw mode: %v", err)
		return func() {}
	}
	return func() {
		if err := term.Restore(fd, prev); err != nil {
			rlog.Warningf("terminal: failed to restore mode: %v", err)
		}
	}
}

func promptYesNo(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch line {
	case "y\n", "Y\n", "yes\n":
		return true
	default:
		return false
	}
}
