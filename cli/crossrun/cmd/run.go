package cmd

import (
	"fmt"
	"sync"

	"gopkg.in/src-d/go-log.v1"

	"github.com/crossrun/sdk/client"
	"github.com/crossrun/sdk/launch"
	"github.com/crossrun/sdk/manifest"
	"github.com/crossrun/sdk/protocol"
)

const RunCommandDescription = "launches the testee and runs the given tests in it"

type RunCommand struct {
	Manifest string `long:"manifest" short:"m" default:"crossrun.toml" description:"path of the testee manifest"`

	Args struct {
		Tests []string `positional-arg-name:"test" description:"test identifiers to run; defaults to the manifest test list"`
	} `positional-args:"yes"`
}

func (c *RunCommand) Execute(args []string) error {
	m, err := manifest.Load(c.Manifest)
	if err != nil {
		return err
	}

	tests := c.Args.Tests
	if len(tests) == 0 {
		tests = m.Tests
	}
	if len(tests) == 0 {
		return fmt.Errorf("no tests given and the manifest lists none")
	}

	reporter := &consoleListener{}
	tc := client.NewTestClient(reporter)
	if d := m.PollInterval(); d > 0 {
		tc.PollInterval = d
	}
	if d := m.ConnectTimeout(); d > 0 {
		tc.DialTimeout = d
	}

	cfg, err := m.LaunchConfig()
	if err != nil {
		return err
	}

	launcher := &launch.Launcher{Plugins: []launch.Plugin{tc}}
	proc, err := launcher.Launch(cfg)
	defer tc.Cleanup()
	if err != nil {
		return err
	}

	tc.RunTests(tests...).Flush()
	tc.Terminate()
	if err := proc.Wait(); err != nil {
		log.Warningf("testee exited with error: %s", err)
	}

	reporter.summarize()
	if reporter.failures > 0 {
		return fmt.Errorf("%d of %d test(s) failed", reporter.failures, reporter.run)
	}
	return nil
}

// consoleListener renders test lifecycle events for a human operator.
type consoleListener struct {
	mu       sync.Mutex
	run      int
	failures int
	skips    int
}

func (l *consoleListener) TestRunStarted(desc string) {}

func (l *consoleListener) TestStarted(desc string) {
	fmt.Printf("=== RUN  %s\n", desc)
}

func (l *consoleListener) TestFinished(desc string) {
	l.mu.Lock()
	l.run++
	l.mu.Unlock()
	notice.Printf("--- PASS %s\n", desc)
}

func (l *consoleListener) TestIgnored(desc string) {
	l.mu.Lock()
	l.run++
	l.skips++
	l.mu.Unlock()
	ignored.Printf("--- SKIP %s\n", desc)
}

func (l *consoleListener) TestFailure(f protocol.FailureDetail) {
	l.mu.Lock()
	l.run++
	l.failures++
	l.mu.Unlock()
	warning.Printf("--- FAIL %s: %s\n", f.Description, f.Message)
	if f.Trace != "" {
		fmt.Println(f.Trace)
	}
}

func (l *consoleListener) TestAssumptionFailure(f protocol.FailureDetail) {
	l.mu.Lock()
	l.run++
	l.skips++
	l.mu.Unlock()
	ignored.Printf("--- SKIP %s: assumption failed: %s\n", f.Description, f.Message)
}

func (l *consoleListener) TestRunFinished(s protocol.RunSummary) {}

func (l *consoleListener) summarize() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		warning.Printf("FAIL (%d run, %d failed, %d skipped)\n", l.run, l.failures, l.skips)
	} else {
		notice.Printf("PASS (%d run, %d skipped)\n", l.run, l.skips)
	}
}

var _ client.Listener = (*consoleListener)(nil)
