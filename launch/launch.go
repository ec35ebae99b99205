// Package launch defines the boundary between the test bridge and the
// mechanism that actually spawns the testee process. The bridge only relies
// on the Plugin/Process contracts; Launcher is a local os/exec adapter for
// testees that run as ordinary host processes.
package launch

import (
	"os"
	"os/exec"

	"gopkg.in/src-d/go-errors.v1"
	"gopkg.in/src-d/go-log.v1"
)

// ErrLaunchFailed is returned when the testee process could not be started,
// or when a launch plugin rejected the launch.
var ErrLaunchFailed = errors.NewKind("testee launch failed")

// Config describes the testee to launch.
type Config struct {
	// Binary is the path of the testee executable.
	Binary string
	// Args are the base arguments of the testee.
	Args []string
	// Env is extra environment, in "key=value" form, appended to the
	// tester's own environment.
	Env []string
	// Dir is the working directory of the testee; empty means inherit.
	Dir string
}

// Params carries the launch parameters plugins may adjust in BeforeLaunch.
type Params struct {
	// Args are extra arguments appended after Config.Args.
	Args []string
	// Env is extra environment appended after Config.Env.
	Env []string
	// Diagnostic is the stream the testee's diagnostic output (stderr) is
	// attached to. Nil means the testee inherits the tester's stderr. A
	// plugin may swap it for the write end of a pipe to intercept the
	// stream; the previous value is the destination intercepted lines
	// should be forwarded to.
	Diagnostic *os.File
}

// Process is a handle on a live testee.
type Process interface {
	// Alive reports whether the process has not exited yet.
	Alive() bool
	// Wait blocks until the process exits and returns its exit error, if
	// any. It is safe to call from multiple goroutines.
	Wait() error
	// Kill forcibly terminates the process.
	Kill() error
}

// Plugin hooks into the launch sequence. BeforeLaunch runs before the
// process is spawned and may adjust Params; AfterLaunch runs once the
// process exists, with the intercepted diagnostic stream already readable;
// Cleanup runs when the bridge shuts down, whether or not the launch
// succeeded.
type Plugin interface {
	BeforeLaunch(cfg *Config, params *Params) error
	AfterLaunch(cfg *Config, params *Params, proc Process) error
	Cleanup()
}

// Launcher spawns a testee as a local child process.
type Launcher struct {
	Plugins []Plugin
}

// Launch runs every plugin's BeforeLaunch, spawns the testee and runs every
// plugin's AfterLaunch. If any step fails the process is killed and the
// error is returned wrapped in ErrLaunchFailed.
func (l *Launcher) Launch(cfg *Config) (Process, error) {
	params := &Params{}
	for _, p := range l.Plugins {
		if err := p.BeforeLaunch(cfg, params); err != nil {
			return nil, ErrLaunchFailed.Wrap(err)
		}
	}

	cmd := exec.Command(cfg.Binary, append(append([]string{}, cfg.Args...), params.Args...)...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(append(os.Environ(), cfg.Env...), params.Env...)
	cmd.Stdout = os.Stdout
	if params.Diagnostic != nil {
		cmd.Stderr = params.Diagnostic
	} else {
		cmd.Stderr = os.Stderr
	}

	log.Debugf("launching testee %s", cfg.Binary)
	if err := cmd.Start(); err != nil {
		return nil, ErrLaunchFailed.Wrap(err)
	}
	if params.Diagnostic != nil {
		// the child holds its own copy; keeping ours open would defer
		// EOF on the intercepted stream past the process exit
		_ = params.Diagnostic.Close()
	}

	proc := newProcess(cmd)
	for _, p := range l.Plugins {
		if err := p.AfterLaunch(cfg, params, proc); err != nil {
			_ = proc.Kill()
			return proc, ErrLaunchFailed.Wrap(err)
		}
	}
	return proc, nil
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func newProcess(cmd *exec.Cmd) *process {
	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p
}

func (p *process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) Wait() error {
	<-p.done
	return p.err
}

func (p *process) Kill() error {
	if !p.Alive() {
		return nil
	}
	return p.cmd.Process.Kill()
}
