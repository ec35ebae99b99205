package launch

import (
	"bufio"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// interceptor is a Plugin redirecting the testee's diagnostic stream into a
// pipe, the way the test client does.
type interceptor struct {
	r       *os.File
	after   bool
	cleaned bool
}

func (p *interceptor) BeforeLaunch(cfg *Config, params *Params) error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	p.r = r
	params.Diagnostic = w
	params.Env = append(params.Env, "INTERCEPTED=1")
	return nil
}

func (p *interceptor) AfterLaunch(cfg *Config, params *Params, proc Process) error {
	p.after = true
	return nil
}

func (p *interceptor) Cleanup() {
	p.cleaned = true
}

func TestLauncherInterceptsDiagnostics(t *testing.T) {
	require := require.New(t)

	p := &interceptor{}
	l := &Launcher{Plugins: []Plugin{p}}

	proc, err := l.Launch(&Config{
		Binary: "sh",
		Args:   []string{"-c", `echo "hello from testee" >&2`},
	})
	require.NoError(err)
	require.True(p.after)

	p.r.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(p.r).ReadString('\n')
	require.NoError(err)
	require.Equal("hello from testee\n", line)

	require.NoError(proc.Wait())
	require.False(proc.Alive())
}

func TestLauncherEnvReachesProcess(t *testing.T) {
	require := require.New(t)

	p := &interceptor{}
	l := &Launcher{Plugins: []Plugin{p}}

	proc, err := l.Launch(&Config{
		Binary: "sh",
		Args:   []string{"-c", `echo "env=$INTERCEPTED" >&2`},
	})
	require.NoError(err)

	line, err := bufio.NewReader(p.r).ReadString('\n')
	require.NoError(err)
	require.Equal("env=1\n", line)
	require.NoError(proc.Wait())
}

func TestLauncherBadBinary(t *testing.T) {
	require := require.New(t)

	l := &Launcher{}
	_, err := l.Launch(&Config{Binary: "definitely-not-a-binary"})
	require.Error(err)
	require.True(ErrLaunchFailed.Is(err))
}

type rejectingPlugin struct{ interceptor }

func (p *rejectingPlugin) AfterLaunch(cfg *Config, params *Params, proc Process) error {
	return ErrLaunchFailed.New()
}

func TestLauncherAfterLaunchFailureKillsProcess(t *testing.T) {
	require := require.New(t)

	p := &rejectingPlugin{}
	l := &Launcher{Plugins: []Plugin{p}}

	proc, err := l.Launch(&Config{Binary: "sleep", Args: []string{"60"}})
	require.Error(err)
	require.True(ErrLaunchFailed.Is(err))
	require.NotNil(proc)

	proc.Wait()
	require.False(proc.Alive())
}

func TestProcessKill(t *testing.T) {
	require := require.New(t)

	l := &Launcher{}
	proc, err := l.Launch(&Config{Binary: "sleep", Args: []string{"60"}})
	require.NoError(err)
	require.True(proc.Alive())

	require.NoError(proc.Kill())
	proc.Wait()
	require.False(proc.Alive())
}
