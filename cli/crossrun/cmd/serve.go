package cmd

import (
	"gopkg.in/src-d/go-log.v1"

	"github.com/crossrun/sdk/server"
)

const ServeCommandDescription = "hosts a test server with built-in smoke tests"

// ServeCommand runs an in-process test server. It exists for bridge
// development: `crossrun serve` behaves like a testee binary, announcing
// its port on stderr and serving the smoke tests below.
type ServeCommand struct {
	Address string `long:"address" default:"127.0.0.1:0" description:"address to listen on; port 0 lets the OS choose"`

	LogLevel  string `long:"log-level" default:"info" description:"log level: panic, fatal, error, warning, info, debug"`
	LogFormat string `long:"log-format" default:"text" description:"format of the logs: text or json"`
	LogFields string `long:"log-fields" default:"" description:"extra fields to add to every log line in json format"`
}

func (c *ServeCommand) Execute(args []string) error {
	logger, err := server.InitLogger(c.LogLevel, c.LogFormat, c.LogFields)
	if err != nil {
		return err
	}

	if closer, err := server.InitTracer("crossrun-server"); err != nil {
		log.Warningf("tracing disabled: %s", err)
	} else {
		defer closer.Close()
	}

	s := server.NewTestServer()
	s.Logger = logger
	s.Addr = c.Address

	s.MustRegister("smoke.pass", func(t *server.T) {})
	s.MustRegister("smoke.fail", func(t *server.T) {
		t.Fatalf("this test always fails")
	})
	s.MustRegister("smoke.skip", func(t *server.T) {
		t.Skipf("this test is always skipped")
	})
	s.MustRegister("smoke.assume", func(t *server.T) {
		t.Assumef(false, "this assumption never holds")
	})

	return s.Serve()
}
