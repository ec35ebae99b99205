package server

import (
	"io"

	jaegercfg "github.com/uber/jaeger-client-go/config"
	"gopkg.in/src-d/go-errors.v1"
	"gopkg.in/src-d/go-log.v1"
)

var (
	// ErrInvalidLogger is returned when the logger configuration is wrong.
	ErrInvalidLogger = errors.NewKind("invalid logger configuration")
	// ErrInvalidTracer is returned when the tracing configuration is wrong.
	ErrInvalidTracer = errors.NewKind("invalid tracer configuration")
)

// InitLogger reconfigures the default logger factory and returns a logger
// built from it, for wiring into TestServer.Logger.
func InitLogger(level, format, fields string) (log.Logger, error) {
	log.DefaultFactory = &log.LoggerFactory{
		Level:  level,
		Format: format,
		Fields: fields,
	}

	l, err := log.DefaultFactory.New(nil)
	if err != nil {
		return nil, ErrInvalidLogger.Wrap(err)
	}
	return l, nil
}

// InitTracer installs a global Jaeger tracer configured from the
// environment. The returned closer flushes pending spans.
func InitTracer(serviceName string) (io.Closer, error) {
	c, err := jaegercfg.FromEnv()
	if err != nil {
		return nil, ErrInvalidTracer.Wrap(err)
	}
	closer, err := c.InitGlobalTracer(serviceName)
	if err != nil {
		return nil, ErrInvalidTracer.Wrap(err)
	}
	return closer, nil
}

// Run announces and serves the given test server, panicking on a serve
// error. It is the common main function of a testee binary.
func Run(s *TestServer) {
	if err := s.Serve(); err != nil {
		panic(err)
	}
}
