package supervisor

import (
	"io"
	"time"

	"github.com/guseggert/scenariorunner/ipc"
	"go.uber.org/zap"
)

type Option func(s *Supervisor)

// WithExecutable sets the program started for each run.
func WithExecutable(path string) Option {
	return func(s *Supervisor) {
		s.executable = path
	}
}

// WithArgs sets options passed to the executable before the entry script path.
func WithArgs(args ...string) Option {
	return func(s *Supervisor) {
		s.args = args
	}
}

// WithEnv adds KEY=VALUE pairs to the worker's environment.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) {
		s.env = append(s.env, env...)
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.connectTimeout = d
	}
}

// WithExitTimeout bounds how long teardown waits for the worker to exit before killing it.
func WithExitTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.exitTimeout = d
	}
}

// WithAbortGrace sets how long a cancelled run waits after sending abort before killing the worker.
func WithAbortGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.abortGrace = d
	}
}

func WithStdout(w io.Writer) Option {
	return func(s *Supervisor) {
		s.stdout = w
	}
}

func WithStderr(w io.Writer) Option {
	return func(s *Supervisor) {
		s.stderr = w
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

func WithScriptProvider(p ScriptProvider) Option {
	return func(s *Supervisor) {
		s.scripts = p
	}
}

func WithSessionOptions(opts ...ipc.Option) Option {
	return func(s *Supervisor) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}
