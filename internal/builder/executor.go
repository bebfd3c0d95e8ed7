package builder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/zeitwork/amibuild/internal/builder/types"
	"github.com/zeitwork/amibuild/internal/shared/errors"
)

// Executor runs one command on the build host with the accumulated
// environment prefix.
type Executor interface {
	Exec(ctx context.Context, env, command string) error
}

// RemoteExecutor executes commands over a remote session, one at a time.
type RemoteExecutor struct {
	session types.Session
	logger  *slog.Logger
}

var _ Executor = (*RemoteExecutor)(nil)

// NewRemoteExecutor creates an executor over session
func NewRemoteExecutor(session types.Session, logger *slog.Logger) *RemoteExecutor {
	return &RemoteExecutor{
		session: session,
		logger:  logger,
	}
}

// RemoteCommand returns the shell line that runs command with the env prefix
// as root on the build host. Both parts are shell quoted.
func RemoteCommand(env, command string) string {
	return fmt.Sprintf("set -ex; echo %s %s | sudo -i --", shellescape.Quote(env), shellescape.Quote(command))
}

// Exec runs command and waits for it to finish. Output is logged; a non-zero
// exit status is returned as a remote command error carrying stderr.
func (e *RemoteExecutor) Exec(ctx context.Context, env, command string) error {
	e.logger.Debug("executing remote command", "command", command, "env", env)

	result, err := e.session.Exec(ctx, RemoteCommand(env, command))
	if err != nil {
		return fmt.Errorf("failed to execute %q: %w", command, err)
	}

	if out := strings.TrimRight(string(result.Stdout), "\r\n"); out != "" {
		e.logger.Info(out)
	}
	stderr := strings.TrimRight(string(result.Stderr), "\r\n")
	if stderr != "" {
		e.logger.Warn(stderr)
	}

	if result.ExitStatus != 0 {
		e.logger.Error("remote command failed",
			"command", command,
			"exit_status", result.ExitStatus,
		)
		return errors.NewRemoteCommandError(command, result.ExitStatus, stderr)
	}

	return nil
}
