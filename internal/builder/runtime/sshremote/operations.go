package sshremote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alessio/shellescape"
	"golang.org/x/crypto/ssh"

	"github.com/zeitwork/amibuild/internal/builder/types"
)

// Session is an SSH connection to a build host. Each command runs in its
// own SSH session on the shared connection.
type Session struct {
	client *ssh.Client
	logger *slog.Logger
	pty    bool
}

var _ types.Session = (*Session)(nil)

// Exec runs command and waits for it to exit. Cancelling ctx kills the
// remote command.
func (s *Session) Exec(ctx context.Context, command string) (*types.ExecResult, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	if s.pty {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty("xterm", 40, 200, modes); err != nil {
			return nil, fmt.Errorf("failed to request pty: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return nil, ctx.Err()
	case err = <-done:
	}

	result := &types.ExecResult{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitStatus = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("command failed: %w", err)
	}

	return result, nil
}

// OpenTransfer returns a file transfer over this connection
func (s *Session) OpenTransfer() (types.Transfer, error) {
	if s.client == nil {
		return nil, fmt.Errorf("session is closed")
	}
	return &Transfer{client: s.client, logger: s.logger}, nil
}

// Close closes the underlying connection
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Transfer copies files by piping them into cat on the remote host
type Transfer struct {
	client *ssh.Client
	logger *slog.Logger
}

var _ types.Transfer = (*Transfer)(nil)

// Put copies localPath to remotePath
func (t *Transfer) Put(ctx context.Context, localPath, remotePath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	stat, err := localFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}

	t.logger.Info("transferring file",
		"local_path", localPath,
		"remote_path", remotePath,
		"size_bytes", stat.Size(),
	)

	session, err := t.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	cmd := fmt.Sprintf("cat > %s", shellescape.Quote(remotePath))
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("failed to start remote command: %w", err)
	}

	copyErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(stdin, localFile)
		stdin.Close()
		copyErr <- err
	}()

	select {
	case <-ctx.Done():
		session.Close()
		<-copyErr
		return ctx.Err()
	case err := <-copyErr:
		if err != nil {
			return fmt.Errorf("failed to copy file: %w", err)
		}
	}

	if err := session.Wait(); err != nil {
		return fmt.Errorf("failed to complete file transfer: %w", err)
	}

	t.logger.Info("file transferred successfully", "size_bytes", stat.Size())
	return nil
}

// Close is a no-op; the connection belongs to the session
func (t *Transfer) Close() error {
	return nil
}
