package sshremote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/zeitwork/amibuild/internal/builder/config"
	"github.com/zeitwork/amibuild/internal/builder/types"
)

// Dialer opens SSH sessions to build hosts with a per-build key
type Dialer struct {
	logger *slog.Logger
	config config.SSHRuntimeConfig
}

var _ types.Dialer = (*Dialer)(nil)

// NewDialer creates a new SSH dialer
func NewDialer(cfg config.SSHRuntimeConfig, logger *slog.Logger) *Dialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Dialer{
		logger: logger,
		config: cfg,
	}
}

// Dial connects and authenticates to host. The host key is not verified;
// build hosts are fresh instances with unknown keys.
func (d *Dialer) Dial(ctx context.Context, host, user string, privateKey []byte) (types.Session, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.config.ConnectTimeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(d.config.Port))

	dialer := net.Dialer{Timeout: d.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to establish SSH connection to %s: %w", addr, err)
	}

	d.logger.Debug("SSH connection established", "addr", addr, "user", user)

	return &Session{
		client: ssh.NewClient(c, chans, reqs),
		logger: d.logger,
		pty:    d.config.PTY,
	}, nil
}
