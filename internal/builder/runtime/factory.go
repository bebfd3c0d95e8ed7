package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zeitwork/amibuild/internal/builder/config"
	"github.com/zeitwork/amibuild/internal/builder/runtime/ec2"
	"github.com/zeitwork/amibuild/internal/builder/runtime/sshremote"
	"github.com/zeitwork/amibuild/internal/builder/types"
	sharedConfig "github.com/zeitwork/amibuild/internal/shared/config"
)

// NewProvider creates the compute provider selected by configuration
func NewProvider(ctx context.Context, cfg *sharedConfig.BuildConfig, logger *slog.Logger) (types.Provider, error) {
	switch cfg.Provider {
	case "ec2":
		ec2Config := config.EC2RuntimeConfig{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Endpoint:        cfg.EC2Endpoint,
		}
		return ec2.NewProvider(ctx, ec2Config, logger.With("runtime", "ec2"))

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// NewDialer creates the remote shell dialer for build hosts
func NewDialer(cfg *sharedConfig.BuildConfig, logger *slog.Logger) types.Dialer {
	return sshremote.NewDialer(config.SSHRuntimeConfig{
		Port:           cfg.SSHPort,
		ConnectTimeout: cfg.SSHTimeout,
		PTY:            true,
	}, logger.With("runtime", "ssh"))
}
