package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zeitwork/amibuild/internal/builder"
	"github.com/zeitwork/amibuild/internal/builder/runtime"
	"github.com/zeitwork/amibuild/internal/dockerfile"
	"github.com/zeitwork/amibuild/internal/shared/config"
	"github.com/zeitwork/amibuild/internal/shared/database"
	"github.com/zeitwork/amibuild/internal/shared/errors"
	"github.com/zeitwork/amibuild/internal/shared/gitinfo"
	"github.com/zeitwork/amibuild/internal/shared/logging"
	"github.com/zeitwork/amibuild/internal/shared/nats"
	"github.com/zeitwork/amibuild/internal/shared/s3"
	"github.com/zeitwork/amibuild/internal/telemetry"
)

var (
	logger     *slog.Logger
	rootCmd    *cobra.Command
	configFile string
	envFile    string
	debug      bool
)

// flagKeys maps command line flags to the configuration keys they override
var flagKeys = map[string]string{
	"region":        "REGION",
	"instance-type": "INSTANCE_TYPE",
	"subnet-id":     "SUBNET_ID",
	"image-name":    "IMAGE_NAME",
	"image-id":      "IMAGE_ID",
	"image-user":    "IMAGE_USER",
	"file":          "DOCKERFILE",
	"log-format":    "LOG_FORMAT",
}

func init() {
	logger = logging.NewLogger(os.Stderr, "info", "text")
	slog.SetDefault(logger)
}

func main() {
	rootCmd = newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(errors.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "amibuild [context-dir]",
		Short:         "Build machine images from a Dockerfile",
		Long:          "Launches a temporary EC2 instance, replays a Dockerfile on it over SSH and captures the result as an AMI",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBuild,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (default ~/.docker-build-ami.yaml or /etc/docker-build-ami.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Environment file to load; the AMIBUILD_ prefix of its keys is optional, e.g. REGION=eu-west-1")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	root.PersistentFlags().String("log-format", "", "Log format (text, json)")
	root.PersistentFlags().StringP("file", "f", "", "Dockerfile path, relative to the context directory")

	root.Flags().StringP("region", "r", "", "AWS region")
	root.Flags().StringP("instance-type", "t", "", "Instance type of the build host")
	root.Flags().StringP("subnet-id", "s", "", "Subnet of the build host")
	root.Flags().StringP("image-name", "n", "", "Name of the created image")
	root.Flags().StringP("image-id", "i", "", "Source image of the build host")
	root.Flags().StringP("image-user", "u", "", "Login user of the source image")

	root.AddCommand(&cobra.Command{
		Use:   "parse [context-dir]",
		Short: "Print the commands a build would run",
		Long:  "Parses the Dockerfile and prints every remote command in order without launching anything",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runParse,
	})

	return root
}

// loadConfig resolves configuration and installs the configured logger
func loadConfig(cmd *cobra.Command, args []string) (*config.BuildConfig, error) {
	overrides := map[string]string{}
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			overrides[key] = f.Value.String()
		}
	}
	if len(args) > 0 {
		overrides["CONTEXT_DIR"] = args[0]
	}
	if debug {
		overrides["LOG_LEVEL"] = "debug"
	}

	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: configFile,
		EnvFile:    envFile,
		Overrides:  overrides,
	})
	if err != nil {
		return nil, errors.NewConfigError("failed to load configuration", err)
	}

	logger = logging.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	return cfg, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.NewConfigError("invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTracer(ctx, &cfg.Tracing)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("failed to flush traces", "error", err)
			}
		}()
	}

	provider, err := runtime.NewProvider(ctx, cfg, logger)
	if err != nil {
		return errors.NewConfigError("failed to create provider", err)
	}
	dialer := runtime.NewDialer(cfg, logger)

	opts := []builder.Option{builder.WithLogger(logger)}

	info, err := gitinfo.Read(cfg.ContextDir)
	if err != nil {
		logger.Warn("failed to read git revision of build context", "error", err)
	}
	if info != nil {
		logger.Debug("build context is a git work tree", "commit", info.Commit, "branch", info.Branch)
		opts = append(opts, builder.WithImageTags(info.Tags()...))
	}

	if len(cfg.NATS.URLs) > 0 {
		client, err := nats.NewClient(&cfg.NATS, logger)
		if err != nil {
			logger.Warn("build events disabled", "error", err)
		} else {
			defer client.Close()
			opts = append(opts, builder.WithNotifier(nats.NewNotifier(client, cfg.Events.Subject)))
		}
	}

	if cfg.S3.Bucket != "" {
		store, err := s3.NewClient(ctx, &s3.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Prefix:          cfg.S3.Prefix,
		}, logger.With("component", "manifests"))
		if err != nil {
			return errors.NewConfigError("failed to create manifest store", err)
		}
		opts = append(opts, builder.WithManifestStore(store))
	}

	if cfg.Database.URL != "" {
		db, err := database.New(ctx, cfg.Database.URL)
		if err != nil {
			return errors.NewConfigError("failed to connect to build history", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return errors.NewConfigError("failed to prepare build history", err)
		}
		opts = append(opts, builder.WithHistory(database.NewBuildStore(db.Pool)))
	}

	script, err := os.Open(cfg.DockerfilePath())
	if err != nil {
		return errors.NewConfigError("failed to open dockerfile", err)
	}
	defer script.Close()

	b := builder.New(builderConfig(cfg), provider, dialer, opts...)

	result, err := b.Build(ctx, script)
	if err != nil {
		return err
	}

	logger.Info("image created",
		"image_id", result.Image.ID,
		"name", result.Image.Name,
		"steps", result.Steps,
		"duration", result.Duration,
	)
	fmt.Fprintln(cmd.OutOrStdout(), result.Image.ID)

	return nil
}

func builderConfig(cfg *config.BuildConfig) builder.Config {
	return builder.Config{
		ImageID:          cfg.ImageID,
		InstanceType:     cfg.InstanceType,
		SubnetID:         cfg.SubnetID,
		SecurityGroupIDs: cfg.SecurityGroupIDs,
		ImageUser:        cfg.ImageUser,
		HostTag:          cfg.HostTag,
		HostTags:         cfg.HostTags.List(),
		ImageName:        cfg.ImageName,
		ImageTags:        cfg.ImageTags.List(),
		ContextDir:       cfg.ContextDir,
		TmpDir:           cfg.TmpDir,
		PollInterval:     cfg.PollInterval,
		SSHPort:          cfg.SSHPort,
	}
}

func runParse(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.ValidateDockerfile(); err != nil {
		return errors.NewConfigError("invalid configuration", err)
	}

	script, err := os.Open(cfg.DockerfilePath())
	if err != nil {
		return errors.NewConfigError("failed to open dockerfile", err)
	}
	defer script.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, builder.RemoteCommand("", builder.ExtractCommand()))

	state := &dockerfile.State{}
	plan := builder.NewHandler(&printExecutor{w: out}, state, logger)
	if err := dockerfile.Parse(cmd.Context(), script, dockerfile.NewStateHandler(plan, state, logger)); err != nil {
		return err
	}

	logger.Info("parsed build script", "steps", state.Step)
	return nil
}

// printExecutor writes commands instead of running them
type printExecutor struct {
	w io.Writer
}

func (p *printExecutor) Exec(_ context.Context, env, command string) error {
	_, err := fmt.Fprintln(p.w, builder.RemoteCommand(env, command))
	return err
}
