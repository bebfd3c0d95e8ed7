package builder

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zeitwork/amibuild/internal/builder/types"
	"github.com/zeitwork/amibuild/internal/dockerfile"
	"github.com/zeitwork/amibuild/internal/shared/errors"
	"github.com/zeitwork/amibuild/internal/shared/uuid"
)

const tracerName = "github.com/zeitwork/amibuild/internal/builder"

// Phase is a step of the build host lifecycle
type Phase string

const (
	PhaseCreated       Phase = "created"
	PhaseProvisioning  Phase = "provisioning"
	PhaseRunning       Phase = "running"
	PhaseReachable     Phase = "reachable"
	PhaseConnected     Phase = "connected"
	PhaseContextStaged Phase = "context_staged"
	PhaseExecuting     Phase = "executing"
	PhaseSnapshotting  Phase = "snapshotting"
	PhaseDone          Phase = "done"
	PhaseTerminating   Phase = "terminating"

	// PhaseFailed is only published as an event, never entered
	PhaseFailed Phase = "failed"
)

// Image tag keys added to every image
const (
	TagName    = "Name"
	TagBuildID = "amibuild:build-id"
)

// Config holds the builder configuration
type Config struct {
	ImageID          string // Source image of the build host
	InstanceType     string
	SubnetID         string
	SecurityGroupIDs []string
	ImageUser        string // Remote login user of the source image
	HostTag          string // Name tag of the build host
	HostTags         []types.Tag

	ImageName string // Name prefix of the captured image
	ImageTags []types.Tag

	ContextDir   string        // Local directory staged on the build host
	TmpDir       string        // Where the key and context archive are written
	PollInterval time.Duration // Delay between status polls
	SSHPort      int
}

// Option configures a Builder
type Option func(*Builder)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// WithNotifier publishes lifecycle events to n
func WithNotifier(n types.Notifier) Option {
	return func(b *Builder) { b.notifier = n }
}

// WithManifestStore stores the result of successful builds in s
func WithManifestStore(s types.ManifestStore) Option {
	return func(b *Builder) { b.manifests = s }
}

// WithHistory records every finished build in h
func WithHistory(h types.History) Option {
	return func(b *Builder) { b.history = h }
}

// WithImageTags adds tags to the captured image on top of the configured ones
func WithImageTags(tags ...types.Tag) Option {
	return func(b *Builder) { b.extraTags = append(b.extraTags, tags...) }
}

// WithTracerProvider records build spans with tp instead of the global
// provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Builder) { b.tracer = tp.Tracer(tracerName) }
}

// WithBuildID overrides the generated build id
func WithBuildID(id string) Option {
	return func(b *Builder) { b.buildID = id }
}

// Builder drives one build: it launches a build host, stages the context,
// replays the build script on it, captures an image and terminates the host.
//
// A Builder is single use and not safe for concurrent use.
type Builder struct {
	cfg       Config
	provider  types.Provider
	dialer    types.Dialer
	logger    *slog.Logger
	tracer    trace.Tracer
	notifier  types.Notifier
	manifests types.ManifestStore
	history   types.History
	extraTags []types.Tag
	buildID   string

	phase    Phase
	keyPair  *types.KeyPair
	instance *types.Instance
	session  types.Session
	exec     Executor
	state    dockerfile.State
	image    *types.Image

	reach func(ctx context.Context, addr string) error
	now   func() time.Time
}

// New creates a new builder
func New(cfg Config, provider types.Provider, dialer types.Dialer, opts ...Option) *Builder {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SSHPort == 0 {
		cfg.SSHPort = 22
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	if cfg.ContextDir == "" {
		cfg.ContextDir = "."
	}

	b := &Builder{
		cfg:      cfg,
		provider: provider,
		dialer:   dialer,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		phase:    PhaseCreated,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.buildID == "" {
		b.buildID = uuid.New()
	}
	b.logger = b.logger.With("build_id", b.buildID)
	b.reach = b.dialSSH

	return b
}

// ID returns the build id
func (b *Builder) ID() string { return b.buildID }

// Phase returns the current lifecycle phase
func (b *Builder) Phase() Phase { return b.phase }

// State returns the instruction state of the build
func (b *Builder) State() dockerfile.State { return b.state }

// Build runs the whole lifecycle against script. The build host is
// terminated exactly once on every path, including cancellation of ctx.
func (b *Builder) Build(ctx context.Context, script io.Reader) (result *types.BuildResult, err error) {
	result = &types.BuildResult{
		BuildID:   b.buildID,
		StartedAt: b.now(),
	}

	lines, err := dockerfile.ReadLines(script)
	if err != nil {
		return result, errors.NewConfigError("failed to read build script", err)
	}

	ctx, span := b.tracer.Start(ctx, "build", trace.WithAttributes(
		attribute.String("build.id", b.buildID),
		attribute.String("build.image_name", b.cfg.ImageName),
	))
	defer span.End()

	defer func() {
		if b.instance != nil {
			result.InstanceID = b.instance.ID
		}

		// cleanup must run even when ctx was cancelled
		if terr := b.traced(context.WithoutCancel(ctx), "terminate", b.Terminate); terr != nil {
			b.logger.Error("failed to terminate build host", "error", terr)
			if err == nil {
				err = terr
			}
		}

		result.Steps = b.state.Step
		result.Image = b.image
		result.FinishedAt = b.now()
		result.Duration = result.FinishedAt.Sub(result.StartedAt)

		span.SetAttributes(attribute.Int("build.steps", result.Steps))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			result.Error = err.Error()
		}

		if b.history != nil {
			if herr := b.history.RecordBuild(context.WithoutCancel(ctx), result); herr != nil {
				b.logger.Error("failed to record build", "error", herr)
			}
		}

		if err != nil {
			b.notify(context.WithoutCancel(ctx), PhaseFailed, err)
			return
		}

		b.setPhase(ctx, PhaseDone)
		if b.manifests != nil {
			if merr := b.manifests.PutManifest(context.WithoutCancel(ctx), result); merr != nil {
				b.logger.Error("failed to store build manifest", "error", merr)
			}
		}
	}()

	if err = b.traced(ctx, "start", b.Start); err != nil {
		return result, err
	}
	result.InstanceID = b.instance.ID
	span.SetAttributes(attribute.String("build.instance_id", b.instance.ID))

	if err = b.traced(ctx, "stage_context", b.StageContext); err != nil {
		return result, err
	}

	err = b.traced(ctx, "execute", func(ctx context.Context) error {
		return b.execute(ctx, lines)
	})
	if err != nil {
		return result, err
	}

	err = b.traced(ctx, "snapshot", func(ctx context.Context) error {
		_, err := b.Snapshot(ctx)
		return err
	})
	if err != nil {
		return result, err
	}
	result.Tags = b.imageTags()
	span.SetAttributes(attribute.String("build.image_id", b.image.ID))

	return result, nil
}

// Start launches the build host, waits until it is running and reachable
// and opens a session to it.
func (b *Builder) Start(ctx context.Context) error {
	b.setPhase(ctx, PhaseProvisioning)
	if err := b.provision(ctx); err != nil {
		return err
	}

	b.setPhase(ctx, PhaseRunning)
	if err := b.waitRunning(ctx); err != nil {
		return err
	}

	b.setPhase(ctx, PhaseReachable)
	if err := b.waitReachable(ctx); err != nil {
		return err
	}

	b.setPhase(ctx, PhaseConnected)
	return b.connect(ctx)
}

func (b *Builder) provision(ctx context.Context) error {
	keyName := uuid.NewRandom()
	keyPair, err := b.provider.CreateKeyPair(ctx, keyName)
	if err != nil {
		return errors.NewProvisioningError("failed to create key pair", err)
	}
	b.keyPair = keyPair

	keyPath := filepath.Join(b.cfg.TmpDir, keyPair.Name+".pem")
	if err := os.WriteFile(keyPath, keyPair.PrivateKey, 0o600); err != nil {
		return errors.NewProvisioningError("failed to save private key", err)
	}
	b.logger.Debug("private key saved", "key_name", keyPair.Name, "path", keyPath)

	spec := types.InstanceSpec{
		ImageID:          b.cfg.ImageID,
		InstanceType:     b.cfg.InstanceType,
		SubnetID:         b.cfg.SubnetID,
		SecurityGroupIDs: b.cfg.SecurityGroupIDs,
		KeyName:          keyPair.Name,
		Tags:             b.hostTags(),
	}

	b.logger.Info("launching build host",
		"image_id", spec.ImageID,
		"instance_type", spec.InstanceType,
		"subnet_id", spec.SubnetID,
	)

	instance, err := b.provider.RunInstance(ctx, spec)
	if err != nil {
		if stderrors.Is(err, types.ErrInstanceNotFound) {
			return errors.NewProvisioningError("unable to find launched instance", err)
		}
		return errors.NewProvisioningError("failed to launch instance", err)
	}
	b.instance = instance

	b.logger.Info("build host launched",
		"instance_id", instance.ID,
		"reservation_id", instance.ReservationID,
	)

	return nil
}

func (b *Builder) waitRunning(ctx context.Context) error {
	return b.poll(ctx, "instance running", func(ctx context.Context) (bool, error) {
		current, err := b.provider.DescribeInstance(ctx, b.instance.ID)
		if err != nil {
			b.logger.Debug("failed to describe build host, retrying", "instance_id", b.instance.ID, "error", err)
			return false, nil
		}

		b.instance.State = current.State
		if current.PrivateIP != "" {
			b.instance.PrivateIP = current.PrivateIP
		}

		switch current.State {
		case types.InstanceStateRunning:
			if b.instance.PrivateIP == "" {
				b.logger.Debug("build host running without a private ip yet")
				return false, nil
			}
			b.logger.Info("build host running", "private_ip", b.instance.PrivateIP)
			return true, nil
		case types.InstanceStateTerminated:
			return false, errors.NewProvisioningError(
				fmt.Sprintf("instance %s terminated before it was running", b.instance.ID), nil)
		}
		return false, nil
	})
}

func (b *Builder) waitReachable(ctx context.Context) error {
	addr := net.JoinHostPort(b.instance.PrivateIP, strconv.Itoa(b.cfg.SSHPort))
	return b.poll(ctx, "ssh reachable", func(ctx context.Context) (bool, error) {
		if err := b.reach(ctx, addr); err != nil {
			b.logger.Debug("build host not reachable yet", "addr", addr, "error", err)
			return false, nil
		}
		b.logger.Info("build host reachable", "addr", addr)
		return true, nil
	})
}

func (b *Builder) dialSSH(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: b.cfg.PollInterval}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (b *Builder) connect(ctx context.Context) error {
	session, err := b.dialer.Dial(ctx, b.instance.PrivateIP, b.cfg.ImageUser, b.keyPair.PrivateKey)
	if err != nil {
		return errors.NewConnectivityError("failed to connect to build host", err)
	}
	b.session = session
	b.exec = NewRemoteExecutor(session, b.logger.With("component", "executor"))

	b.logger.Info("connected to build host", "user", b.cfg.ImageUser)
	return nil
}

// StageContext archives the context directory, uploads it and unpacks it
// under ExtractRoot on the build host.
func (b *Builder) StageContext(ctx context.Context) error {
	if b.session == nil {
		return errors.NewInternalError("build host is not connected", nil)
	}

	archivePath, err := ArchiveContext(b.cfg.ContextDir, b.cfg.TmpDir)
	if err != nil {
		return errors.NewTransferError("failed to archive build context", err)
	}
	defer os.Remove(archivePath)

	b.logger.Info("uploading build context",
		"context_dir", b.cfg.ContextDir,
		"remote_path", RemoteArchivePath,
	)

	transfer, err := b.session.OpenTransfer()
	if err != nil {
		return errors.NewTransferError("failed to open transfer channel", err)
	}
	defer transfer.Close()

	if err := transfer.Put(ctx, archivePath, RemoteArchivePath); err != nil {
		return errors.NewTransferError("failed to upload build context", err)
	}

	if err := b.exec.Exec(ctx, "", ExtractCommand()); err != nil {
		return err
	}

	b.setPhase(ctx, PhaseContextStaged)
	return nil
}

// Execute replays script on the build host, stopping at the first failing
// command.
func (b *Builder) Execute(ctx context.Context, script io.Reader) error {
	lines, err := dockerfile.ReadLines(script)
	if err != nil {
		return errors.NewConfigError("failed to read build script", err)
	}
	return b.execute(ctx, lines)
}

func (b *Builder) execute(ctx context.Context, lines []string) error {
	if b.exec == nil {
		return errors.NewInternalError("build host is not connected", nil)
	}

	b.setPhase(ctx, PhaseExecuting)

	logger := b.logger.With("component", "script")
	h := dockerfile.NewStateHandler(NewHandler(b.exec, &b.state, logger), &b.state, logger)
	if err := dockerfile.Walk(ctx, lines, h); err != nil {
		return err
	}

	b.logger.Info("build script finished", "steps", b.state.Step)
	return nil
}

// Snapshot captures an image of the build host and waits until it is no
// longer pending.
func (b *Builder) Snapshot(ctx context.Context) (*types.Image, error) {
	if b.instance == nil {
		return nil, errors.NewInternalError("no build host to snapshot", nil)
	}

	b.setPhase(ctx, PhaseSnapshotting)

	name := fmt.Sprintf("%s-%s", b.cfg.ImageName, b.now().Format("20060102150405"))
	b.logger.Info("creating image", "name", name, "instance_id", b.instance.ID)

	imageID, err := b.provider.CreateImage(ctx, b.instance.ID, name)
	if err != nil {
		return nil, errors.NewSnapshotError("failed to create image", err)
	}

	if err := b.provider.TagResource(ctx, imageID, b.imageTags()); err != nil {
		return nil, errors.NewSnapshotError("failed to tag image", err)
	}

	image := &types.Image{ID: imageID, Name: name, State: types.ImageStatePending}
	err = b.poll(ctx, "image available", func(ctx context.Context) (bool, error) {
		current, err := b.provider.DescribeImage(ctx, imageID)
		if err != nil {
			return false, errors.NewSnapshotError("failed to describe image", err)
		}
		image.State = current.State
		return current.State != types.ImageStatePending, nil
	})
	if err != nil {
		return nil, err
	}

	if image.State != types.ImageStateAvailable {
		return nil, errors.NewSnapshotError(fmt.Sprintf("image %s ended in state %s", imageID, image.State), nil)
	}

	b.image = image
	b.logger.Info("image available", "image_id", imageID, "name", name)
	return image, nil
}

func (b *Builder) imageTags() []types.Tag {
	tags := lo.Filter(b.cfg.ImageTags, notName)
	tags = append(tags, types.Tag{Key: TagBuildID, Value: b.buildID})
	tags = append(tags, b.extraTags...)
	tags = append(tags, types.Tag{Key: TagName, Value: b.cfg.ImageName})
	return lo.UniqBy(tags, func(t types.Tag) string { return t.Key })
}

// hostTags are the configured host tags followed by Name=<hostTag>. The
// first occurrence of a key wins.
func (b *Builder) hostTags() []types.Tag {
	tags := append(lo.Filter(b.cfg.HostTags, notName), types.Tag{Key: TagName, Value: b.cfg.HostTag})
	return lo.UniqBy(tags, func(t types.Tag) string { return t.Key })
}

func notName(t types.Tag, _ int) bool { return t.Key != TagName }

// Terminate closes the session and terminates the build host. It is a no-op
// when there is no build host, so it is safe to call more than once.
func (b *Builder) Terminate(ctx context.Context) error {
	if b.session != nil {
		if err := b.session.Close(); err != nil {
			b.logger.Debug("failed to close session", "error", err)
		}
		b.session = nil
		b.exec = nil
	}

	if b.instance == nil {
		return nil
	}

	b.setPhase(ctx, PhaseTerminating)

	instanceID := b.instance.ID
	b.instance = nil
	b.logger.Info("terminating build host", "instance_id", instanceID)

	if err := b.provider.TerminateInstance(ctx, instanceID); err != nil {
		return errors.NewTerminationError(instanceID, err)
	}
	return nil
}

// traced runs fn in a child span of the build
func (b *Builder) traced(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// poll calls check every PollInterval until it reports done or fails. There
// is no deadline; only ctx stops it.
func (b *Builder) poll(ctx context.Context, what string, check func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		b.logger.Debug("waiting", "for", what, "interval", b.cfg.PollInterval)

		select {
		case <-ctx.Done():
			return fmt.Errorf("stopped waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *Builder) setPhase(ctx context.Context, phase Phase) {
	b.phase = phase
	b.notify(ctx, phase, nil)
}

func (b *Builder) notify(ctx context.Context, phase Phase, err error) {
	if b.notifier == nil {
		return
	}

	event := types.Event{
		BuildID: b.buildID,
		Phase:   string(phase),
		Step:    b.state.Step,
		Time:    b.now(),
	}
	if b.instance != nil {
		event.InstanceID = b.instance.ID
	}
	if b.image != nil {
		event.ImageID = b.image.ID
	}
	if err != nil {
		event.Error = err.Error()
	}

	if nerr := b.notifier.Notify(ctx, event); nerr != nil {
		b.logger.Warn("failed to publish build event", "phase", phase, "error", nerr)
	}
}
