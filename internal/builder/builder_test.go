package builder

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zeitwork/amibuild/internal/builder/types"
	"github.com/zeitwork/amibuild/internal/shared/errors"
	"github.com/zeitwork/amibuild/internal/shared/logging"
	"github.com/zeitwork/amibuild/internal/shared/uuid"
)

type BuilderSuite struct {
	suite.Suite

	provider *fakeProvider
	session  *fakeSession
	dialer   *fakeDialer
	notifier *recordingNotifier
	store    *recordingStore
	cfg      Config
}

func TestBuilderSuite(t *testing.T) {
	suite.Run(t, new(BuilderSuite))
}

func (s *BuilderSuite) SetupTest() {
	s.provider = &fakeProvider{}
	s.session = &fakeSession{}
	s.dialer = &fakeDialer{session: s.session}
	s.notifier = &recordingNotifier{}
	s.store = &recordingStore{}

	contextDir := s.T().TempDir()
	s.Require().NoError(os.WriteFile(filepath.Join(contextDir, "app.conf"), []byte("listen 80\n"), 0o644))

	s.cfg = Config{
		ImageID:          "ami-src",
		InstanceType:     "t3.small",
		SubnetID:         "subnet-1",
		SecurityGroupIDs: []string{"sg-1"},
		ImageUser:        "centos",
		HostTag:          "builder",
		HostTags:         []types.Tag{{Key: "team", Value: "infra"}},
		ImageName:        "web",
		ImageTags:        []types.Tag{{Key: "env", Value: "prod"}},
		ContextDir:       contextDir,
		TmpDir:           s.T().TempDir(),
		PollInterval:     time.Millisecond,
	}
}

func (s *BuilderSuite) newBuilder(opts ...Option) *Builder {
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithNotifier(s.notifier),
		WithManifestStore(s.store),
		WithBuildID("build-1"),
	}, opts...)

	b := New(s.cfg, s.provider, s.dialer, opts...)
	b.reach = func(context.Context, string) error { return nil }
	b.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return b
}

func (s *BuilderSuite) build(b *Builder, script string) (*types.BuildResult, error) {
	return b.Build(context.Background(), strings.NewReader(script))
}

func (s *BuilderSuite) TestBuild_RunsScriptAndCapturesImage() {
	b := s.newBuilder()

	result, err := s.build(b, "ENV A=1\nWORKDIR /opt\nRUN make\nCOPY app.conf /etc/app.conf\n")
	s.Require().NoError(err)

	s.Equal([]string{
		RemoteCommand("", ExtractCommand()),
		RemoteCommand("A=1;cd /opt;", "make"),
		RemoteCommand("A=1;cd /opt;", "cp -rf /tmp/docker-build-ami/app.conf /etc/app.conf"),
	}, s.session.commands)

	s.Require().NotNil(result.Image)
	s.Equal("ami-456", result.Image.ID)
	s.Equal("web-20240102030405", result.Image.Name)
	s.Equal(types.ImageStateAvailable, result.Image.State)
	s.Equal("build-1", result.BuildID)
	s.Equal("i-123", result.InstanceID)
	s.Equal(4, result.Steps)
	s.Empty(result.Error)

	s.Equal([]string{"i-123"}, s.provider.terminated)
	s.Equal(1, s.session.closed)
	s.Equal(PhaseDone, b.Phase())
}

func (s *BuilderSuite) TestBuild_LaunchesTaggedHost() {
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\n")
	s.Require().NoError(err)

	spec := s.provider.spec
	s.Equal("ami-src", spec.ImageID)
	s.Equal("t3.small", spec.InstanceType)
	s.Equal("subnet-1", spec.SubnetID)
	s.Equal([]string{"sg-1"}, spec.SecurityGroupIDs)
	s.Equal([]types.Tag{{Key: "team", Value: "infra"}, {Key: "Name", Value: "builder"}}, spec.Tags)
	s.True(uuid.Valid(spec.KeyName))

	info, err := os.Stat(filepath.Join(s.cfg.TmpDir, spec.KeyName+".pem"))
	s.Require().NoError(err)
	s.Equal(os.FileMode(0o600), info.Mode().Perm())

	s.Equal("10.0.0.5", s.dialer.host)
	s.Equal("centos", s.dialer.user)
}

func (s *BuilderSuite) TestBuild_DedupsHostTags() {
	s.cfg.HostTags = []types.Tag{
		{Key: "team", Value: "infra"},
		{Key: "Name", Value: "ignored"},
		{Key: "team", Value: "web"},
	}
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\n")
	s.Require().NoError(err)

	s.Equal([]types.Tag{{Key: "team", Value: "infra"}, {Key: "Name", Value: "builder"}}, s.provider.spec.Tags)
}

func (s *BuilderSuite) TestBuild_TagsImage() {
	b := s.newBuilder(WithImageTags(types.Tag{Key: "amibuild:git-commit", Value: "abc123"}))

	_, err := s.build(b, "RUN true\n")
	s.Require().NoError(err)

	s.Equal([]types.Tag{
		{Key: "env", Value: "prod"},
		{Key: TagBuildID, Value: "build-1"},
		{Key: "amibuild:git-commit", Value: "abc123"},
		{Key: TagName, Value: "web"},
	}, s.provider.imageTags)
}

func (s *BuilderSuite) TestBuild_StagesContextBeforeScript() {
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\n")
	s.Require().NoError(err)

	archivePath := filepath.Join(s.cfg.TmpDir, ArchiveName)
	s.Equal([][2]string{{archivePath, RemoteArchivePath}}, s.session.puts)
	s.Equal(RemoteCommand("", "mkdir /tmp/docker-build-ami; tar -xzf /tmp/docker-build-ami.tar.gz -C /tmp/docker-build-ami"), s.session.commands[0])

	_, err = os.Stat(archivePath)
	s.True(os.IsNotExist(err))
}

func (s *BuilderSuite) TestBuild_NonZeroExitHaltsAndTerminatesOnce() {
	s.session.failOn = "false"
	s.session.failStatus = 3
	b := s.newBuilder()

	result, err := s.build(b, "RUN true\nRUN false\nRUN never\n")
	s.Require().Error(err)

	s.True(errors.Is(err, errors.ErrorTypeRemoteCommand))
	s.Equal(3, errors.ExitCode(err))
	s.Len(s.session.commands, 3)
	for _, cmd := range s.session.commands {
		s.NotContains(cmd, "never")
	}

	s.Equal(1, s.provider.count("TerminateInstance"))
	s.Zero(s.provider.count("CreateImage"))
	s.Equal(2, result.Steps)
	s.NotEmpty(result.Error)
	s.Empty(s.store.results)
	s.Equal(string(PhaseFailed), s.notifier.phases[len(s.notifier.phases)-1])
}

func (s *BuilderSuite) TestBuild_InstanceNotFound() {
	s.provider.runErr = fmt.Errorf("reservation r-1: %w", types.ErrInstanceNotFound)
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\n")
	s.Require().Error(err)

	s.True(errors.Is(err, errors.ErrorTypeProvisioning))
	s.True(stderrors.Is(err, types.ErrInstanceNotFound))
	s.Empty(s.dialer.host)
	s.Empty(s.session.commands)
	s.Zero(s.provider.count("TerminateInstance"))
	s.Equal([]string{string(PhaseProvisioning), string(PhaseFailed)}, s.notifier.phases)
}

func (s *BuilderSuite) TestBuild_TransferErrorIsFatal() {
	s.session.putErr = stderrors.New("connection reset")
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\n")
	s.Require().Error(err)

	s.True(errors.Is(err, errors.ErrorTypeTransfer))
	s.Empty(s.session.commands)
	s.Equal([]string{"i-123"}, s.provider.terminated)
}

func (s *BuilderSuite) TestBuild_ConnectErrorTerminates() {
	s.dialer.err = stderrors.New("handshake failed")
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\n")
	s.Require().Error(err)

	s.True(errors.Is(err, errors.ErrorTypeConnectivity))
	s.Equal([]string{"i-123"}, s.provider.terminated)
}

func (s *BuilderSuite) TestBuild_TerminationErrorDoesNotMaskFailure() {
	s.session.failOn = "false"
	s.session.failStatus = 1
	s.provider.terminateErr = stderrors.New("throttled")
	b := s.newBuilder()

	_, err := s.build(b, "RUN false\n")
	s.Require().Error(err)
	s.Equal(errors.ErrorTypeRemoteCommand, errors.TypeOf(err))
}

func (s *BuilderSuite) TestBuild_TerminationErrorFailsSuccessfulBuild() {
	s.provider.terminateErr = stderrors.New("throttled")
	b := s.newBuilder()

	result, err := s.build(b, "RUN true\n")
	s.Require().Error(err)
	s.Equal(errors.ErrorTypeTermination, errors.TypeOf(err))
	s.NotNil(result.Image)
}

func (s *BuilderSuite) TestTerminate_Idempotent() {
	b := s.newBuilder()
	s.NoError(b.Terminate(context.Background()))

	_, err := s.build(b, "RUN true\n")
	s.Require().NoError(err)

	s.NoError(b.Terminate(context.Background()))
	s.NoError(b.Terminate(context.Background()))
	s.Equal(1, s.provider.count("TerminateInstance"))
}

func (s *BuilderSuite) TestBuild_PollsUntilRunningAndAvailable() {
	s.provider.instanceStates = []string{types.InstanceStatePending, types.InstanceStatePending, types.InstanceStateRunning}
	s.provider.imageStates = []string{types.ImageStatePending, types.ImageStatePending, types.ImageStateAvailable}
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\n")
	s.Require().NoError(err)

	s.Equal(3, s.provider.count("DescribeInstance"))
	s.Equal(3, s.provider.count("DescribeImage"))
}

func (s *BuilderSuite) TestBuild_RetriesDescribeErrorsWhileWaiting() {
	s.provider.describeErrs = []error{stderrors.New("RequestLimitExceeded"), stderrors.New("connection reset")}
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\n")
	s.Require().NoError(err)
	s.Equal(3, s.provider.count("DescribeInstance"))
}

func (s *BuilderSuite) TestBuild_WaitsForPrivateIP() {
	s.provider.noIPUntil = 2
	b := s.newBuilder()
	var addrs []string
	b.reach = func(_ context.Context, a string) error {
		addrs = append(addrs, a)
		return nil
	}

	_, err := s.build(b, "RUN true\n")
	s.Require().NoError(err)
	s.Equal(3, s.provider.count("DescribeInstance"))
	s.Equal([]string{"10.0.0.5:22"}, addrs)
	s.Equal("10.0.0.5", s.dialer.host)
}

func (s *BuilderSuite) TestBuild_WaitsForReachability() {
	b := s.newBuilder()
	attempts := 0
	var addr string
	b.reach = func(_ context.Context, a string) error {
		addr = a
		attempts++
		if attempts < 3 {
			return stderrors.New("connection refused")
		}
		return nil
	}

	_, err := s.build(b, "RUN true\n")
	s.Require().NoError(err)
	s.Equal(3, attempts)
	s.Equal("10.0.0.5:22", addr)
}

func (s *BuilderSuite) TestBuild_InstanceTerminatedWhileWaiting() {
	s.provider.instanceStates = []string{types.InstanceStatePending, types.InstanceStateTerminated}
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\n")
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrorTypeProvisioning))
	s.Equal(1, s.provider.count("TerminateInstance"))
}

func (s *BuilderSuite) TestBuild_FailedImage() {
	s.provider.imageStates = []string{types.ImageStatePending, "failed"}
	b := s.newBuilder()

	result, err := s.build(b, "RUN true\n")
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrorTypeSnapshot))
	s.Nil(result.Image)
	s.Equal(1, s.provider.count("TerminateInstance"))
}

func (s *BuilderSuite) TestBuild_CancelledWhileWaitingStillTerminates() {
	s.cfg.PollInterval = time.Hour
	s.provider.instanceStates = []string{types.InstanceStatePending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := s.newBuilder(WithNotifier(cancelOn{phase: PhaseRunning, cancel: cancel}))

	_, err := b.Build(ctx, strings.NewReader("RUN true\n"))
	s.Require().Error(err)
	s.ErrorIs(err, context.Canceled)
	s.Equal([]string{"i-123"}, s.provider.terminated)
}

func (s *BuilderSuite) TestBuild_SkipAndUnknownInstructions() {
	b := s.newBuilder()

	result, err := s.build(b, "FROM centos:7\n# AWS-SKIP\nRUN skipped\nMAINTAINER someone\nRUN kept\n")
	s.Require().NoError(err)

	s.Equal([]string{
		RemoteCommand("", ExtractCommand()),
		RemoteCommand("", "kept"),
	}, s.session.commands)
	s.Equal(1, result.Steps)
}

func (s *BuilderSuite) TestBuild_PublishesPhases() {
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\n")
	s.Require().NoError(err)

	s.Equal([]string{
		string(PhaseProvisioning),
		string(PhaseRunning),
		string(PhaseReachable),
		string(PhaseConnected),
		string(PhaseContextStaged),
		string(PhaseExecuting),
		string(PhaseSnapshotting),
		string(PhaseTerminating),
		string(PhaseDone),
	}, s.notifier.phases)
}

func (s *BuilderSuite) TestBuild_StoresManifest() {
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\nRUN make\n")
	s.Require().NoError(err)

	s.Require().Len(s.store.results, 1)
	manifest := s.store.results[0]
	s.Equal("build-1", manifest.BuildID)
	s.Equal(2, manifest.Steps)
	s.Equal("ami-456", manifest.Image.ID)
}

func (s *BuilderSuite) TestBuild_ManifestErrorIsNotFatal() {
	s.store.err = stderrors.New("access denied")
	b := s.newBuilder()

	_, err := s.build(b, "RUN true\n")
	s.NoError(err)
}

func (s *BuilderSuite) TestBuild_RecordsHistoryOnEveryPath() {
	history := &recordingHistory{}
	_, err := s.build(s.newBuilder(WithHistory(history)), "RUN true\n")
	s.Require().NoError(err)

	s.session.failOn = "false"
	s.session.failStatus = 2
	_, err = s.build(s.newBuilder(WithHistory(history), WithBuildID("build-2")), "RUN false\n")
	s.Require().Error(err)

	s.Require().Len(history.results, 2)
	s.Empty(history.results[0].Error)
	s.Equal("ami-456", history.results[0].Image.ID)
	s.Equal("build-2", history.results[1].BuildID)
	s.NotEmpty(history.results[1].Error)
	s.Nil(history.results[1].Image)
}

func (s *BuilderSuite) TestBuild_HistoryErrorIsNotFatal() {
	_, err := s.build(s.newBuilder(WithHistory(&recordingHistory{err: stderrors.New("db down")})), "RUN true\n")
	s.NoError(err)
}

func (s *BuilderSuite) TestExecute_RequiresConnection() {
	b := s.newBuilder()

	err := b.Execute(context.Background(), strings.NewReader("RUN true\n"))
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrorTypeInternal))
}

func (s *BuilderSuite) TestBuild_RecordsSpans() {
	recorder := tracetest.NewSpanRecorder()
	b := s.newBuilder(WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))))

	_, err := s.build(b, "RUN true\n")
	s.Require().NoError(err)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	s.Equal([]string{"start", "stage_context", "execute", "snapshot", "terminate", "build"}, names)
}

func (s *BuilderSuite) TestBuild_FailedSpanStatus() {
	s.session.failOn = "false"
	s.session.failStatus = 1
	recorder := tracetest.NewSpanRecorder()
	b := s.newBuilder(WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))))

	_, err := s.build(b, "RUN false\n")
	s.Require().Error(err)

	status := map[string]codes.Code{}
	for _, span := range recorder.Ended() {
		status[span.Name()] = span.Status().Code
	}
	s.Equal(codes.Error, status["execute"])
	s.Equal(codes.Error, status["build"])
	s.Equal(codes.Unset, status["terminate"])
	s.NotContains(status, "snapshot")
}

// cancelOn cancels the build context when phase is entered
type cancelOn struct {
	phase  Phase
	cancel context.CancelFunc
}

func (c cancelOn) Notify(_ context.Context, event types.Event) error {
	if event.Phase == string(c.phase) {
		c.cancel()
	}
	return nil
}
