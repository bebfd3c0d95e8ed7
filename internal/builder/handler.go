package builder

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"

	"github.com/zeitwork/amibuild/internal/dockerfile"
)

// Handler turns forwarded instructions into commands on the build host.
// It reads the environment prefix from the shared build state.
type Handler struct {
	exec   Executor
	state  *dockerfile.State
	logger *slog.Logger
}

var _ dockerfile.Handler = (*Handler)(nil)

// NewHandler creates a build handler dispatching to exec
func NewHandler(exec Executor, state *dockerfile.State, logger *slog.Logger) *Handler {
	return &Handler{
		exec:   exec,
		state:  state,
		logger: logger,
	}
}

func (h *Handler) Skip(context.Context) error { return nil }

func (h *Handler) Nop(context.Context) error { return nil }

// Env is folded into the state's environment prefix by the state handler.
func (h *Handler) Env(_ context.Context, key, value string) error {
	h.logger.Debug("environment updated", "key", key, "value", value)
	return nil
}

func (h *Handler) Run(ctx context.Context, command string) error {
	return h.exec.Exec(ctx, h.state.Env, command)
}

func (h *Handler) Copy(ctx context.Context, src, dst string) error {
	return h.exec.Exec(ctx, h.state.Env, CopyCommand(src, dst))
}

// Add fetches URLs, unpacks tarballs and copies everything else. A URL is
// always fetched, whatever its extension.
func (h *Handler) Add(ctx context.Context, src, dst string) error {
	var command string
	switch {
	case dockerfile.IsURL(src):
		command = FetchCommand(src, dst)
	case dockerfile.IsArchive(src):
		command = ExtractArchiveCommand(src, dst)
	default:
		command = CopyCommand(src, dst)
	}
	return h.exec.Exec(ctx, h.state.Env, command)
}

// Workdir is folded into the state's environment prefix by the state handler.
func (h *Handler) Workdir(_ context.Context, path string) error {
	h.logger.Debug("working directory changed", "path", path)
	return nil
}

func (h *Handler) Unknown(_ context.Context, line string) error {
	h.logger.Warn("unsupported instruction, ignoring", "line", line)
	return nil
}

// CopyCommand copies src from the staged context to dst.
func CopyCommand(src, dst string) string {
	return fmt.Sprintf("cp -rf %s %s", StagePath(src), dst)
}

// ExtractArchiveCommand unpacks the staged tarball src into dst.
func ExtractArchiveCommand(src, dst string) string {
	return fmt.Sprintf("tar -xpvf %s -C %s", StagePath(src), dst)
}

// FetchCommand downloads src to dst. A dst of "." saves the file under the
// last element of the URL path.
func FetchCommand(src, dst string) string {
	if dst == "." {
		dst = urlBase(dockerfile.Unquote(src))
	}
	return fmt.Sprintf("curl %s -o %s", src, dst)
}

func urlBase(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}
