package dockerfile

import (
	"context"
	"fmt"
	"log/slog"
)

// State is the mutable record shared by the handlers of one build.
//
// StateHandler is its only writer. Env only ever grows.
type State struct {
	Step int    // number of forwarded ENV/RUN/COPY/ADD/WORKDIR instructions
	Skip bool   // suppress the next instruction
	Env  string // "KEY=VALUE;" and "cd PATH;" fragments, in order
}

// StateHandler updates a State for every instruction and forwards the ones
// that are not skipped to the inner handler.
type StateHandler struct {
	inner  Handler
	state  *State
	logger *slog.Logger
}

var _ Handler = (*StateHandler)(nil)

// NewStateHandler wraps inner. state must outlive the handler and is read by
// inner through its own reference.
func NewStateHandler(inner Handler, state *State, logger *slog.Logger) *StateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateHandler{
		inner:  inner,
		state:  state,
		logger: logger,
	}
}

func (h *StateHandler) Skip(ctx context.Context) error {
	h.state.Skip = true
	return h.inner.Skip(ctx)
}

func (h *StateHandler) Nop(ctx context.Context) error {
	return h.inner.Nop(ctx)
}

func (h *StateHandler) Env(ctx context.Context, key, value string) error {
	if h.skipped(Env{Key: key, Value: value}) {
		return nil
	}
	h.state.Env += fmt.Sprintf("%s=%s;", key, value)
	return h.inner.Env(ctx, key, value)
}

func (h *StateHandler) Run(ctx context.Context, command string) error {
	if h.skipped(Run{Command: command}) {
		return nil
	}
	return h.inner.Run(ctx, command)
}

func (h *StateHandler) Copy(ctx context.Context, src, dst string) error {
	if h.skipped(Copy{Src: src, Dst: dst}) {
		return nil
	}
	return h.inner.Copy(ctx, src, dst)
}

func (h *StateHandler) Add(ctx context.Context, src, dst string) error {
	if h.skipped(Add{Src: src, Dst: dst}) {
		return nil
	}
	return h.inner.Add(ctx, src, dst)
}

func (h *StateHandler) Workdir(ctx context.Context, path string) error {
	if h.skipped(Workdir{Path: path}) {
		return nil
	}
	h.state.Env += fmt.Sprintf("cd %s;", path)
	return h.inner.Workdir(ctx, path)
}

func (h *StateHandler) Unknown(ctx context.Context, line string) error {
	return h.inner.Unknown(ctx, line)
}

// skipped consumes a pending skip and reports whether ins must be dropped.
// Otherwise it counts ins as the next step.
func (h *StateHandler) skipped(ins Instruction) bool {
	if h.state.Skip {
		h.state.Skip = false
		h.logger.Info("skipping instruction", "instruction", ins.String())
		return true
	}
	h.state.Step++
	h.logger.Info(fmt.Sprintf("step %d: %s", h.state.Step, ins), "step", h.state.Step, "kind", ins.Kind())
	return false
}
