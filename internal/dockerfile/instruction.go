// Package dockerfile parses the restricted Dockerfile dialect understood by
// amibuild and tracks the build state (step counter, skip flag and the
// environment prefix) while instructions are replayed.
package dockerfile

import (
	"context"
	"fmt"
)

// Kind identifies an instruction variant.
type Kind string

const (
	KindEnv     Kind = "ENV"
	KindRun     Kind = "RUN"
	KindCopy    Kind = "COPY"
	KindAdd     Kind = "ADD"
	KindWorkdir Kind = "WORKDIR"
	KindSkip    Kind = "SKIP"
	KindNop     Kind = "NOP"
	KindUnknown Kind = "UNKNOWN"
)

// Instruction is one classified logical line of a build script.
//
// Apply dispatches the instruction to the matching Handler method.
type Instruction interface {
	Kind() Kind
	Apply(ctx context.Context, h Handler) error
	String() string
}

// Env assigns Value to Key for every following step.
type Env struct {
	Key   string
	Value string
}

// Run executes Command verbatim on the build host.
type Run struct {
	Command string
}

// Copy copies Src from the build context to Dst.
type Copy struct {
	Src string
	Dst string
}

// Add is Copy that also fetches URLs and unpacks archives.
type Add struct {
	Src string
	Dst string
}

// Workdir changes the working directory of every following step.
type Workdir struct {
	Path string
}

// Skip suppresses the next instruction.
type Skip struct{}

// Nop is a comment or a blank line.
type Nop struct{}

// Unknown is a line that is not understood. Line is the joined logical line.
type Unknown struct {
	Line string
}

func (Env) Kind() Kind { return KindEnv }
func (Run) Kind() Kind { return KindRun }
func (Copy) Kind() Kind { return KindCopy }
func (Add) Kind() Kind { return KindAdd }
func (Workdir) Kind() Kind { return KindWorkdir }
func (Skip) Kind() Kind { return KindSkip }
func (Nop) Kind() Kind { return KindNop }
func (Unknown) Kind() Kind { return KindUnknown }

func (i Env) Apply(ctx context.Context, h Handler) error { return h.Env(ctx, i.Key, i.Value) }
func (i Run) Apply(ctx context.Context, h Handler) error { return h.Run(ctx, i.Command) }
func (i Copy) Apply(ctx context.Context, h Handler) error { return h.Copy(ctx, i.Src, i.Dst) }
func (i Add) Apply(ctx context.Context, h Handler) error { return h.Add(ctx, i.Src, i.Dst) }
func (i Workdir) Apply(ctx context.Context, h Handler) error { return h.Workdir(ctx, i.Path) }
func (Skip) Apply(ctx context.Context, h Handler) error { return h.Skip(ctx) }
func (Nop) Apply(ctx context.Context, h Handler) error { return h.Nop(ctx) }
func (i Unknown) Apply(ctx context.Context, h Handler) error { return h.Unknown(ctx, i.Line) }

func (i Env) String() string { return fmt.Sprintf("ENV %s %s", i.Key, i.Value) }
func (i Run) String() string { return fmt.Sprintf("RUN %s", i.Command) }
func (i Copy) String() string { return fmt.Sprintf("COPY %s %s", i.Src, i.Dst) }
func (i Add) String() string { return fmt.Sprintf("ADD %s %s", i.Src, i.Dst) }
func (i Workdir) String() string { return fmt.Sprintf("WORKDIR %s", i.Path) }
func (Skip) String() string { return "# AWS-SKIP" }
func (Nop) String() string { return "" }
func (i Unknown) String() string { return i.Line }
