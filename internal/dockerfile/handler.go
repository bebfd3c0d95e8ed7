package dockerfile

import "context"

// Handler receives parsed instructions, one method per instruction kind.
//
// Handlers compose by wrapping: StateHandler tracks build state and forwards
// to an inner Handler which does the actual work. Returning an error stops
// the walk.
type Handler interface {
	Skip(ctx context.Context) error
	Nop(ctx context.Context) error
	Env(ctx context.Context, key, value string) error
	Run(ctx context.Context, command string) error
	Copy(ctx context.Context, src, dst string) error
	Add(ctx context.Context, src, dst string) error
	Workdir(ctx context.Context, path string) error
	Unknown(ctx context.Context, line string) error
}

// NopHandler implements Handler by ignoring everything. Embed it to
// implement only the methods you care about.
type NopHandler struct{}

func (NopHandler) Skip(context.Context) error { return nil }
func (NopHandler) Nop(context.Context) error { return nil }
func (NopHandler) Env(context.Context, string, string) error { return nil }
func (NopHandler) Run(context.Context, string) error { return nil }
func (NopHandler) Copy(context.Context, string, string) error { return nil }
func (NopHandler) Add(context.Context, string, string) error { return nil }
func (NopHandler) Workdir(context.Context, string) error { return nil }
func (NopHandler) Unknown(context.Context, string) error { return nil }

// Recorder is a Handler that keeps every instruction it receives, in order.
type Recorder struct {
	Instructions []Instruction
}

func (r *Recorder) record(i Instruction) error {
	r.Instructions = append(r.Instructions, i)
	return nil
}

func (r *Recorder) Skip(context.Context) error { return r.record(Skip{}) }
func (r *Recorder) Nop(context.Context) error { return r.record(Nop{}) }

func (r *Recorder) Env(_ context.Context, key, value string) error {
	return r.record(Env{Key: key, Value: value})
}

func (r *Recorder) Run(_ context.Context, command string) error {
	return r.record(Run{Command: command})
}

func (r *Recorder) Copy(_ context.Context, src, dst string) error {
	return r.record(Copy{Src: src, Dst: dst})
}

func (r *Recorder) Add(_ context.Context, src, dst string) error {
	return r.record(Add{Src: src, Dst: dst})
}

func (r *Recorder) Workdir(_ context.Context, path string) error {
	return r.record(Workdir{Path: path})
}

func (r *Recorder) Unknown(_ context.Context, line string) error {
	return r.record(Unknown{Line: line})
}

// Kinds returns the kinds of the recorded instructions.
func (r *Recorder) Kinds() []Kind {
	kinds := make([]Kind, len(r.Instructions))
	for i, ins := range r.Instructions {
		kinds[i] = ins.Kind()
	}
	return kinds
}
