package worker

import (
	"context"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"
)

// Base is the standard ControlServer every worker process (app, OpenPGP,
// recovery, SMTP bridge) embeds to answer its supervisor's lifecycle
// commands (spec.md §2's "localhost-only IPC"). Workers wire their
// process-specific behavior in via the DropCaches and Status callbacks
// rather than subclassing — there is no per-worker Dispatch override.
type Base struct {
	name       string
	dropCaches func()
	status     func() map[string]any

	once     sync.Once
	shutdown chan struct{}
}

// NewBase builds a Base for a worker named name. dropCaches and status may
// be nil; a nil dropCaches makes "drop_caches" a no-op, a nil status
// reports only {"name": name}.
func NewBase(name string, dropCaches func(), status func() map[string]any) *Base {
	return &Base{name: name, dropCaches: dropCaches, status: status, shutdown: make(chan struct{})}
}

// ShutdownRequested is closed the first time a "shutdown" op is dispatched;
// main()s select on it alongside OS signals.
func (b *Base) ShutdownRequested() <-chan struct{} {
	return b.shutdown
}

// Dispatch implements worker.ControlServer.
func (b *Base) Dispatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	op := ""
	if f := req.Fields["op"]; f != nil {
		op = f.GetStringValue()
	}

	switch op {
	case "ping":
		return structpb.NewStruct(map[string]any{"ok": true})
	case "status":
		fields := map[string]any{"name": b.name}
		if b.status != nil {
			for k, v := range b.status() {
				fields[k] = v
			}
		}
		return structpb.NewStruct(fields)
	case "drop_caches":
		if b.dropCaches != nil {
			b.dropCaches()
		}
		return structpb.NewStruct(map[string]any{"ok": true})
	case "shutdown":
		b.once.Do(func() { close(b.shutdown) })
		return structpb.NewStruct(map[string]any{"ok": true})
	default:
		return structpb.NewStruct(map[string]any{"ok": false, "error": "unknown op"})
	}
}
