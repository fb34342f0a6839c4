package backend

import (
	"context"
	"time"

	"github.com/worldbox/worldbox/internal/world"
)

// Local runs worlds directly on the host through the namespace engine.
type Local struct {
	manager *world.Manager
	cancel  context.CancelFunc
}

// NewLocal starts the local backend and its garbage collector.
func NewLocal() *Local {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{manager: world.NewManager(), cancel: cancel}
	go l.manager.GC(ctx, 5*time.Minute)
	return l
}

func (l *Local) Name() string { return "local" }

func (l *Local) EnsureStarted(spec world.Spec) (world.Session, error) {
	return l.manager.EnsureStarted(spec)
}

func (l *Local) Get(id string) (world.Session, bool) {
	return l.manager.Get(id)
}

func (l *Local) Close() error {
	l.cancel()
	return l.manager.Close()
}
