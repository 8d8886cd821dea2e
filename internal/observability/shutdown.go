package observability

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gezibash/arc-sync/pkg/logging"
)

// Phase orders shutdown handlers. Phases run in ascending order.
type Phase int

const (
	// PhaseIngress stops accepting peers and scrapes.
	PhaseIngress Phase = iota
	// PhaseSync closes sync managers and drains peer queues.
	PhaseSync
	// PhaseStorage closes stores once nothing writes to them.
	PhaseStorage
	// PhaseTelemetry flushes traces.
	PhaseTelemetry
)

func (p Phase) String() string {
	switch p {
	case PhaseIngress:
		return "ingress"
	case PhaseSync:
		return "sync"
	case PhaseStorage:
		return "storage"
	case PhaseTelemetry:
		return "telemetry"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ShutdownCoordinator runs shutdown handlers phase by phase. Within a
// phase, handlers run in reverse registration order.
type ShutdownCoordinator struct {
	// Logger reports progress. Nil discards.
	Logger *logging.Logger

	mu       sync.Mutex
	handlers []namedHandler
	done     bool
}

type namedHandler struct {
	phase Phase
	name  string
	fn    func(context.Context) error
}

// Register adds a handler to phase.
func (s *ShutdownCoordinator) Register(phase Phase, name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, namedHandler{phase: phase, name: name, fn: fn})
}

// Shutdown runs every handler once. Later calls return nil. A failing
// handler does not stop the rest; all failures are joined.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	handlers := s.ordered()
	s.mu.Unlock()

	log := s.Logger
	if log == nil {
		log = logging.Discard()
	}
	var errs []error
	for _, h := range handlers {
		start := time.Now()
		err := h.fn(ctx)
		hlog := log.WithComponent(h.name)
		if err != nil {
			hlog.Error("shutdown failed", "phase", h.phase.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		hlog.Info("shut down", "phase", h.phase.String(), "took", time.Since(start))
	}
	return errors.Join(errs...)
}

// ordered returns the handlers in run order. Callers hold mu.
func (s *ShutdownCoordinator) ordered() []namedHandler {
	out := make([]namedHandler, 0, len(s.handlers))
	for i := len(s.handlers) - 1; i >= 0; i-- {
		out = append(out, s.handlers[i])
	}
	// Stable keeps reverse registration order inside a phase.
	slices.SortStableFunc(out, func(a, b namedHandler) int { return cmp.Compare(a.phase, b.phase) })
	return out
}
