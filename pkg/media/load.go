package media

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/logging"
)

// State is where one resolution is in its load.
type State int

const (
	StateQueued State = iota + 1
	StateWaiting
	StateLoading
	StateLoaded
	StateRevoked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateWaiting:
		return "waiting"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateRevoked:
		return "revoked"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is delivered to the LoadImage callback. Before any resolution
// has loaded it carries only the placeholder; afterwards Resolution, MimeType
// and Data describe the highest resolution loaded so far.
type Progress struct {
	OriginalSize [2]int
	Placeholder  string
	Resolution   string
	MimeType     string
	Data         []byte
}

type loadOptions struct {
	onRevoke func(resolution string)
}

// LoadOption configures LoadImage.
type LoadOption func(*loadOptions)

// WithRevoke registers fn to run once for every loaded resolution when
// the load is stopped.
func WithRevoke(fn func(resolution string)) LoadOption {
	return func(o *loadOptions) { o.onRevoke = fn }
}

type loader struct {
	node     *covalue.Node
	id       covalue.CoID
	maxWidth int
	cb       func(Progress)
	onRevoke func(string)
	log      *logging.Logger
	cancel   context.CancelFunc

	// cbMu is held for the whole of a callback so stop can wait it out.
	cbMu       sync.Mutex
	inCallback atomic.Bool

	mu      sync.Mutex
	stopped bool
	states  map[string]State
	data    map[string][]byte
}

// LoadImage loads the image definition id and then its resolutions in
// ascending width, skipping any wider than maxWidth when maxWidth is
// positive. cb first receives the placeholder and then each resolution
// as it finishes loading. The returned stop is idempotent; once it
// returns no further callback starts and every loaded resolution is
// revoked exactly once.
func LoadImage(ctx context.Context, node *covalue.Node, id covalue.CoID, maxWidth int, cb func(Progress), opts ...LoadOption) (stop func()) {
	return startLoader(ctx, node, id, maxWidth, cb, opts...).stop
}

func startLoader(ctx context.Context, node *covalue.Node, id covalue.CoID, maxWidth int, cb func(Progress), opts ...LoadOption) *loader {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &loader{
		node:     node,
		id:       id,
		maxWidth: maxWidth,
		cb:       cb,
		onRevoke: o.onRevoke,
		log:      node.Logger().WithComponent("media").WithCoValue(string(id)),
		cancel:   cancel,
		states:   make(map[string]State),
		data:     make(map[string][]byte),
	}
	go l.run(ctx)
	return l
}

func (l *loader) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	var revoked []string
	for res, st := range l.states {
		if st == StateLoaded {
			l.states[res] = StateRevoked
			delete(l.data, res)
			revoked = append(revoked, res)
		}
	}
	l.mu.Unlock()

	l.cancel()
	// Called from inside the callback there is nothing to wait for.
	if !l.inCallback.Load() {
		l.cbMu.Lock()
		l.cbMu.Unlock() //nolint:staticcheck // waits for an in-flight callback
	}
	if l.onRevoke != nil {
		slices.Sort(revoked)
		for _, res := range revoked {
			l.onRevoke(res)
		}
	}
}

func (l *loader) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *loader) emit(p Progress) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	if l.isStopped() {
		return
	}
	l.inCallback.Store(true)
	defer l.inCallback.Store(false)
	l.cb(p)
}

func (l *loader) setState(res string, st State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.states[res] = st
	return true
}

// States returns a copy of every known resolution's state.
func (l *loader) States() map[string]State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]State, len(l.states))
	for k, v := range l.states {
		out[k] = v
	}
	return out
}

func (l *loader) run(ctx context.Context) {
	def, err := l.node.Load(ctx, l.id)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			l.log.Warn("image unavailable", slog.Any("error", err))
		}
		l.stop()
		return
	}

	updates, unsubscribe := notifications(def)
	defer unsubscribe()

	for {
		l.iterate(ctx, def)
		select {
		case <-ctx.Done():
			return
		case <-updates:
		}
	}
}

// iterate queues resolutions seen for the first time and loads them in
// order. It stops at the first resolution that fails.
func (l *loader) iterate(ctx context.Context, def *covalue.Core) {
	content := def.Content()
	base := Progress{}
	base.Placeholder, _ = content.GetString(KeyPlaceholder)
	if w, h, ok := OriginalSize(def); ok {
		base.OriginalSize = [2]int{w, h}
	}

	resolutions := Resolutions(content, l.maxWidth)

	l.mu.Lock()
	anyLoaded := false
	for _, st := range l.states {
		if st == StateLoaded {
			anyLoaded = true
		}
	}
	var pending []string
	for _, res := range resolutions {
		if _, seen := l.states[res]; !seen {
			l.states[res] = StateQueued
			pending = append(pending, res)
		}
	}
	l.mu.Unlock()

	if !anyLoaded {
		l.emit(base)
	}

	for _, res := range pending {
		if !l.setState(res, StateWaiting) {
			return
		}
		binID, _ := content.GetString(res)
		mimeType, data, err := l.loadResolution(ctx, res, covalue.CoID(binID))
		if err != nil {
			if errors.Is(err, context.Canceled) || l.isStopped() {
				return
			}
			l.setState(res, StateFailed)
			l.log.Warn("image resolution failed", slog.String("resolution", res), slog.Any("error", err))
			return
		}

		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return
		}
		l.states[res] = StateLoaded
		l.data[res] = data
		l.mu.Unlock()

		p := base
		p.Resolution = res
		p.MimeType = mimeType
		p.Data = data
		l.emit(p)
	}
}

// Resolutions lists an image definition's resolution keys, narrowest
// first, leaving out any wider than maxWidth when maxWidth is positive.
func Resolutions(content *covalue.MapContent, maxWidth int) []string {
	type res struct {
		key   string
		width int
	}
	var found []res
	for _, k := range content.Keys() {
		w, _, ok := ParseResolution(k)
		if !ok || (maxWidth > 0 && w > maxWidth) {
			continue
		}
		found = append(found, res{k, w})
	}
	slices.SortStableFunc(found, func(a, b res) int { return a.width - b.width })

	keys := make([]string, len(found))
	for i, r := range found {
		keys[i] = r.key
	}
	return keys
}

// loadResolution waits until the binary behind res is complete.
func (l *loader) loadResolution(ctx context.Context, res string, id covalue.CoID) (string, []byte, error) {
	if !covalue.IsCoID(string(id)) {
		return "", nil, arcerrors.ErrInvalidInput
	}
	bin, err := l.node.Load(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if !l.setState(res, StateLoading) {
		return "", nil, context.Canceled
	}

	updates, unsubscribe := notifications(bin)
	defer unsubscribe()
	for {
		mimeType, data, err := ReadBinary(bin)
		if err == nil {
			return mimeType, data, nil
		}
		if !errors.Is(err, arcerrors.ErrUnavailable) {
			return "", nil, err
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-updates:
		}
	}
}

// notifications forwards c's updates to a channel that coalesces bursts.
func notifications(c *covalue.Core) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	unsubscribe := c.Subscribe(func(*covalue.Core) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch, unsubscribe
}
