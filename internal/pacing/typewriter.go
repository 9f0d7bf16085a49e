package pacing

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/vulnchat/internal/models"
	"golang.org/x/time/rate"
)

// Observer receives message snapshots.
type Observer interface {
	OnMessage(msg models.Message)
}

// Config configures a Typewriter. Zero intervals select the defaults.
type Config struct {
	BaseInterval time.Duration
	MinInterval  time.Duration
	// Placeholders are contents shown at once instead of being typed.
	Placeholders []string
}

// Typewriter is an Observer that forwards assistant messages to the next observer with their text
// revealed progressively. Every other message is forwarded untouched. A message is reported final
// only once its whole text has been revealed, except when a newer assistant message supersedes it:
// the rest of its text is then shown at once.
type Typewriter struct {
	next         Observer
	base         time.Duration
	min          time.Duration
	placeholders map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	typers map[string]*typer
	closed bool

	logger *slog.Logger
}

type typer struct {
	mu         sync.Mutex
	target     models.Message
	version    int
	superseded bool
	dropped    bool

	// ctx ends the typer. hurry is also cancelled when the typer is superseded, to cut a pacing
	// wait short.
	ctx         context.Context
	cancel      context.CancelFunc
	hurry       context.Context
	hurryCancel context.CancelFunc

	wake    chan struct{}
	done    chan struct{}
	limiter *rate.Limiter
}

// NewTypewriter creates a Typewriter forwarding to next. Call Close to release it.
func NewTypewriter(next Observer, cfg Config, logger *slog.Logger) *Typewriter {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultBaseInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	placeholders := make(map[string]struct{}, len(cfg.Placeholders))
	for _, p := range cfg.Placeholders {
		placeholders[p] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Typewriter{
		next:         next,
		base:         cfg.BaseInterval,
		min:          cfg.MinInterval,
		placeholders: placeholders,
		ctx:          ctx,
		cancel:       cancel,
		typers:       make(map[string]*typer),
		logger:       logger.With(slog.String("module", "typewriter")),
	}
}

// OnMessage records msg as the latest state of its message. It never blocks on the pacing.
func (t *Typewriter) OnMessage(msg models.Message) {
	if msg.Role != models.RoleAssistant {
		t.next.OnMessage(msg)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.next.OnMessage(msg)
		return
	}
	tp, ok := t.typers[msg.ID]
	if !ok {
		for _, older := range t.typers {
			older.supersede()
		}
		tp = t.newTyper(msg)
		t.typers[msg.ID] = tp
		t.wg.Add(1)
		go t.run(msg.ID, tp)
	}
	t.mu.Unlock()

	tp.mu.Lock()
	tp.target = msg
	tp.version++
	tp.mu.Unlock()
	tp.limiter.SetLimit(rate.Every(t.interval(msg.Content)))
	tp.poke()
}

// Reset drops every pending reveal without forwarding anything more, as when the conversation is
// cleared. It returns once the dropped typers have stopped.
func (t *Typewriter) Reset() {
	t.mu.Lock()
	typers := t.typers
	t.typers = make(map[string]*typer)
	t.mu.Unlock()

	for _, tp := range typers {
		tp.mu.Lock()
		tp.dropped = true
		tp.mu.Unlock()
		tp.cancel()
	}
	for _, tp := range typers {
		<-tp.done
	}
	if len(typers) > 0 {
		t.logger.Debug("Dropped pending messages", slog.Int("count", len(typers)))
	}
}

// Close stops every pending reveal, forwarding the latest state of each message as is, and waits
// for the pacing goroutines to exit.
func (t *Typewriter) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}

// Drain waits until every message received so far has been fully revealed, or until ctx is done.
// It must not be called while messages are still arriving.
func (t *Typewriter) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Typewriter) newTyper(msg models.Message) *typer {
	ctx, cancel := context.WithCancel(t.ctx)
	hurry, hurryCancel := context.WithCancel(ctx)
	return &typer{
		ctx:         ctx,
		cancel:      cancel,
		hurry:       hurry,
		hurryCancel: hurryCancel,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Every(t.interval(msg.Content)), 1),
	}
}

func (t *Typewriter) run(id string, tp *typer) {
	defer t.wg.Done()
	defer close(tp.done)
	defer tp.cancel()

	displayed := ""
	emitted := 0

	for {
		select {
		case <-tp.ctx.Done():
			t.stop(tp, displayed, emitted)
			return
		case <-tp.wake:
		}

		for {
			target, version := tp.snapshot()

			shown := displayed
			switch {
			case t.instant(target) || tp.isSuperseded():
				shown = target.Content
			case displayed != target.Content:
				if err := tp.limiter.Wait(tp.hurry); err != nil {
					if tp.ctx.Err() != nil {
						t.stop(tp, displayed, emitted)
						return
					}
					// Superseded: the next pass shows the rest at once.
					continue
				}
				target, version = tp.snapshot()
				shown = Next(displayed, target.Content)
			}

			if shown != displayed || version != emitted {
				out := target
				out.Content = shown
				if shown != target.Content {
					out.Status = models.StatusStreaming
				}
				t.next.OnMessage(out)
				displayed = shown
				emitted = version
			}

			if displayed != target.Content {
				continue
			}
			if !target.Ongoing() && t.finish(id, tp, version) {
				return
			}
			break
		}
	}
}

// finish unregisters a typer whose final state has been fully shown, unless an update slipped in.
func (t *Typewriter) finish(id string, tp *typer, version int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.version != version {
		return false
	}
	if t.typers[id] == tp {
		delete(t.typers, id)
	}
	return true
}

// stop ends a typer whose context is done. A typer dropped by Reset forwards nothing more.
func (t *Typewriter) stop(tp *typer, displayed string, emitted int) {
	tp.mu.Lock()
	dropped := tp.dropped
	tp.mu.Unlock()
	if dropped {
		return
	}
	t.flush(tp, displayed, emitted)
}

func (t *Typewriter) flush(tp *typer, displayed string, emitted int) {
	target, version := tp.snapshot()
	if version == emitted && displayed == target.Content {
		return
	}
	t.logger.Debug("Flushing message", slog.String("messageID", target.ID))
	t.next.OnMessage(target)
}

func (t *Typewriter) instant(msg models.Message) bool {
	if msg.Status == models.StatusLoading || msg.Content == "" {
		return true
	}
	_, ok := t.placeholders[msg.Content]
	return ok
}

func (t *Typewriter) interval(content string) time.Duration {
	return interval(utf8.RuneCountInString(content), t.base, t.min)
}

func (tp *typer) supersede() {
	tp.mu.Lock()
	tp.superseded = true
	tp.mu.Unlock()
	tp.hurryCancel()
	tp.poke()
}

func (tp *typer) isSuperseded() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.superseded
}

func (tp *typer) poke() {
	select {
	case tp.wake <- struct{}{}:
	default:
	}
}

func (tp *typer) snapshot() (models.Message, int) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.target, tp.version
}
