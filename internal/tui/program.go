package tui

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lvcoi/reelgrab/internal/capture"
	"github.com/lvcoi/reelgrab/internal/manager"
)

// Options configures a Program.
type Options struct {
	// Output defaults to stderr.
	Output io.Writer
	// Input defaults to stdin; tests pass an empty reader.
	Input io.Reader
	// AltScreen takes over the whole terminal.
	AltScreen bool
	Actions   Actions
	// OnQuit runs when the user presses q or ctrl+c.
	OnQuit func()
}

// Program runs the terminal UI in the background and feeds it manager and
// capture events.
type Program struct {
	mu      sync.Mutex
	program *tea.Program
	done    chan struct{}
	opts    Options
	unsub   []func()
}

// New returns a Program. Start must be called before events are shown.
func New(opts Options) *Program {
	return &Program{opts: opts}
}

// Start begins rendering. It returns immediately.
func (p *Program) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.program != nil {
		return
	}
	out := p.opts.Output
	if out == nil {
		out = os.Stderr
	}
	teaOpts := []tea.ProgramOption{
		tea.WithOutput(out),
		tea.WithContext(ctx),
		tea.WithoutSignalHandler(),
	}
	if p.opts.Input != nil {
		teaOpts = append(teaOpts, tea.WithInput(p.opts.Input))
	}
	if p.opts.AltScreen {
		teaOpts = append(teaOpts, tea.WithAltScreen())
	}
	p.program = tea.NewProgram(newModel(p.opts.Actions, p.opts.OnQuit), teaOpts...)
	p.done = make(chan struct{})
	program, done := p.program, p.done
	go func() {
		defer close(done)
		_, _ = program.Run()
	}()
}

// Watch forwards the manager's events to the UI until Stop.
func (p *Program) Watch(m *manager.Manager) {
	p.send(listMsg{items: m.List()})
	unsub := m.Subscribe(func(ev manager.Event) {
		switch ev.Type {
		case manager.EventDownloadProgress:
			if ev.Item != nil {
				p.send(itemMsg{item: *ev.Item})
			}
		case manager.EventDownloadsUpdated:
			p.send(listMsg{items: ev.Items})
		}
	})
	p.mu.Lock()
	p.unsub = append(p.unsub, unsub)
	p.mu.Unlock()
}

// WatchCapture forwards the captured stream list to the UI until Stop.
func (p *Program) WatchCapture(i *capture.Interceptor) {
	unsub := i.Subscribe(func(ev capture.Event) {
		if ev.Type == capture.EventStreamsListed {
			p.send(streamsMsg{streams: ev.Streams})
		}
	})
	p.mu.Lock()
	p.unsub = append(p.unsub, unsub)
	p.mu.Unlock()
}

// Log shows a one-line message above the list.
func (p *Program) Log(level, msg string) {
	if msg != "" {
		p.send(logMsg{level: level, text: msg})
	}
}

// Stop ends rendering and waits briefly for the terminal to be restored.
func (p *Program) Stop() {
	p.mu.Lock()
	program, done, unsub := p.program, p.done, p.unsub
	p.unsub = nil
	p.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	if program != nil {
		program.Send(stopMsg{})
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *Program) send(msg tea.Msg) {
	p.mu.Lock()
	program := p.program
	p.mu.Unlock()
	if program != nil {
		program.Send(msg)
	}
}
