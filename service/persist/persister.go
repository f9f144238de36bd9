package persist

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/duke-git/lancet/v2/eventbus"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
)

const (
	DirPerm  os.FileMode = 0755
	FilePerm os.FileMode = 0644
)

var ErrClosed = errors.New("persister is closed")

// Logger receives failures from background writes. *slog.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
}

// Request is a single save request. It lives until its write attempt finishes.
type Request struct {
	ID   string
	Path string
	Data string
}

// Ack is returned as soon as a request is scheduled. It says nothing about
// whether the write will succeed.
type Ack struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type Option func(*Persister)

func WithFs(fs afero.Fs) Option {
	return func(p *Persister) {
		p.fs = fs
	}
}

func WithLogger(logger Logger) Option {
	return func(p *Persister) {
		p.logger = logger
	}
}

// Persister writes payloads to paths in detached goroutines. Writes to the
// same path are not ordered; the last one to finish wins.
type Persister struct {
	fs     afero.Fs
	logger Logger
	events *eventbus.EventBus[Event]
	wg     conc.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(opts ...Option) *Persister {
	p := &Persister{
		fs:     afero.NewOsFs(),
		logger: slog.Default(),
		events: eventbus.NewEventBus[Event](),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SaveState schedules data to be written to path and returns immediately.
// The only error is ErrClosed; filesystem failures go to the logger.
func (p *Persister) SaveState(path, data string) (Ack, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return Ack{}, ErrClosed
	}
	req := Request{
		ID:   uuid.NewString(),
		Path: path,
		Data: data,
	}
	p.publish(EventScheduled, req, nil)
	p.wg.Go(func() {
		p.persist(req)
	})
	return Ack{ID: req.ID, Status: "accepted"}, nil
}

func (p *Persister) persist(req Request) {
	err := p.write(req)
	p.publish(EventCompleted, req, err)
}

func (p *Persister) write(req Request) error {
	if dir := filepath.Dir(req.Path); dir != "." && dir != "" {
		if err := p.fs.MkdirAll(dir, DirPerm); err != nil {
			p.logger.Error("failed to create state directory", "id", req.ID, "dir", dir, "err", err)
			return err
		}
	}
	if err := afero.WriteFile(p.fs, req.Path, []byte(req.Data), FilePerm); err != nil {
		p.logger.Error("failed to write state file", "id", req.ID, "path", req.Path, "err", err)
		return err
	}
	return nil
}

// Wait blocks until every write scheduled so far has finished.
func (p *Persister) Wait() {
	p.wg.Wait()
}

// Close rejects further requests and waits for in-flight writes.
func (p *Persister) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
