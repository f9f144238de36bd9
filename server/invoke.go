package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"statesaver/service/persist"

	"github.com/bytedance/sonic"
	"github.com/duke-git/lancet/v2/maputil"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidArgs    = errors.New("invalid arguments")
)

// codec copies strings out of the input buffer. Decoded payloads outlive the
// request that carried them.
var codec = sonic.ConfigStd

// CommandFunc handles one front-end invocation. args is the raw JSON object
// sent by the caller.
type CommandFunc func(ctx context.Context, args []byte) (any, error)

type Registry struct {
	mu       sync.RWMutex
	commands map[string]CommandFunc
}

func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]CommandFunc),
	}
}

func (r *Registry) Register(name string, fn CommandFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = fn
}

func (r *Registry) Invoke(ctx context.Context, name string, args []byte) (any, error) {
	r.mu.RLock()
	fn, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return fn(ctx, args)
}

func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := maputil.Keys(r.commands)
	sort.Strings(names)
	return names
}

type StateSaver interface {
	SaveState(path, data string) (persist.Ack, error)
}

type SaveStateArgs struct {
	Path string  `json:"path"`
	Data *string `json:"data"`
}

// RegisterSaveState exposes saver as the save_state command. The result is
// the acknowledgment only; write failures never reach the caller.
func RegisterSaveState(r *Registry, saver StateSaver) {
	r.Register("save_state", func(ctx context.Context, raw []byte) (any, error) {
		var args SaveStateArgs
		if err := codec.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}
		if args.Path == "" {
			return nil, fmt.Errorf("%w: path is required", ErrInvalidArgs)
		}
		if args.Data == nil {
			return nil, fmt.Errorf("%w: data is required", ErrInvalidArgs)
		}
		ack, err := saver.SaveState(args.Path, *args.Data)
		if err != nil {
			return nil, err
		}
		return ack, nil
	})
}
