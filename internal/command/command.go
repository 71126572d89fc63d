// Package command resolves prefixed chat messages to registered commands and
// runs them behind the per-instance validation chain.
package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/botfleet/internal/database/types"
	"github.com/robalyx/botfleet/internal/gateway"
)

var (
	// ErrDuplicateCommand is returned when a name is registered twice.
	ErrDuplicateCommand = errors.New("command already registered")
	// ErrInvalidCommand is returned for commands without a name or handler.
	ErrInvalidCommand = errors.New("command requires a name and handler")
)

// Handler executes a command.
type Handler func(ctx context.Context, c *Context) error

// Command describes a registered command.
type Command struct {
	Name         string
	Description  string
	Precondition gateway.Permission // Zero means no permission is required
	Cooldown     time.Duration      // Zero means the command is never put on cooldown
	Handler      Handler
}

// Context is passed to a command handler.
type Context struct {
	InstanceID snowflake.ID
	Conn       gateway.Connection
	Message    *gateway.Message
	Config     *types.InstanceConfig
	Args       []string
}

// Reply sends content to the channel the command was invoked in.
func (c *Context) Reply(ctx context.Context, content string) error {
	return c.Conn.Send(ctx, c.Message.ChannelID, content)
}

// Arg returns the positional argument at i, or an empty string.
func (c *Context) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}

	return c.Args[i]
}

// Registry holds commands keyed by name. Commands can be added but never
// removed, and lookups are safe from any goroutine.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register adds a command. Names are matched case-insensitively.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || cmd.Name == "" || cmd.Handler == nil {
		return ErrInvalidCommand
	}

	name := strings.ToLower(cmd.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}

	r.commands[name] = cmd

	return nil
}

// MustRegister registers commands and panics on the first error.
func (r *Registry) MustRegister(cmds ...*Command) {
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			panic(err)
		}
	}
}

// Get looks up a command by its lower-cased name.
func (r *Registry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmd, ok := r.commands[name]

	return cmd, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}
