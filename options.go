package readback

import (
	"log/slog"

	"github.com/gogpu/readback/gpucore"
)

// DefaultEntryPoint is the shader entry point used unless WithEntryPoint is given.
const DefaultEntryPoint = "main"

// PluginConfig is the resolved configuration of a registered shader.
type PluginConfig struct {
	// Limit bounds the dispatches per cycle.
	Limit Limit

	// RemoveOnComplete removes the node from the render graph once it completes.
	RemoveOnComplete bool

	// EntryPoint is the compute entry point in the shader.
	EntryPoint string

	// Label prefixes GPU object labels. Defaults to the key.
	Label string
}

// Option configures a shader registration.
//
// Example:
//
//	p, err := readback.Register(app, "gradient", input,
//	    readback.WithLimit(readback.Finite(1)),
//	    readback.WithRemoveOnComplete(true))
type Option func(*PluginConfig)

func defaultPluginConfig(key Key) PluginConfig {
	return PluginConfig{
		Limit:      Infinite(),
		EntryPoint: DefaultEntryPoint,
		Label:      string(key),
	}
}

// WithLimit sets the dispatch limit. The default is Infinite.
func WithLimit(l Limit) Option {
	return func(c *PluginConfig) {
		c.Limit = l
	}
}

// WithRemoveOnComplete removes the node from the render graph at the first
// frame boundary where it is Completed.
func WithRemoveOnComplete(remove bool) Option {
	return func(c *PluginConfig) {
		c.RemoveOnComplete = remove
	}
}

// WithEntryPoint sets the compute entry point. Empty names are ignored.
func WithEntryPoint(name string) Option {
	return func(c *PluginConfig) {
		if name != "" {
			c.EntryPoint = name
		}
	}
}

// WithLabel sets the label used for GPU objects. Empty labels are ignored.
func WithLabel(label string) Option {
	return func(c *PluginConfig) {
		if label != "" {
			c.Label = label
		}
	}
}

// AppOption configures an App during creation.
type AppOption func(*appOptions)

type appOptions struct {
	host   gpucore.Host
	logger *slog.Logger
}

// WithHost sets the GPU host. It is required.
func WithHost(h gpucore.Host) AppOption {
	return func(o *appOptions) {
		o.host = h
	}
}

// WithLogger sets the package logger as if by SetLogger.
func WithLogger(l *slog.Logger) AppOption {
	return func(o *appOptions) {
		o.logger = l
	}
}
