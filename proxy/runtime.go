package proxy

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/quicmitm/quicmitm/engine"
)

// Options is the configuration slice the layers consume.
type Options struct {
	// ConnectionIDLength is the host connection-ID length every engine
	// instance is configured with.
	ConnectionIDLength int
	// StreamFlowLimit caps concurrently tracked stream flows per process.
	// Zero means unlimited.
	StreamFlowLimit uint64
}

// Runtime bundles the process-wide collaborators a layer needs: options,
// the addon hook surface, the engine factory, the clock and the TLS secrets
// sink. Injecting it at construction keeps tests hermetic.
type Runtime struct {
	Options Options
	Hooks   Hooks
	Engines engine.Factory
	Logger  *zerolog.Logger

	// Now is the clock used for engine feeding and timer math. Defaults
	// to time.Now.
	Now func() time.Time

	// Secrets, when set, receives the TLS key log of every engine
	// instance.
	Secrets engine.MasterSecretSink
}

// NewRuntime fills in the defaults for optional fields.
func NewRuntime(opts Options, hooks Hooks, engines engine.Factory, logger *zerolog.Logger) *Runtime {
	if hooks == nil {
		hooks = BaseAddon{}
	}
	return &Runtime{
		Options: opts,
		Hooks:   hooks,
		Engines: engines,
		Logger:  logger,
		Now:     time.Now,
	}
}

// KeyLogWriter returns the io.Writer engines should log secrets to, or nil
// when secrets logging is disabled.
func (rt *Runtime) KeyLogWriter() *engine.SecretsLogger {
	if rt.Secrets == nil {
		return nil
	}
	return &engine.SecretsLogger{Sink: rt.Secrets}
}
