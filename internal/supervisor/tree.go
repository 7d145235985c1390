// Package supervisor runs the long-lived services under a suture tree split
// into an ingest layer, a processing layer and an api layer, so a crashing
// ingest adapter is restarted without touching the engine or the API.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64

	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long each service gets to stop.
	ShutdownTimeout time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

type Tree struct {
	root       *suture.Supervisor
	ingest     *suture.Supervisor
	processing *suture.Supervisor
	api        *suture.Supervisor
	config     TreeConfig
}

func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := childSpec
	if logger != nil {
		handler := &sutureslog.Handler{Logger: logger}
		rootSpec.EventHook = handler.MustHook()
	}

	t := &Tree{
		root:       suture.New("raidguard", rootSpec),
		ingest:     suture.New("ingest-layer", childSpec),
		processing: suture.New("processing-layer", childSpec),
		api:        suture.New("api-layer", childSpec),
		config:     config,
	}
	t.root.Add(t.processing)
	t.root.Add(t.ingest)
	t.root.Add(t.api)
	return t
}

// AddIngest adds an event source such as the REST or Kafka adapter.
func (t *Tree) AddIngest(svc suture.Service) suture.ServiceToken {
	return t.ingest.Add(svc)
}

// AddProcessing adds the engine and its helpers.
func (t *Tree) AddProcessing(svc suture.Service) suture.ServiceToken {
	return t.processing.Add(svc)
}

func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// Func adapts a plain function to a suture service.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

func (f Func) Serve(ctx context.Context) error { return f.Run(ctx) }

func (f Func) String() string { return f.Name }
