package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrNoRunner = errors.New("no runner configured for model")

type EditorConfig struct {
	// Model => external runner endpoint. Takes precedence over managed
	// containers.
	External map[string]RunnerEndpoint

	// Model => container image for managed containers.
	Images   map[string]string
	GPUs     []string
	ModelDir string
}

// Editor performs edits on runner containers, either external endpoints or
// containers it manages itself.
type Editor struct {
	manager   *DockerManager
	endpoints map[string]RunnerEndpoint

	mu       sync.Mutex
	external map[string]*RunnerContainer
}

func NewEditor(cfg EditorConfig) (*Editor, error) {
	e := &Editor{
		endpoints: cfg.External,
		external:  make(map[string]*RunnerContainer),
	}
	if e.endpoints == nil {
		e.endpoints = make(map[string]RunnerEndpoint)
	}

	if len(cfg.Images) > 0 && len(cfg.GPUs) > 0 {
		manager, err := NewDockerManager(cfg.Images, cfg.GPUs, cfg.ModelDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker manager: %w", err)
		}
		e.manager = manager
	}

	return e, nil
}

// Warm makes sure a runner for model is up and has loaded its weights.
func (e *Editor) Warm(ctx context.Context, model string) error {
	if _, ok := e.endpoints[model]; ok {
		_, err := e.externalContainer(ctx, model)
		return err
	}
	if e.manager == nil {
		return fmt.Errorf("%w: %s", ErrNoRunner, model)
	}
	return e.manager.Warm(ctx, model)
}

// Edit runs a single edit. For managed containers the container output is
// streamed to req.Log while the edit runs.
func (e *Editor) Edit(ctx context.Context, req Request) error {
	if _, ok := e.endpoints[req.Model]; ok {
		rc, err := e.externalContainer(ctx, req.Model)
		if err != nil {
			return err
		}
		return rc.Client.Edit(ctx, req)
	}
	if e.manager == nil {
		return fmt.Errorf("%w: %s", ErrNoRunner, req.Model)
	}

	borrowCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rc, err := e.manager.Borrow(borrowCtx, req.Model)
	if err != nil {
		return err
	}

	if req.Log == nil {
		return rc.Client.Edit(ctx, req)
	}

	// Container output and runner log lines share req.Log, which must not
	// be written once Edit has returned.
	req.Log = &lockedWriter{w: req.Log}
	followed := make(chan struct{})
	go func() {
		defer close(followed)
		if err := e.manager.FollowLogs(borrowCtx, rc, req.Log); err != nil {
			log.Warn().Err(err).Str("container", rc.Name).Msg("Error following container logs")
		}
	}()

	err = rc.Client.Edit(ctx, req)
	cancel()
	<-followed
	return err
}

func (e *Editor) Stop(ctx context.Context) error {
	if e.manager == nil {
		return nil
	}
	return e.manager.Stop(ctx)
}

func (e *Editor) externalContainer(ctx context.Context, model string) (*RunnerContainer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rc, ok := e.external[model]; ok {
		return rc, nil
	}

	cfg := RunnerContainerConfig{
		Type:     External,
		Model:    model,
		Endpoint: e.endpoints[model],
	}
	rc, err := NewRunnerContainer(ctx, cfg, dockerContainerName(model, "external"))
	if err != nil {
		return nil, fmt.Errorf("runner for %s is not ready: %w", model, err)
	}

	e.external[model] = rc
	return rc, nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
