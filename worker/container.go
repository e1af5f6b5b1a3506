package worker

import (
	"context"
	"errors"
	"time"
)

type RunnerContainerType int

const (
	Managed RunnerContainerType = iota
	External
)

type RunnerContainer struct {
	RunnerContainerConfig
	Name   string
	Client *Client
}

type RunnerContainerConfig struct {
	Type     RunnerContainerType
	Model    string
	Endpoint RunnerEndpoint

	// For managed containers only
	ID       string
	GPU      string
	KeepWarm bool

	containerTimeout time.Duration
}

func NewRunnerContainer(ctx context.Context, cfg RunnerContainerConfig, name string) (*RunnerContainer, error) {
	client, err := NewClient(cfg.Endpoint, nil)
	if err != nil {
		return nil, err
	}

	timeout := cfg.containerTimeout
	if timeout == 0 {
		timeout = containerTimeout
		if cfg.Type == External {
			timeout = externalContainerTimeout
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	if err := runnerWaitUntilReady(ctx, client, pollingInterval); err != nil {
		cancel()
		return nil, err
	}
	cancel()

	return &RunnerContainer{
		RunnerContainerConfig: cfg,
		Name:                  name,
		Client:                client,
	}, nil
}

func runnerWaitUntilReady(ctx context.Context, client *Client, pollingInterval time.Duration) error {
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

tickerLoop:
	for range ticker.C {
		select {
		case <-ctx.Done():
			return errors.New("timed out waiting for runner")
		default:
			if err := client.Health(ctx); err == nil {
				break tickerLoop
			}
		}
	}

	return nil
}
