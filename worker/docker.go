package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/cli/opts"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
)

const containerModelDir = "/models"
const containerPort = "8000/tcp"
const pollingInterval = 500 * time.Millisecond
const containerTimeout = 5 * time.Minute
const externalContainerTimeout = 2 * time.Minute
const containerRemoveTimeout = 30 * time.Second
const containerCreatorLabel = "creator"
const containerCreator = "face-editor"
const containerWatchInterval = 10 * time.Second

// One container per GPU for each model; the host port is the model's
// prefix followed by the GPU ID.
var containerHostPorts = map[string]string{
	"sfe":      "8000",
	"styleres": "8100",
}

// DockerClient is the subset of the docker API used by DockerManager.
type DockerClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

type DockerManager struct {
	modelImages map[string]string
	gpus        []string
	modelDir    string

	dockerClient DockerClient
	// gpu ID => container name
	gpuContainers map[string]string
	// container name => container
	containers map[string]*RunnerContainer
	mu         *sync.Mutex
}

func NewDockerManager(modelImages map[string]string, gpus []string, modelDir string) (*DockerManager, error) {
	dockerClient, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), containerTimeout)
	if err := removeExistingContainers(ctx, dockerClient); err != nil {
		cancel()
		return nil, err
	}
	cancel()

	return newDockerManager(dockerClient, modelImages, gpus, modelDir), nil
}

func newDockerManager(client DockerClient, modelImages map[string]string, gpus []string, modelDir string) *DockerManager {
	return &DockerManager{
		modelImages:   modelImages,
		gpus:          gpus,
		modelDir:      modelDir,
		dockerClient:  client,
		gpuContainers: make(map[string]string),
		containers:    make(map[string]*RunnerContainer),
		mu:            &sync.Mutex{},
	}
}

func (m *DockerManager) Warm(ctx context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rc, err := m.createContainer(ctx, model, true)
	if err != nil {
		return err
	}

	// Watch with a background context since we're not borrowing the container.
	go m.watchContainer(rc, context.Background())

	return nil
}

func (m *DockerManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	containers := make([]*RunnerContainer, 0, len(m.containers))
	for _, rc := range m.containers {
		containers = append(containers, rc)
	}
	m.mu.Unlock()

	var stopContainerWg sync.WaitGroup
	for _, rc := range containers {
		stopContainerWg.Add(1)
		go func(container *RunnerContainer) {
			defer stopContainerWg.Done()
			m.destroyContainer(container, false)
		}(rc)
	}

	stopContainerWg.Wait()
	return nil
}

// Borrow hands out an idle container for model, creating one if needed. The
// container is returned to the pool once ctx is done.
func (m *DockerManager) Borrow(ctx context.Context, model string) (*RunnerContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, runner := range m.containers {
		if runner.Model == model {
			delete(m.containers, runner.Name)
			go m.watchContainer(runner, ctx)
			return runner, nil
		}
	}

	// The container does not exist so try to create it
	rc, err := m.createContainer(ctx, model, false)
	if err != nil {
		return nil, err
	}

	// Remove container so it is unavailable until Return() is called
	delete(m.containers, rc.Name)
	go m.watchContainer(rc, ctx)

	return rc, nil
}

// returnContainer returns a container to the pool so it can be reused. It is called automatically by watchContainer
// when the context used to borrow the container is done.
func (m *DockerManager) returnContainer(rc *RunnerContainer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[rc.Name] = rc
}

// FollowLogs copies the container's stdout and stderr to w until ctx is
// done. Cancelling ctx closes the stream, so the copy returns promptly.
func (m *DockerManager) FollowLogs(ctx context.Context, rc *RunnerContainer, w io.Writer) error {
	logs, err := m.dockerClient.ContainerLogs(ctx, rc.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Since:      time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(w, w, logs)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *DockerManager) getContainerImage(model string) (string, error) {
	img, ok := m.modelImages[model]
	if !ok || img == "" {
		return "", fmt.Errorf("no container image found for model %s", model)
	}
	return img, nil
}

// ensureImage pulls the image unless it is already available locally.
func (m *DockerManager) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := m.dockerClient.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}
	return m.pullImage(ctx, imageName)
}

func (m *DockerManager) pullImage(ctx context.Context, imageName string) error {
	log.Info().Str("image", imageName).Msg("Pulling image")

	reader, err := m.dockerClient.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	return nil
}

func (m *DockerManager) createContainer(ctx context.Context, model string, keepWarm bool) (*RunnerContainer, error) {
	hostPortPrefix, ok := containerHostPorts[model]
	if !ok {
		return nil, fmt.Errorf("no host port configured for model %s", model)
	}

	containerImage, err := m.getContainerImage(model)
	if err != nil {
		return nil, err
	}

	gpu, err := m.allocGPU(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.ensureImage(ctx, containerImage); err != nil {
		return nil, err
	}

	containerHostPort := hostPortPrefix[:3] + gpu
	containerName := dockerContainerName(model, containerHostPort)

	log.Info().Str("gpu", gpu).Str("name", containerName).Str("model", model).Str("containerImage", containerImage).Msg("Starting managed container")

	containerConfig := &container.Config{
		Image: containerImage,
		Env: []string{
			"MODEL=" + model,
			"MODEL_DIR=" + containerModelDir,
		},
		Volumes: map[string]struct{}{
			containerModelDir: {},
		},
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
		Labels: map[string]string{
			containerCreatorLabel: containerCreator,
		},
	}

	gpuOpts := opts.GpuOpts{}
	gpuOpts.Set("device=" + gpu)

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			DeviceRequests: gpuOpts.Value(),
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: m.modelDir,
				Target: containerModelDir,
			},
		},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: containerHostPort,
				},
			},
		},
		AutoRemove: true,
	}

	resp, err := m.dockerClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, containerTimeout)
	if err := m.dockerClient.ContainerStart(cctx, resp.ID, container.StartOptions{}); err != nil {
		cancel()
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}
	cancel()

	cctx, cancel = context.WithTimeout(ctx, containerTimeout)
	if err := dockerWaitUntilRunning(cctx, m.dockerClient, resp.ID, pollingInterval); err != nil {
		cancel()
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}
	cancel()

	cfg := RunnerContainerConfig{
		Type:  Managed,
		Model: model,
		Endpoint: RunnerEndpoint{
			URL: "http://localhost:" + containerHostPort,
		},
		ID:               resp.ID,
		GPU:              gpu,
		KeepWarm:         keepWarm,
		containerTimeout: containerTimeout,
	}

	rc, err := NewRunnerContainer(ctx, cfg, containerName)
	if err != nil {
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}

	m.containers[containerName] = rc
	m.gpuContainers[gpu] = containerName

	return rc, nil
}

func (m *DockerManager) allocGPU(ctx context.Context) (string, error) {
	// Is there a GPU available?
	for _, gpu := range m.gpus {
		_, ok := m.gpuContainers[gpu]
		if !ok {
			return gpu, nil
		}
	}

	// Is there a GPU with an idle container?
	for _, gpu := range m.gpus {
		containerName := m.gpuContainers[gpu]
		// If the container exists in this map then it is idle and if it not marked as keep warm we remove it
		rc, ok := m.containers[containerName]
		if ok && !rc.KeepWarm {
			if err := m.destroyContainer(rc, true); err != nil {
				return "", err
			}
			return gpu, nil
		}
	}

	return "", errors.New("insufficient capacity")
}

// destroyContainer stops the container on docker and removes it from the
// internal state. If locked is true then the mutex is not re-locked, otherwise
// it is done automatically only when updating the internal state.
func (m *DockerManager) destroyContainer(rc *RunnerContainer, locked bool) error {
	log.Info().
		Str("gpu", rc.GPU).
		Str("name", rc.Name).
		Str("model", rc.Model).
		Msg("Removing managed container")

	if err := dockerRemoveContainer(m.dockerClient, rc.ID); err != nil {
		log.Error().Err(err).
			Str("gpu", rc.GPU).
			Str("name", rc.Name).
			Str("model", rc.Model).
			Msg("Error removing managed container")
		return fmt.Errorf("failed to remove container %s: %w", rc.Name, err)
	}

	if !locked {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	delete(m.gpuContainers, rc.GPU)
	delete(m.containers, rc.Name)
	return nil
}

// watchContainer monitors a container's running state and automatically cleans
// up the internal state when the container stops. It will also monitor the
// borrowCtx to return the container to the pool when it is done.
func (m *DockerManager) watchContainer(rc *RunnerContainer, borrowCtx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("container", rc.Name).
				Interface("panic", r).
				Msg("Panic in container watch routine")
		}
	}()

	ticker := time.NewTicker(containerWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-borrowCtx.Done():
			m.returnContainer(rc)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), containerWatchInterval)
			container, err := m.dockerClient.ContainerInspect(ctx, rc.ID)
			cancel()
			if err != nil {
				log.Error().Err(err).
					Str("container", rc.Name).
					Msg("Error inspecting container")
				continue
			} else if isRunning(container) {
				continue
			}
			m.destroyContainer(rc, false)
			return
		}
	}
}

func removeExistingContainers(ctx context.Context, client DockerClient) error {
	filters := filters.NewArgs(filters.Arg("label", containerCreatorLabel+"="+containerCreator))
	containers, err := client.ContainerList(ctx, container.ListOptions{All: true, Filters: filters})
	if err != nil {
		return err
	}

	for _, c := range containers {
		log.Info().Str("name", c.Names[0]).Msg("Removing existing managed container")
		if err := dockerRemoveContainer(client, c.ID); err != nil {
			return err
		}
	}

	return nil
}

// dockerContainerName generates a unique container name based on the model and an optional suffix.
func dockerContainerName(model string, suffix ...string) string {
	sanitizedModel := strings.NewReplacer("/", "-", "_", "-").Replace(model)
	if len(suffix) > 0 {
		return fmt.Sprintf("face-editor_%s_%s", sanitizedModel, suffix[0])
	}
	return fmt.Sprintf("face-editor_%s", sanitizedModel)
}

func dockerRemoveContainer(client DockerClient, containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), containerRemoveTimeout)
	err := client.ContainerStop(ctx, containerID, container.StopOptions{})
	cancel()
	// Ignore "not found" or "already stopped" errors
	if err != nil && !errdefs.IsNotFound(err) && !errdefs.IsNotModified(err) {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), containerRemoveTimeout)
	err = client.ContainerRemove(ctx, containerID, container.RemoveOptions{})
	cancel()
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func dockerWaitUntilRunning(ctx context.Context, client DockerClient, containerID string, pollingInterval time.Duration) error {
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

tickerLoop:
	for range ticker.C {
		select {
		case <-ctx.Done():
			return errors.New("timed out waiting for managed container")
		default:
			json, err := client.ContainerInspect(ctx, containerID)
			if err != nil {
				return err
			}

			if isRunning(json) {
				break tickerLoop
			}
		}
	}

	return nil
}

func isRunning(info types.ContainerJSON) bool {
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}
