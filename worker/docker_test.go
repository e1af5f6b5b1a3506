package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockDockerClient is a mock implementation of the Docker client.
type MockDockerClient struct {
	mock.Mock
}

func (m *MockDockerClient) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	args := m.Called(ctx, ref, options)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func (m *MockDockerClient) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	args := m.Called(ctx, imageID)
	raw, _ := args.Get(1).([]byte)
	return args.Get(0).(types.ImageInspect), raw, args.Error(2)
}

func (m *MockDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	args := m.Called(ctx, config, hostConfig, networkingConfig, platform, containerName)
	return args.Get(0).(container.CreateResponse), args.Error(1)
}

func (m *MockDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func (m *MockDockerClient) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	args := m.Called(ctx, containerID)
	return args.Get(0).(types.ContainerJSON), args.Error(1)
}

func (m *MockDockerClient) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	args := m.Called(ctx, options)
	return args.Get(0).([]types.Container), args.Error(1)
}

func (m *MockDockerClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	args := m.Called(ctx, containerID, options)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func (m *MockDockerClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func (m *MockDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func TestGetContainerImage(t *testing.T) {
	dockerManager := newDockerManager(new(MockDockerClient), map[string]string{
		"sfe":      "livepeer/face-editor-runner:sfe",
		"styleres": "",
	}, []string{"0"}, "/models")

	tests := []struct {
		model    string
		expected string
		err      bool
	}{
		{"sfe", "livepeer/face-editor-runner:sfe", false},
		{"styleres", "", true},
		{"unknown-model", "", true},
	}

	for _, tt := range tests {
		image, err := dockerManager.getContainerImage(tt.model)
		if tt.err {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
			require.Equal(t, tt.expected, image)
		}
	}
}

func TestEnsureImage(t *testing.T) {
	ctx := context.Background()

	t.Run("available locally", func(t *testing.T) {
		mockDockerClient := new(MockDockerClient)
		dockerManager := newDockerManager(mockDockerClient, nil, nil, "")

		mockDockerClient.On("ImageInspectWithRaw", ctx, "test-image").Return(types.ImageInspect{}, nil, nil)

		require.NoError(t, dockerManager.ensureImage(ctx, "test-image"))
		mockDockerClient.AssertNotCalled(t, "ImagePull", ctx, "test-image", mock.Anything)
	})

	t.Run("missing locally", func(t *testing.T) {
		mockDockerClient := new(MockDockerClient)
		dockerManager := newDockerManager(mockDockerClient, nil, nil, "")

		mockDockerClient.On("ImageInspectWithRaw", ctx, "test-image").Return(types.ImageInspect{}, nil, errors.New("not found"))
		mockDockerClient.On("ImagePull", ctx, "test-image", mock.Anything).Return(io.NopCloser(strings.NewReader("{}")), nil)

		require.NoError(t, dockerManager.ensureImage(ctx, "test-image"))
		mockDockerClient.AssertCalled(t, "ImagePull", ctx, "test-image", mock.Anything)
	})
}

func TestPullImage(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	dockerManager := newDockerManager(mockDockerClient, nil, nil, "")

	ctx := context.Background()
	imageName := "test-image"

	// Mock the ImagePull method to simulate pulling the image.
	mockDockerClient.On("ImagePull", ctx, imageName, mock.Anything).Return(io.NopCloser(strings.NewReader("")), nil)

	err := dockerManager.pullImage(ctx, imageName)
	require.NoError(t, err)
	mockDockerClient.AssertCalled(t, "ImagePull", ctx, imageName, mock.Anything)

	mockDockerClient.On("ImagePull", ctx, "bad-image", mock.Anything).Return(nil, errors.New("denied"))
	err = dockerManager.pullImage(ctx, "bad-image")
	require.ErrorContains(t, err, "denied")
}

func TestAllocGPU(t *testing.T) {
	ctx := context.Background()

	t.Run("free gpu", func(t *testing.T) {
		dockerManager := newDockerManager(new(MockDockerClient), nil, []string{"0", "1"}, "")
		dockerManager.gpuContainers["0"] = "busy"

		gpu, err := dockerManager.allocGPU(ctx)
		require.NoError(t, err)
		require.Equal(t, "1", gpu)
	})

	t.Run("idle container is evicted", func(t *testing.T) {
		mockDockerClient := new(MockDockerClient)
		dockerManager := newDockerManager(mockDockerClient, nil, []string{"0"}, "")

		rc := &RunnerContainer{
			RunnerContainerConfig: RunnerContainerConfig{Type: Managed, Model: "sfe", ID: "abc", GPU: "0"},
			Name:                  "face-editor_sfe_8000",
		}
		dockerManager.gpuContainers["0"] = rc.Name
		dockerManager.containers[rc.Name] = rc

		mockDockerClient.On("ContainerStop", mock.Anything, "abc", mock.Anything).Return(nil)
		mockDockerClient.On("ContainerRemove", mock.Anything, "abc", mock.Anything).Return(nil)

		gpu, err := dockerManager.allocGPU(ctx)
		require.NoError(t, err)
		require.Equal(t, "0", gpu)
		require.Empty(t, dockerManager.containers)
		require.Empty(t, dockerManager.gpuContainers)
		mockDockerClient.AssertExpectations(t)
	})

	t.Run("warm container is kept", func(t *testing.T) {
		dockerManager := newDockerManager(new(MockDockerClient), nil, []string{"0"}, "")

		rc := &RunnerContainer{
			RunnerContainerConfig: RunnerContainerConfig{Type: Managed, Model: "sfe", ID: "abc", GPU: "0", KeepWarm: true},
			Name:                  "face-editor_sfe_8000",
		}
		dockerManager.gpuContainers["0"] = rc.Name
		dockerManager.containers[rc.Name] = rc

		_, err := dockerManager.allocGPU(ctx)
		require.EqualError(t, err, "insufficient capacity")
		require.Contains(t, dockerManager.containers, rc.Name)
	})
}

func TestBorrowIdleContainer(t *testing.T) {
	dockerManager := newDockerManager(new(MockDockerClient), nil, []string{"0"}, "")

	rc := &RunnerContainer{
		RunnerContainerConfig: RunnerContainerConfig{Type: Managed, Model: "sfe", ID: "abc", GPU: "0"},
		Name:                  "face-editor_sfe_8000",
	}
	dockerManager.gpuContainers["0"] = rc.Name
	dockerManager.containers[rc.Name] = rc

	ctx, cancel := context.WithCancel(context.Background())
	borrowed, err := dockerManager.Borrow(ctx, "sfe")
	require.NoError(t, err)
	require.Same(t, rc, borrowed)

	dockerManager.mu.Lock()
	require.Empty(t, dockerManager.containers)
	dockerManager.mu.Unlock()

	// Cancelling the borrow context hands the container back.
	cancel()
	require.Eventually(t, func() bool {
		dockerManager.mu.Lock()
		defer dockerManager.mu.Unlock()
		_, ok := dockerManager.containers[rc.Name]
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestEditorManagedStreamsLogs(t *testing.T) {
	srv := fakeRunner(t, testPNG(t))
	dir := t.TempDir()

	mockDockerClient := new(MockDockerClient)
	dockerManager := newDockerManager(mockDockerClient, nil, []string{"0"}, "")

	client, err := NewClient(RunnerEndpoint{URL: srv.URL}, srv.Client())
	require.NoError(t, err)
	rc := &RunnerContainer{
		RunnerContainerConfig: RunnerContainerConfig{Type: Managed, Model: "sfe", ID: "abc", GPU: "0"},
		Name:                  "face-editor_sfe_8000",
		Client:                client,
	}
	dockerManager.gpuContainers["0"] = rc.Name
	dockerManager.containers[rc.Name] = rc

	// The stream stays open until the follow context is cancelled, like a
	// followed docker log stream.
	pr, pw := io.Pipe()
	mockDockerClient.On("ContainerLogs", mock.Anything, "abc", mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			go func() {
				stdcopy.NewStdWriter(pw, stdcopy.Stderr).Write([]byte("Loading SFE weights\n"))
				<-ctx.Done()
				pw.Close()
			}()
		}).
		Return(pr, nil)

	editor := &Editor{manager: dockerManager, endpoints: map[string]RunnerEndpoint{}, external: map[string]*RunnerContainer{}}

	var sink bytes.Buffer
	req := Request{
		Model:       "sfe",
		InputPath:   writeInput(t, dir),
		OutputPath:  filepath.Join(dir, "result.png"),
		EditingName: "age",
		Log:         &sink,
	}
	require.NoError(t, editor.Edit(context.Background(), req))

	// The follower has finished by the time Edit returns.
	require.Contains(t, sink.String(), "Loading SFE weights\n")
	require.Contains(t, sink.String(), "editing age power 0\n")
	mockDockerClient.AssertExpectations(t)
}

func TestFollowLogsCancelled(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	dockerManager := newDockerManager(mockDockerClient, nil, nil, "")
	rc := &RunnerContainer{RunnerContainerConfig: RunnerContainerConfig{ID: "abc"}, Name: "face-editor_sfe_8000"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mockDockerClient.On("ContainerLogs", mock.Anything, "abc", mock.Anything).Return(nil, context.Canceled)
	require.NoError(t, dockerManager.FollowLogs(ctx, rc, io.Discard))

	mockDockerClient.On("ContainerLogs", mock.Anything, "def", mock.Anything).Return(nil, errors.New("no such container"))
	rc.ID = "def"
	require.EqualError(t, dockerManager.FollowLogs(context.Background(), rc, io.Discard), "no such container")
}

func TestDockerContainerName(t *testing.T) {
	require.Equal(t, "face-editor_sfe", dockerContainerName("sfe"))
	require.Equal(t, "face-editor_sfe_8000", dockerContainerName("sfe", "8000"))
	require.Equal(t, "face-editor_org-style-res_external", dockerContainerName("org/style_res", "external"))
}

func TestRemoveExistingContainers(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	ctx := context.Background()

	mockDockerClient.On("ContainerList", ctx, mock.Anything).Return([]types.Container{
		{ID: "one", Names: []string{"/face-editor_sfe_8000"}},
		{ID: "two", Names: []string{"/face-editor_styleres_8100"}},
	}, nil)
	mockDockerClient.On("ContainerStop", mock.Anything, "one", mock.Anything).Return(nil)
	mockDockerClient.On("ContainerRemove", mock.Anything, "one", mock.Anything).Return(nil)
	// Already gone containers are not an error.
	mockDockerClient.On("ContainerStop", mock.Anything, "two", mock.Anything).Return(errdefs.NotFound(errors.New("no such container")))
	mockDockerClient.On("ContainerRemove", mock.Anything, "two", mock.Anything).Return(errdefs.NotFound(errors.New("no such container")))

	require.NoError(t, removeExistingContainers(ctx, mockDockerClient))
	mockDockerClient.AssertExpectations(t)
}

func TestDockerRemoveContainerError(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	mockDockerClient.On("ContainerStop", mock.Anything, "abc", mock.Anything).Return(errors.New("daemon unavailable"))

	err := dockerRemoveContainer(mockDockerClient, "abc")
	require.ErrorContains(t, err, "daemon unavailable")
	mockDockerClient.AssertNotCalled(t, "ContainerRemove", mock.Anything, "abc", mock.Anything)
}

func TestIsRunning(t *testing.T) {
	require.False(t, isRunning(types.ContainerJSON{}))
	require.False(t, isRunning(types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{}}))
	require.True(t, isRunning(types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{State: &types.ContainerState{Running: true}},
	}))
}
