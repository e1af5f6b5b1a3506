package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vincent-petithory/dataurl"
)

// fakeRunner serves the runner protocol, echoing the uploaded form fields
// into the log lines of the response.
func fakeRunner(t *testing.T, png []byte) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/edit", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("editing_name") == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{"detail": map[string]string{"msg": "CUDA out of memory"}})
			return
		}

		resp := EditResponse{
			Logs: []string{
				"editing " + r.FormValue("editing_name") + " power " + r.FormValue("edited_power"),
				"auth " + r.Header.Get("Authorization"),
			},
		}
		if r.FormValue("editing_name") == "slow" {
			time.Sleep(200 * time.Millisecond)
		}
		if r.FormValue("editing_name") != "empty" {
			resp.Image = Media{URL: dataurl.New(png, "image/png").String()}
			resp.Inversion = &Media{URL: dataurl.New(png, "image/png").String()}
			if r.FormValue("align") == "true" {
				resp.Unaligned = &Media{URL: dataurl.New(png, "image/png").String()}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeInput(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "input.png")
	require.NoError(t, os.WriteFile(path, testPNG(t), 0o644))
	return path
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(RunnerEndpoint{}, nil)
	require.Error(t, err)

	client, err := NewClient(RunnerEndpoint{URL: "http://localhost:8000/"}, nil)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000", client.endpoint.URL)
	require.Zero(t, client.httpClient.Timeout)
}

func TestClientHealth(t *testing.T) {
	srv := fakeRunner(t, testPNG(t))

	client, err := NewClient(RunnerEndpoint{URL: srv.URL}, srv.Client())
	require.NoError(t, err)
	require.NoError(t, client.Health(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	client, err = NewClient(RunnerEndpoint{URL: down.URL}, down.Client())
	require.NoError(t, err)
	require.ErrorContains(t, client.Health(context.Background()), "503")
}

func TestClientEdit(t *testing.T) {
	png := testPNG(t)
	srv := fakeRunner(t, png)
	dir := t.TempDir()

	client, err := NewClient(RunnerEndpoint{URL: srv.URL, Token: "secret"}, srv.Client())
	require.NoError(t, err)

	var logs bytes.Buffer
	req := Request{
		Model:         "sfe",
		InputPath:     writeInput(t, dir),
		OutputPath:    filepath.Join(dir, "out", "result.png"),
		EditingName:   "age",
		Power:         -5.5,
		Align:         true,
		SaveInversion: true,
		UseMask:       true,
		MaskThreshold: 0.095,
		Log:           &logs,
	}
	require.NoError(t, client.Edit(context.Background(), req))

	got, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	require.Equal(t, png, got)

	_, err = os.Stat(filepath.Join(dir, "out", "result_inversion.png"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "out", "result_unaligned.png"))
	require.NoError(t, err)

	require.Contains(t, logs.String(), "editing age power -5.5\n")
	require.Contains(t, logs.String(), "auth Bearer secret\n")
}

func TestClientEditSkipsUnalignedWithoutAlign(t *testing.T) {
	srv := fakeRunner(t, testPNG(t))
	dir := t.TempDir()

	client, err := NewClient(RunnerEndpoint{URL: srv.URL}, srv.Client())
	require.NoError(t, err)

	req := Request{
		Model:       "sfe",
		InputPath:   writeInput(t, dir),
		OutputPath:  filepath.Join(dir, "result.png"),
		EditingName: "age",
	}
	require.NoError(t, client.Edit(context.Background(), req))
	require.NoFileExists(t, req.UnalignedPath())
	require.NoFileExists(t, req.InversionPath())
}

func TestClientEditNoDeadline(t *testing.T) {
	srv := fakeRunner(t, testPNG(t))
	dir := t.TempDir()

	client, err := NewClient(RunnerEndpoint{URL: srv.URL}, nil)
	require.NoError(t, err)

	req := Request{
		Model:       "sfe",
		InputPath:   writeInput(t, dir),
		OutputPath:  filepath.Join(dir, "result.png"),
		EditingName: "slow",
	}
	require.NoError(t, client.Edit(context.Background(), req))
	require.FileExists(t, req.OutputPath)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, client.Edit(ctx, req), context.DeadlineExceeded)
}

func TestClientEditReencodes(t *testing.T) {
	srv := fakeRunner(t, testPNG(t))
	dir := t.TempDir()

	client, err := NewClient(RunnerEndpoint{URL: srv.URL}, srv.Client())
	require.NoError(t, err)

	req := Request{
		Model:       "styleres",
		InputPath:   writeInput(t, dir),
		OutputPath:  filepath.Join(dir, "result.jpg"),
		EditingName: "smile",
	}
	require.NoError(t, client.Edit(context.Background(), req))

	img, err := LoadImage(req.OutputPath)
	require.NoError(t, err)
	require.Equal(t, 4, img.Bounds().Dx())
}

func TestClientEditNoImage(t *testing.T) {
	srv := fakeRunner(t, testPNG(t))
	dir := t.TempDir()

	client, err := NewClient(RunnerEndpoint{URL: srv.URL}, srv.Client())
	require.NoError(t, err)

	req := Request{
		Model:       "sfe",
		InputPath:   writeInput(t, dir),
		OutputPath:  filepath.Join(dir, "result.png"),
		EditingName: "empty",
	}
	require.NoError(t, client.Edit(context.Background(), req))

	_, err = os.Stat(req.OutputPath)
	require.True(t, os.IsNotExist(err))
}

func TestClientEditHTTPError(t *testing.T) {
	srv := fakeRunner(t, testPNG(t))
	dir := t.TempDir()

	client, err := NewClient(RunnerEndpoint{URL: srv.URL}, srv.Client())
	require.NoError(t, err)

	req := Request{
		Model:       "sfe",
		InputPath:   writeInput(t, dir),
		OutputPath:  filepath.Join(dir, "result.png"),
		EditingName: "broken",
	}
	err = client.Edit(context.Background(), req)
	require.EqualError(t, err, "runner returned 500: CUDA out of memory")
}

func TestClientEditMissingInput(t *testing.T) {
	client, err := NewClient(RunnerEndpoint{URL: "http://localhost:1"}, nil)
	require.NoError(t, err)

	err = client.Edit(context.Background(), Request{InputPath: filepath.Join(t.TempDir(), "nope.png")})
	require.Error(t, err)
}

func TestRequestInversionPath(t *testing.T) {
	req := Request{OutputPath: "editing_res/dicaprio.png"}
	require.Equal(t, "editing_res/dicaprio_inversion.png", req.InversionPath())
	require.Equal(t, "editing_res/dicaprio_unaligned.png", req.UnalignedPath())
}

func TestEditorExternal(t *testing.T) {
	srv := fakeRunner(t, testPNG(t))
	dir := t.TempDir()

	editor, err := NewEditor(EditorConfig{
		External: map[string]RunnerEndpoint{"sfe": {URL: srv.URL}},
	})
	require.NoError(t, err)

	require.NoError(t, editor.Warm(context.Background(), "sfe"))

	req := Request{
		Model:       "sfe",
		InputPath:   writeInput(t, dir),
		OutputPath:  filepath.Join(dir, "result.png"),
		EditingName: "age",
		Power:       3,
	}
	require.NoError(t, editor.Edit(context.Background(), req))
	_, err = os.Stat(req.OutputPath)
	require.NoError(t, err)

	req.Model = "styleres"
	err = editor.Edit(context.Background(), req)
	require.ErrorIs(t, err, ErrNoRunner)
	require.NoError(t, editor.Stop(context.Background()))
}
