package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vincent-petithory/dataurl"
)

// healthCheckTimeout bounds a single health check. Edits have no client
// side deadline and run as long as the model needs.
const healthCheckTimeout = 10 * time.Second

// Request is a single edit call against a runner. The runner writes its
// result to OutputPath as a side effect.
type Request struct {
	Model         string
	InputPath     string
	OutputPath    string
	EditingName   string
	Method        string
	Power         float64
	Align         bool
	SaveInversion bool
	UseMask       bool
	MaskThreshold float64
	Device        string
	// Checkpoint overrides the weights the runner loads for Model. Relative
	// paths resolve against the runner's model directory.
	Checkpoint string

	// Log receives the runner's console output. May be nil.
	Log io.Writer
}

// InversionPath is where the reconstructed (inverted) image is saved when
// SaveInversion is set.
func (r Request) InversionPath() string {
	ext := filepath.Ext(r.OutputPath)
	return strings.TrimSuffix(r.OutputPath, ext) + "_inversion" + ext
}

// UnalignedPath is where the runner's unaligned crop is saved when Align is
// set and the runner returns one.
func (r Request) UnalignedPath() string {
	ext := filepath.Ext(r.OutputPath)
	return strings.TrimSuffix(r.OutputPath, ext) + "_unaligned" + ext
}

type RunnerEndpoint struct {
	URL   string
	Token string
}

type Media struct {
	URL string `json:"url"`
}

type EditResponse struct {
	Image     Media    `json:"image"`
	Inversion *Media   `json:"inversion,omitempty"`
	Unaligned *Media   `json:"unaligned,omitempty"`
	Logs      []string `json:"logs,omitempty"`
}

type HTTPError struct {
	Detail struct {
		Msg string `json:"msg"`
	} `json:"detail"`
}

// Client talks to a runner container over HTTP.
type Client struct {
	endpoint   RunnerEndpoint
	httpClient *http.Client
}

func NewClient(endpoint RunnerEndpoint, httpClient *http.Client) (*Client, error) {
	if endpoint.URL == "" {
		return nil, errors.New("runner endpoint url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		endpoint:   RunnerEndpoint{URL: strings.TrimRight(endpoint.URL, "/"), Token: endpoint.Token},
		httpClient: httpClient,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.URL+"/health", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner health check returned %d", resp.StatusCode)
	}
	return nil
}

// Edit uploads the input image with the edit parameters and saves the
// returned image to req.OutputPath. A response without an image leaves
// the output path untouched.
func (c *Client) Edit(ctx context.Context, req Request) error {
	sink := req.Log
	if sink == nil {
		sink = io.Discard
	}

	body, contentType, err := editForm(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.URL+"/edit", body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", contentType)
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("runner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeHTTPError(resp)
	}

	var out EditResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode runner response: %w", err)
	}

	for _, line := range out.Logs {
		fmt.Fprintln(sink, line)
	}

	if out.Image.URL == "" {
		return nil
	}
	if err := saveDataURL(out.Image.URL, req.OutputPath); err != nil {
		return fmt.Errorf("failed to save edited image: %w", err)
	}

	if req.SaveInversion && out.Inversion != nil && out.Inversion.URL != "" {
		if err := saveDataURL(out.Inversion.URL, req.InversionPath()); err != nil {
			return fmt.Errorf("failed to save inversion: %w", err)
		}
	}
	if req.Align && out.Unaligned != nil && out.Unaligned.URL != "" {
		if err := saveDataURL(out.Unaligned.URL, req.UnalignedPath()); err != nil {
			return fmt.Errorf("failed to save unaligned image: %w", err)
		}
	}

	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.endpoint.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.endpoint.Token)
	}
}

func editForm(req Request) (io.Reader, string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	imageFile, err := os.Open(req.InputPath)
	if err != nil {
		return nil, "", err
	}
	defer imageFile.Close()

	fw, err := w.CreateFormFile("image", filepath.Base(req.InputPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, imageFile); err != nil {
		return nil, "", err
	}

	fields := []struct{ name, value string }{
		{"model", req.Model},
		{"editing_name", req.EditingName},
		{"method", req.Method},
		{"edited_power", strconv.FormatFloat(req.Power, 'f', -1, 64)},
		{"align", strconv.FormatBool(req.Align)},
		{"save_inversion", strconv.FormatBool(req.SaveInversion)},
		{"use_mask", strconv.FormatBool(req.UseMask)},
		{"mask_threshold", strconv.FormatFloat(req.MaskThreshold, 'f', -1, 64)},
		{"device", req.Device},
		{"checkpoint", req.Checkpoint},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &b, w.FormDataContentType(), nil
}

func decodeHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var httpErr HTTPError
	if err := json.Unmarshal(body, &httpErr); err == nil && httpErr.Detail.Msg != "" {
		return fmt.Errorf("runner returned %d: %s", resp.StatusCode, httpErr.Detail.Msg)
	}
	return fmt.Errorf("runner returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// saveDataURL writes the payload as-is when it already matches the
// extension of outputPath and re-encodes it otherwise.
func saveDataURL(url, outputPath string) error {
	dataURL, err := dataurl.DecodeString(url)
	if err != nil {
		return err
	}

	exts, _ := mime.ExtensionsByType(dataURL.MediaType.ContentType())
	want := strings.ToLower(filepath.Ext(outputPath))
	for _, ext := range exts {
		if ext == want {
			return writeOutput(outputPath, dataURL.Data)
		}
	}
	return SaveImageB64DataUrl(url, outputPath)
}
