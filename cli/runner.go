// Package cli implements the command line front-ends of the face editor: the
// SFE editor and the StyleRes editor. Both run a single edit synchronously on
// a runner and print what they do.
package cli

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/livepeer/face-editor/catalog"
	"github.com/livepeer/face-editor/worker"
)

// Editor runs one edit on a runner.
type Editor interface {
	Edit(ctx context.Context, req worker.Request) error
	Stop(ctx context.Context) error
}

// EditorFactory builds the editor for model once the command has validated
// its arguments.
type EditorFactory func(ctx context.Context, model string) (Editor, error)

type Options struct {
	// Catalog overrides the catalog loaded from --catalog.
	Catalog *catalog.Catalog
	// NewEditor overrides the runner built from the --runner-* flags.
	NewEditor EditorFactory
}

// runnerFlags are the flags shared by both commands to reach a runner.
type runnerFlags struct {
	url         string
	token       string
	image       string
	gpus        []string
	modelDir    string
	catalogPath string
}

func (f *runnerFlags) bind(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.StringVar(&f.url, "runner-url", os.Getenv("RUNNER_URL"), "URL of an already running runner")
	fs.StringVar(&f.token, "runner-token", os.Getenv("RUNNER_TOKEN"), "Bearer token for --runner-url")
	fs.StringVar(&f.image, "runner-image", os.Getenv("RUNNER_IMAGE"), "Container image to start when no runner URL is set")
	fs.StringSliceVar(&f.gpus, "gpus", splitList(os.Getenv("GPUS")), "GPUs runner containers may use")
	fs.StringVar(&f.modelDir, "model-dir", envOr("MODEL_DIR", "~/.face-editor/models"), "Host directory mounted into runner containers")
	fs.StringVar(&f.catalogPath, "catalog", os.Getenv("CATALOG_PATH"), "Edit catalog file (defaults to the built-in catalog)")
}

func (f *runnerFlags) loadCatalog(opts Options) (*catalog.Catalog, error) {
	if opts.Catalog != nil {
		return opts.Catalog, nil
	}
	return catalog.Load(f.catalogPath)
}

func (f *runnerFlags) factory(opts Options, cat *catalog.Catalog) EditorFactory {
	if opts.NewEditor != nil {
		return opts.NewEditor
	}

	return func(ctx context.Context, model string) (Editor, error) {
		cfg := worker.EditorConfig{ModelDir: f.modelDir}
		switch {
		case f.url != "":
			cfg.External = map[string]worker.RunnerEndpoint{model: {URL: f.url, Token: f.token}}
		case len(f.gpus) > 0:
			image := f.image
			if image == "" {
				image = cat.Image(model)
			}
			cfg.Images = map[string]string{model: image}
			cfg.GPUs = f.gpus
		default:
			return nil, errors.New("either --runner-url or --gpus is required")
		}

		editor, err := worker.NewEditor(cfg)
		if err != nil {
			return nil, err
		}
		if err := editor.Warm(ctx, model); err != nil {
			editor.Stop(context.Background())
			return nil, err
		}
		return editor, nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
