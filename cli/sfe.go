package cli

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/livepeer/face-editor/worker"
)

const sfeModel = "sfe"

type sfeFlags struct {
	input           string
	output          string
	editing         string
	power           float64
	checkpoint      string
	noAlign         bool
	noSaveInversion bool
	noMask          bool
	maskThreshold   float64
	noPlot          bool
}

// NewSFECommand returns the StyleFeatureEditor command.
func NewSFECommand(opts Options) *cobra.Command {
	var (
		flags  sfeFlags
		runner runnerFlags
	)

	cmd := &cobra.Command{
		Use:          "sfe",
		Short:        "Edit a face image with StyleFeatureEditor",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := runner.loadCatalog(opts)
			if err != nil {
				return err
			}
			return runSFE(cmd, flags, runner.factory(opts, cat))
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&flags.input, "input", "i", "assets/dicaprio.png", "Path to input image")
	fs.StringVarP(&flags.output, "output", "o", "editing_res/dicaprio.png", "Path to save edited image")
	fs.StringVarP(&flags.editing, "editing", "e", "age", "Type of editing to apply")
	fs.Float64VarP(&flags.power, "power", "p", 9.0, "Editing power/strength")
	fs.StringVarP(&flags.checkpoint, "model", "m", "pretrained_models/sfe_editor_light.pt", "Path to model checkpoint")
	fs.BoolVar(&flags.noAlign, "no-align", false, "Disable image alignment")
	fs.BoolVar(&flags.noSaveInversion, "no-save-inversion", false, "Disable saving inversion")
	fs.BoolVar(&flags.noMask, "no-mask", false, "Disable mask usage")
	fs.Float64Var(&flags.maskThreshold, "mask-threshold", 0.095, "Mask threshold value")
	fs.BoolVar(&flags.noPlot, "no-plot", false, "Disable the comparison image")
	runner.bind(cmd)

	return cmd
}

func runSFE(cmd *cobra.Command, flags sfeFlags, newEditor EditorFactory) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	output, err := homedir.Expand(flags.output)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(output); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	input, err := homedir.Expand(flags.input)
	if err != nil {
		return err
	}

	editor, err := newEditor(ctx, sfeModel)
	if err != nil {
		return err
	}
	defer editor.Stop(context.Background())

	req := worker.Request{
		Model:         sfeModel,
		InputPath:     input,
		OutputPath:    output,
		EditingName:   flags.editing,
		Power:         flags.power,
		Align:         !flags.noAlign,
		SaveInversion: !flags.noSaveInversion,
		UseMask:       !flags.noMask,
		MaskThreshold: flags.maskThreshold,
		Checkpoint:    flags.checkpoint,
		Log:           cmd.ErrOrStderr(),
	}

	fmt.Fprintf(out, "Editing %s: %s with power %v\n", input, flags.editing, flags.power)
	if err := editor.Edit(ctx, req); err != nil {
		return err
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("runner did not produce %s: %w", output, err)
	}
	fmt.Fprintf(out, "Saved edited image to %s\n", output)

	if flags.noPlot {
		return nil
	}

	paths := []string{input}
	if req.Align {
		paths = appendIfExists(paths, req.UnalignedPath())
	}
	if req.SaveInversion {
		paths = appendIfExists(paths, req.InversionPath())
	}
	paths = append(paths, output)

	comparePath := comparisonPath(output)
	if err := writeComparison(comparePath, paths); err != nil {
		return fmt.Errorf("failed to write comparison: %w", err)
	}
	fmt.Fprintf(out, "Saved comparison to %s\n", comparePath)
	return nil
}

func appendIfExists(paths []string, path string) []string {
	if _, err := os.Stat(path); err == nil {
		return append(paths, path)
	}
	return paths
}

func comparisonPath(output string) string {
	return strings.TrimSuffix(output, filepath.Ext(output)) + "_compare.jpg"
}

const compareHeight = 512

// writeComparison places the images side by side, each scaled to the same
// height.
func writeComparison(path string, paths []string) error {
	var (
		images []image.Image
		width  int
	)
	for _, p := range paths {
		img, err := worker.LoadImage(p)
		if err != nil {
			return err
		}
		img = imaging.Resize(img, 0, compareHeight, imaging.Lanczos)
		images = append(images, img)
		width += img.Bounds().Dx()
	}

	strip := imaging.New(width, compareHeight, color.White)
	x := 0
	for _, img := range images {
		strip = imaging.Paste(strip, img, image.Pt(x, 0))
		x += img.Bounds().Dx()
	}
	return imaging.Save(strip, path)
}
