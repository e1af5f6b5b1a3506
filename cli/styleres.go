package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/livepeer/face-editor/catalog"
	"github.com/livepeer/face-editor/worker"
)

const styleresModel = "styleres"

type styleresFlags struct {
	input       string
	output      string
	device      string
	method      string
	edit        string
	factor      float64
	align       bool
	listMethods bool
	listEdits   string
}

// NewStyleResCommand returns the StyleRes command. Invalid arguments are
// reported on stdout and end the command without an error.
func NewStyleResCommand(opts Options) *cobra.Command {
	var (
		flags  styleresFlags
		runner runnerFlags
	)

	cmd := &cobra.Command{
		Use:          "styleres",
		Short:        "StyleRes CLI - Transform images using StyleGAN residuals",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := runner.loadCatalog(opts)
			if err != nil {
				return err
			}
			return runStyleRes(cmd, flags, cat, runner.factory(opts, cat))
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.input, "input-image", "", "Path to input image")
	fs.StringVar(&flags.output, "output-image", "", "Path to save output image")
	fs.StringVar(&flags.device, "device", "cuda", "Which device to use (cpu/cuda)")
	fs.StringVar(&flags.method, "method", "", "Method to use for editing")
	fs.StringVar(&flags.edit, "edit", "", "Type of edit to apply")
	fs.Float64Var(&flags.factor, "factor", 0, "Strength of the edit")
	fs.BoolVar(&flags.align, "align", false, "Crop and align face before processing")
	fs.BoolVar(&flags.listMethods, "list-methods", false, "List available methods and exit")
	fs.StringVar(&flags.listEdits, "list-edits", "", "List available edits for a specific method and exit")
	runner.bind(cmd)

	return cmd
}

func runStyleRes(cmd *cobra.Command, flags styleresFlags, cat *catalog.Catalog, newEditor EditorFactory) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	methods, err := cat.Methods(styleresModel)
	if err != nil {
		return err
	}

	if flags.listMethods {
		fmt.Fprintln(out, "Available methods:")
		printList(out, methods)
		return nil
	}

	if flags.listEdits != "" {
		if !slices.Contains(methods, flags.listEdits) {
			methodNotFound(out, flags.listEdits, methods)
			return nil
		}
		edits, err := cat.Edits(styleresModel, flags.listEdits)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Available edits for method '%s':\n", flags.listEdits)
		printList(out, edits)
		return nil
	}

	if flags.input == "" || flags.output == "" {
		return errors.New("Input and output image paths are required")
	}

	input, err := homedir.Expand(flags.input)
	if err != nil {
		return err
	}
	if _, err := os.Stat(input); err != nil {
		fmt.Fprintf(out, "Error: Input image '%s' not found\n", flags.input)
		return nil
	}
	output, err := homedir.Expand(flags.output)
	if err != nil {
		return err
	}

	method := flags.method
	if method == "" {
		method = methods[0]
	}
	if !slices.Contains(methods, method) {
		methodNotFound(out, method, methods)
		return nil
	}

	edits, err := cat.Edits(styleresModel, method)
	if err != nil {
		return err
	}
	edit := flags.edit
	if edit == "" && len(edits) > 0 {
		edit = edits[0]
	}
	if !slices.Contains(edits, edit) {
		fmt.Fprintf(out, "Error: Edit '%s' not available for method '%s'.\n", edit, method)
		fmt.Fprintf(out, "Available edits: %s\n", strings.Join(edits, ", "))
		return nil
	}

	r, ok, err := cat.Range(styleresModel, method)
	switch {
	case err != nil || !ok:
		fmt.Fprintf(out, "Warning: Could not get factor range for method '%s', proceeding with factor %s\n", method, formatFactor(flags.factor))
	case !r.Contains(flags.factor):
		fmt.Fprintf(out, "Error: Factor %s is out of range [%s, %s] for method '%s'\n",
			formatFactor(flags.factor), formatFactor(r.Min), formatFactor(r.Max), method)
		return nil
	}

	fmt.Fprintln(out, "Processing image with:")
	fmt.Fprintf(out, "  Method: %s\n", method)
	fmt.Fprintf(out, "  Edit: %s\n", edit)
	fmt.Fprintf(out, "  Factor: %s\n", formatFactor(flags.factor))
	fmt.Fprintf(out, "  Align: %s\n", formatBool(flags.align))
	fmt.Fprintf(out, "  Device: %s\n", flags.device)

	fmt.Fprintln(out, "Loading model...")
	editor, err := newEditor(ctx, styleresModel)
	if err != nil {
		return err
	}
	defer editor.Stop(context.Background())

	fmt.Fprintln(out, "Loading input image...")
	if _, err := worker.LoadImage(input); err != nil {
		fmt.Fprintf(out, "Error loading image: %v\n", err)
		return nil
	}

	fmt.Fprintln(out, "Processing image...")
	if flags.align {
		fmt.Fprintln(out, "Aligning face...")
	}
	err = editor.Edit(ctx, worker.Request{
		Model:       styleresModel,
		InputPath:   input,
		OutputPath:  output,
		EditingName: edit,
		Method:      method,
		Power:       flags.factor,
		Align:       flags.align,
		Device:      flags.device,
		Log:         cmd.ErrOrStderr(),
	})
	if err == nil {
		if _, statErr := os.Stat(output); statErr != nil {
			err = errors.New("runner returned no image")
		}
	}
	if err != nil {
		fmt.Fprintf(out, "Error processing image: %v\n", err)
		return nil
	}

	fmt.Fprintf(out, "Saving result to %s...\n", flags.output)
	fmt.Fprintln(out, "Done!")
	return nil
}

func methodNotFound(out io.Writer, method string, methods []string) {
	fmt.Fprintf(out, "Error: Method '%s' not found.\n", method)
	fmt.Fprintf(out, "Available methods: %s\n", strings.Join(methods, ", "))
}

func printList(out io.Writer, items []string) {
	for _, item := range items {
		fmt.Fprintf(out, "  - %s\n", item)
	}
}

// formatFactor prints whole numbers with a trailing ".0" so factors read
// the same whether they were given as 5 or 5.0.
func formatFactor(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eInN") {
		s += ".0"
	}
	return s
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
