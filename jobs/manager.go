package jobs

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/livepeer/face-editor/catalog"
	"github.com/livepeer/face-editor/worker"
)

const (
	defaultWorkers   = 1
	defaultQueueSize = 16
)

// Editor runs one edit and writes the result to req.OutputPath.
type Editor interface {
	Edit(ctx context.Context, req worker.Request) error
}

type Config struct {
	Editor  Editor
	Catalog *catalog.Catalog

	Workers   int
	QueueSize int
	// WorkDir holds the transient input and output files. Defaults to the
	// system temp dir.
	WorkDir string
	Device  string

	Logger zerolog.Logger
	// LogOutput receives the structured events of every job logger.
	LogOutput io.Writer
}

// Manager owns the job table and the worker pool.
type Manager struct {
	editor    Editor
	catalog   *catalog.Catalog
	workDir   string
	device    string
	logger    zerolog.Logger
	logOutput io.Writer
	validate  *validator.Validate

	table *jobTable
	queue chan *Job
	wg    sync.WaitGroup

	stopMu  sync.RWMutex
	stopped bool

	now func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Editor == nil {
		return nil, errors.New("jobs: editor is required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.LogOutput == nil {
		cfg.LogOutput = io.Discard
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("jobs: create work dir: %w", err)
	}

	m := &Manager{
		editor:    cfg.Editor,
		catalog:   cfg.Catalog,
		workDir:   cfg.WorkDir,
		device:    cfg.Device,
		logger:    cfg.Logger,
		logOutput: cfg.LogOutput,
		validate:  newValidator(),
		table:     newJobTable(),
		queue:     make(chan *Job, cfg.QueueSize),
		now:       time.Now,
	}

	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	return m, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Submit validates the request and queues a new job. It never waits for
// the edit itself.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Ack, error) {
	if req.Image == nil {
		return Ack{}, &ValidationError{Field: "image", Message: MsgNoImage}
	}

	params := req.Params
	styleCLIP := params.Mode == ModeStyleCLIP
	if styleCLIP {
		params.NeutralPrompt = strings.TrimSpace(params.NeutralPrompt)
		params.TargetPrompt = strings.TrimSpace(params.TargetPrompt)
		if params.NeutralPrompt == "" || params.TargetPrompt == "" {
			return Ack{}, &ValidationError{Field: "prompts", Message: MsgNoPrompts}
		}
	}
	if err := m.validate.Struct(params); err != nil {
		return Ack{}, fromValidator(err)
	}

	method, err := m.resolveMethod(params)
	if err != nil {
		return Ack{}, err
	}

	now := m.now()
	job := &Job{
		ID:         uuid.NewString(),
		Params:     params,
		InProgress: true,
		CreatedAt:  now,
		method:     method,
		input:      req.Image,
		console:    NewLogBuffer(ConsoleCap),
	}
	job.log = newJobLogger(job.ID, job.console, m.logOutput)

	ack := Ack{JobID: job.ID, Message: msgStarted}
	status := statusSubmitted
	if styleCLIP {
		ack.Message = fmt.Sprintf("🚀 StyleCLIP started: %s -> %s", req.Params.NeutralPrompt, req.Params.TargetPrompt)
		status = statusSubmittedStyleCLIP
	}
	job.setPhase(PhaseStarting, status, now)

	m.stopMu.RLock()
	defer m.stopMu.RUnlock()
	if m.stopped {
		return Ack{}, ErrStopped
	}

	// The first console line is written before a worker can see the job.
	if styleCLIP {
		job.log.Info().Msg("🚀 StyleCLIP processing started...")
	} else {
		job.log.Info().Msg("🚀 Processing started...")
	}

	m.table.add(job)
	select {
	case m.queue <- job:
	default:
		m.table.remove(job.ID)
		return Ack{}, ErrQueueFull
	}

	zerolog.Ctx(ctx).Info().
		Str("job_id", job.ID).
		Str("model", params.Model).
		Str("editing_name", params.EditingName()).
		Msg("Job queued")

	return ack, nil
}

// resolveMethod picks the runner method for params and checks the edit
// against the catalog.
func (m *Manager) resolveMethod(p EditParams) (string, error) {
	method := p.Method
	if method == "" {
		if p.Mode == ModeStyleCLIP {
			method = ModeStyleCLIP
		} else {
			found, err := m.catalog.MethodFor(p.Model, p.EditingType)
			if err != nil {
				return "", catalogError(err)
			}
			method = found.Name
		}
	}

	if err := m.catalog.Validate(p.Model, method, p.EditingName(), p.Power); err != nil {
		return "", catalogError(err)
	}
	return method, nil
}

func catalogError(err error) error {
	field := "editing_type"
	switch {
	case errors.Is(err, catalog.ErrUnknownModel):
		field = "model"
	case errors.Is(err, catalog.ErrUnknownMethod):
		field = "method"
	case errors.Is(err, catalog.ErrOutOfRange):
		field = "power"
	}
	return &ValidationError{Field: field, Message: err.Error()}
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()

	m.logger.Debug().Int("worker", id).Msg("Job worker started")
	for job := range m.queue {
		m.run(job)
	}
	m.logger.Debug().Int("worker", id).Msg("Job worker stopped")
}

// run executes one job and publishes its outcome. Failures end up in the
// job status and console, never in the caller.
func (m *Manager) run(job *Job) {
	log := job.log

	result, err := m.process(job)
	if err != nil {
		status := "❌ Error: " + err.Error()
		if errors.Is(err, errNoOutput) {
			status = statusNoOutput
		}
		m.table.mutate(job, func(j *Job) {
			j.result = nil
			j.input = nil
			j.InProgress = false
			j.Error = err.Error()
			j.setPhase(PhaseError, status, m.now())
		})
		if errors.Is(err, errNoOutput) {
			log.Error().Msg(statusNoOutput)
		} else {
			log.Error().Msg("❌ Error occurred: " + err.Error())
		}
		return
	}

	m.table.mutate(job, func(j *Job) {
		j.result = result
		j.input = nil
		j.InProgress = false
		j.setPhase(PhaseComplete, statusComplete, m.now())
	})
	log.Info().Msg("✅ Image processing finished successfully!")
	log.Info().Msg("📥 Click 'Get Results' button to see your edited image!")
}

func (m *Manager) process(job *Job) (result *Result, err error) {
	log := job.log
	sink := &lineWriter{log: log}

	defer func() {
		sink.Flush()
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%v", r)
		}
	}()

	m.transition(job, PhaseStarting, statusStarting)

	inputPath, outputPath, err := m.createFiles(job)
	if inputPath != "" {
		defer os.Remove(inputPath)
	}
	if outputPath != "" {
		defer os.Remove(outputPath)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Msg("📁 Image files created, starting processing...")

	m.transition(job, PhaseProcessing, statusProcessing)

	p := job.Params
	if p.Mode == ModeStyleCLIP {
		log.Info().Msgf("🎨 StyleCLIP editing: %s -> %s (disentanglement: %s)", p.NeutralPrompt, p.TargetPrompt, formatFloat(p.Disentanglement))
	} else {
		log.Info().Msgf("✨ Standard editing: %s", p.EditingType)
	}

	req := worker.Request{
		Model:         p.Model,
		InputPath:     inputPath,
		OutputPath:    outputPath,
		EditingName:   p.EditingName(),
		Method:        job.method,
		Power:         p.Power,
		Align:         p.Align,
		SaveInversion: false,
		UseMask:       p.UseMask,
		MaskThreshold: p.MaskThreshold,
		Device:        m.device,
		Log:           sink,
	}
	// The runner may leave an unaligned crop next to the output.
	defer os.Remove(req.UnalignedPath())

	err = m.editor.Edit(context.Background(), req)
	if err != nil {
		return nil, err
	}

	log.Info().Msg("🎯 Processing completed, loading result...")
	m.transition(job, PhaseFinalizing, statusFinalizing)

	if _, err := os.Stat(outputPath); errors.Is(err, fs.ErrNotExist) {
		return nil, errNoOutput
	}
	img, err := worker.LoadImage(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	result, err = newResult(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return result, nil
}

// createFiles writes the input image and reserves an output path. Paths
// are returned even on error so the caller can remove them.
func (m *Manager) createFiles(job *Job) (inputPath, outputPath string, err error) {
	in, err := os.CreateTemp(m.workDir, "input-*.png")
	if err != nil {
		return "", "", err
	}
	inputPath = in.Name()

	var input image.Image
	m.table.mutate(job, func(j *Job) { input = j.input })
	if err := imaging.Encode(in, input, imaging.PNG); err != nil {
		in.Close()
		return inputPath, "", err
	}
	if err := in.Close(); err != nil {
		return inputPath, "", err
	}

	out, err := os.CreateTemp(m.workDir, "output-*.png")
	if err != nil {
		return inputPath, "", err
	}
	outputPath = out.Name()
	out.Close()
	// Only the editor may create the output file.
	if err := os.Remove(outputPath); err != nil {
		return inputPath, outputPath, err
	}
	return inputPath, outputPath, nil
}

func (m *Manager) transition(job *Job, phase Phase, status string) {
	m.table.mutate(job, func(j *Job) {
		j.setPhase(phase, status, m.now())
	})
}

// Refresh returns the job console followed by a status block. It does not
// change any state.
func (m *Manager) Refresh(id string) (string, error) {
	var (
		console    string
		status     string
		inProgress bool
		hasResult  bool
	)
	err := m.table.with(id, func(j *Job) {
		console = j.console.String()
		status = j.Status
		inProgress = j.InProgress
		hasResult = j.result != nil
	})
	if err != nil {
		return "", err
	}

	sep := strings.Repeat("=", 50)
	var b strings.Builder
	b.WriteString(console)
	fmt.Fprintf(&b, "\n%s\nStatus: %s\n%s", sep, status, sep)
	if inProgress {
		b.WriteString("\n🔄 Processing... (Click 'Refresh Status' for updates)")
	} else if hasResult {
		b.WriteString("\n✅ Ready! Click 'Get Results' to see image")
	}
	return b.String(), nil
}

func (m *Manager) Status(id string) (Snapshot, error) {
	var s Snapshot
	err := m.table.with(id, func(j *Job) {
		s = j.snapshot()
	})
	return s, err
}

// TakeResult hands out the result of a completed job at most once. Without
// a result it returns nil and the current status.
func (m *Manager) TakeResult(id string) (*Result, string, error) {
	var (
		result *Result
		msg    string
	)
	err := m.table.with(id, func(j *Job) {
		if j.result == nil {
			msg = j.Status
			return
		}
		result = j.result
		j.result = nil
		j.setPhase(PhaseIdle, statusReady, m.now())
		msg = msgRetrieved
	})
	if err != nil {
		return nil, "", err
	}
	return result, msg, nil
}

// Prune drops finished jobs last updated before the cutoff.
func (m *Manager) Prune(before time.Time) int {
	n := m.table.prune(before)
	if n > 0 {
		m.logger.Info().Int("count", n).Msg("Pruned jobs")
	}
	return n
}

func (m *Manager) Len() int {
	return m.table.len()
}

// Stop refuses new jobs and waits for queued ones to finish or ctx to be
// done.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopMu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.queue)
	}
	m.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
