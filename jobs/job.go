package jobs

import (
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/livepeer/face-editor/worker"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseStarting   Phase = "starting"
	PhaseProcessing Phase = "processing"
	PhaseFinalizing Phase = "finalizing"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

const (
	ModeStandard  = "standard"
	ModeStyleCLIP = "styleclip"

	// StyleCLIPPrefix starts the editing name of text-driven edits.
	StyleCLIPPrefix = "styleclip_global_"
)

const (
	statusSubmitted          = "🚀 Starting..."
	statusSubmittedStyleCLIP = "🚀 Starting StyleCLIP..."
	statusStarting           = "🚀 Starting processing..."
	statusProcessing         = "🔄 Processing image..."
	statusFinalizing         = "📥 Finalizing..."
	statusComplete           = "✅ COMPLETE! Click 'Get Results' to see the image."
	statusNoOutput           = "❌ Failed to generate edited image"
	statusReady              = "Ready for next image"

	msgStarted   = "🚀 Processing started... Click 'Refresh Status' to see live output!"
	msgRetrieved = "✅ Success! Image loaded."
)

// EditParams are the user supplied parameters of one edit.
type EditParams struct {
	Model           string  `json:"model" validate:"required"`
	Mode            string  `json:"mode" validate:"oneof=standard styleclip"`
	EditingType     string  `json:"editing_type,omitempty" validate:"required_if=Mode standard"`
	Method          string  `json:"method,omitempty"`
	Power           float64 `json:"power"`
	Align           bool    `json:"align"`
	UseMask         bool    `json:"use_mask"`
	MaskThreshold   float64 `json:"mask_threshold" validate:"gte=0.01,lte=0.3"`
	NeutralPrompt   string  `json:"neutral_prompt,omitempty"`
	TargetPrompt    string  `json:"target_prompt,omitempty"`
	Disentanglement float64 `json:"disentanglement" validate:"gte=0.05,lte=0.5"`
}

// DefaultParams returns the parameters the UI starts with.
func DefaultParams(model string) EditParams {
	return EditParams{
		Model:           model,
		Mode:            ModeStandard,
		EditingType:     "age",
		Align:           true,
		UseMask:         true,
		MaskThreshold:   0.095,
		Disentanglement: 0.14,
	}
}

// EditingName is the name passed to the runner.
func (p EditParams) EditingName() string {
	if p.Mode == ModeStyleCLIP {
		return fmt.Sprintf("%s%s_%s_%s", StyleCLIPPrefix, p.NeutralPrompt, p.TargetPrompt, formatFloat(p.Disentanglement))
	}
	return p.EditingType
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Result is the edited image of a completed job, encoded as PNG when the
// job completes so handing it out cannot fail.
type Result struct {
	Image image.Image
	png   []byte
}

func newResult(img image.Image) (*Result, error) {
	png, err := worker.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	return &Result{Image: img, png: png}, nil
}

func (r *Result) PNG() []byte {
	return r.png
}

func (r *Result) DataURL() string {
	return worker.PNGDataUrl(r.png)
}

// Job is one edit request. All fields are guarded by the job table lock;
// the console has its own.
type Job struct {
	ID         string
	Params     EditParams
	Phase      Phase
	Status     string
	InProgress bool
	Error      string
	History    []Phase
	CreatedAt  time.Time
	UpdatedAt  time.Time

	method  string
	input   image.Image
	result  *Result
	console *LogBuffer
	log     zerolog.Logger
}

func (j *Job) setPhase(phase Phase, status string, now time.Time) {
	if len(j.History) == 0 || j.History[len(j.History)-1] != phase {
		j.History = append(j.History, phase)
	}
	j.Phase = phase
	j.Status = status
	j.UpdatedAt = now
}

func (j *Job) snapshot() Snapshot {
	return Snapshot{
		ID:         j.ID,
		Params:     j.Params,
		Phase:      j.Phase,
		Status:     j.Status,
		InProgress: j.InProgress,
		HasResult:  j.result != nil,
		Error:      j.Error,
		History:    append([]Phase(nil), j.History...),
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

// Snapshot is a point in time copy of a job.
type Snapshot struct {
	ID         string     `json:"id"`
	Params     EditParams `json:"params"`
	Phase      Phase      `json:"phase"`
	Status     string     `json:"status"`
	InProgress bool       `json:"in_progress"`
	HasResult  bool       `json:"has_result"`
	Error      string     `json:"error,omitempty"`
	History    []Phase    `json:"history"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type SubmitRequest struct {
	Image  image.Image
	Params EditParams
}

// Ack is returned by Submit once the job is queued.
type Ack struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}
