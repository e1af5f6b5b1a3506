package server

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	"github.com/oapi-codegen/runtime/types"

	"github.com/livepeer/face-editor/catalog"
	"github.com/livepeer/face-editor/jobs"
)

// SubmitJobForm is the multipart body of POST /api/v1/jobs. Absent fields
// keep the UI defaults.
type SubmitJobForm struct {
	Image           types.File `json:"image"`
	Mode            *string    `json:"mode,omitempty"`
	EditingType     *string    `json:"editing_type,omitempty"`
	Method          *string    `json:"method,omitempty"`
	Power           *float64   `json:"power,omitempty"`
	Align           *bool      `json:"align,omitempty"`
	UseMask         *bool      `json:"use_mask,omitempty"`
	MaskThreshold   *float64   `json:"mask_threshold,omitempty"`
	NeutralPrompt   *string    `json:"neutral_prompt,omitempty"`
	TargetPrompt    *string    `json:"target_prompt,omitempty"`
	Disentanglement *float64   `json:"disentanglement,omitempty"`
}

func (f SubmitJobForm) params(model string) jobs.EditParams {
	p := jobs.DefaultParams(model)
	if f.Mode != nil {
		p.Mode = *f.Mode
	}
	if f.EditingType != nil {
		p.EditingType = *f.EditingType
	}
	if f.Method != nil {
		p.Method = *f.Method
	}
	if f.Power != nil {
		p.Power = *f.Power
	}
	if f.Align != nil {
		p.Align = *f.Align
	}
	if f.UseMask != nil {
		p.UseMask = *f.UseMask
	}
	if f.MaskThreshold != nil {
		p.MaskThreshold = *f.MaskThreshold
	}
	if f.NeutralPrompt != nil {
		p.NeutralPrompt = *f.NeutralPrompt
	}
	if f.TargetPrompt != nil {
		p.TargetPrompt = *f.TargetPrompt
	}
	if f.Disentanglement != nil {
		p.Disentanglement = *f.Disentanglement
	}
	if p.Mode == jobs.ModeStyleCLIP {
		p.EditingType = ""
	}
	return p
}

// decodeImage returns nil when the form carries no image. Images larger
// than maxPixels are rejected before their pixels are decoded.
func (f SubmitJobForm) decodeImage(maxPixels int) (image.Image, error) {
	if f.Image.FileSize() == 0 {
		return nil, nil
	}

	data, err := f.Image.Bytes()
	if err != nil {
		return nil, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &jobs.ValidationError{Field: "image", Message: fmt.Sprintf("Could not read image %q: %v", f.Image.Filename(), err)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, &jobs.ValidationError{
			Field:   "image",
			Message: fmt.Sprintf("Image is too large (%dx%d pixels, max %d)", cfg.Width, cfg.Height, maxPixels),
		}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &jobs.ValidationError{Field: "image", Message: fmt.Sprintf("Could not read image %q: %v", f.Image.Filename(), err)}
	}
	return img, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, r, &jobs.ValidationError{Field: "image", Message: "The uploaded image is too large"})
			return
		}
		respondError(w, r, &jobs.ValidationError{Field: "body", Message: "Expected a multipart form"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	var form SubmitJobForm
	if err := runtime.BindForm(&form, r.MultipartForm.Value, r.MultipartForm.File, nil); err != nil {
		respondError(w, r, &jobs.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	img, err := form.decodeImage(s.maxPixels)
	if err != nil {
		respondError(w, r, err)
		return
	}

	ack, err := s.jobs.Submit(r.Context(), jobs.SubmitRequest{
		Image:  img,
		Params: form.params(s.model),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, ack)
}

type jobResponse struct {
	jobs.Snapshot
	Console string `json:"console"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.jobs.Status(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	console, err := s.jobs.Refresh(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, jobResponse{Snapshot: snap, Console: console})
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	console, err := s.jobs.Refresh(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(console))
}

type resultResponse struct {
	Image   *string `json:"image"`
	Message string  `json:"message"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	result, msg, err := s.jobs.TakeResult(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	// Clients asking for image/png get the bytes directly. Without a result
	// the JSON envelope carries the status message.
	if result != nil && strings.Contains(r.Header.Get("Accept"), "image/png") {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write(result.PNG())
		return
	}

	resp := resultResponse{Message: msg}
	if result != nil {
		url := result.DataURL()
		resp.Image = &url
	}
	respond(w, http.StatusOK, resp)
}

type catalogResponse struct {
	Model  string                   `json:"model"`
	Models map[string]catalog.Model `json:"models"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, catalogResponse{Model: s.model, Models: s.catalog.Models})
}
