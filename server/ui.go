package server

import (
	_ "embed"
	"html/template"
	"net/http"

	"github.com/livepeer/face-editor/catalog"
	"github.com/livepeer/face-editor/jobs"
)

//go:embed ui.html
var pageSource string

func parsePage() (*template.Template, error) {
	return template.New("ui").Parse(pageSource)
}

type pageData struct {
	Model     string
	Methods   []catalog.Method
	StyleCLIP *catalog.Method
	Defaults  jobs.EditParams
	// StyleCLIPDefaults prefill the text-driven tab.
	StyleCLIPDefaults jobs.EditParams
}

func (s *Server) pageData() pageData {
	data := pageData{
		Model:    s.model,
		Defaults: jobs.DefaultParams(s.model),
	}

	for _, m := range s.catalog.Models[s.model].Methods {
		if m.Prefix == jobs.StyleCLIPPrefix {
			method := m
			data.StyleCLIP = &method
			continue
		}
		data.Methods = append(data.Methods, m)
	}

	clip := jobs.DefaultParams(s.model)
	clip.Mode = jobs.ModeStyleCLIP
	clip.NeutralPrompt = "face"
	clip.TargetPrompt = "face with curly afro"
	clip.Power = 5
	data.StyleCLIPDefaults = clip
	return data
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, s.pageData()); err != nil {
		respondError(w, r, err)
	}
}
