package persona

import (
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-persona/internal/config"
)

// ResourceReport lists missing files. Missing entries in Errors stop the
// persona from starting; Warnings only degrade it.
type ResourceReport struct {
	Errors   []string
	Warnings []string
}

func (r ResourceReport) OK() bool {
	return len(r.Errors) == 0
}

// CheckResources verifies the files the configuration points at.
func CheckResources(cfg config.Config) ResourceReport {
	var report ResourceReport
	if !exists(cfg.Persona.PromptPath) {
		report.Errors = append(report.Errors, cfg.Persona.PromptPath)
	}
	if cfg.TTS.Enabled && cfg.TTS.Mode == "http" && !exists(cfg.TTS.RefAudioPath) {
		report.Errors = append(report.Errors, cfg.TTS.RefAudioPath)
	}
	if cfg.TTSServer.Launch && !exists(cfg.TTSServer.WorkDir) {
		report.Errors = append(report.Errors, cfg.TTSServer.WorkDir)
	}
	if cfg.TTS.Enabled && cfg.TTS.Mode == "http" {
		for _, model := range cfg.TTSServer.ModelFiles {
			path := model
			if !filepath.IsAbs(path) && cfg.TTSServer.WorkDir != "" {
				path = filepath.Join(cfg.TTSServer.WorkDir, model)
			}
			if !exists(path) {
				report.Warnings = append(report.Warnings, path)
			}
		}
	}
	if cfg.Knowledge.Enabled && cfg.Knowledge.SourceDir != "" && !exists(cfg.Knowledge.SourceDir) {
		report.Warnings = append(report.Warnings, cfg.Knowledge.SourceDir)
	}
	return report
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
