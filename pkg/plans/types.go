package plans

import (
	"time"

	"github.com/recowave/recowave/pkg/orchestrator"
)

// planDocument is the raw shape of a CUE plan document before conversion
// into an orchestrator plan.
type planDocument struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Type  string         `json:"type"`
	Waves []waveDocument `json:"waves"`
}

// waveDocument is one wave entry of a CUE plan document. WaveNumber may be
// omitted, in which case the list position is used.
type waveDocument struct {
	WaveNumber      *int   `json:"wave_number"`
	Name            string `json:"name"`
	ProtectionGroup string `json:"protection_group"`
	PauseBefore     bool   `json:"pause_before"`
	MaxWait         string `json:"max_wait"`
	ConfigScript    string `json:"config_script"`
}

// ParsedPlan is the result of parsing plan sources.
type ParsedPlan struct {
	// Plan is the converted recovery plan, nil when parsing failed.
	Plan *orchestrator.RecoveryPlan `json:"plan,omitempty"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the plan was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any parse or validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Valid reports whether the plan parsed without errors.
func (p *ParsedPlan) Valid() bool {
	return p.Plan != nil && len(p.Errors) == 0
}

// ValidationError is a parse or validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "plan.waves[2]").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}
