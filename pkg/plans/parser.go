package plans

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/recowave/recowave/pkg/orchestrator"
)

// Parser parses and validates CUE recovery plan documents. A plan document
// declares a top-level "plan" field:
//
//	plan: {
//		id:   "plan-web"
//		name: "Web tier failover"
//		type: "DRILL"
//		waves: [
//			{name: "databases", protection_group: "pg-db", max_wait: "45m"},
//			{name: "apps", protection_group: "pg-app", pause_before: true},
//		]
//	}
type Parser struct {
	ctx       *cue.Context
	validator *validator.Validate
}

// NewParser creates a new plan parser.
func NewParser() *Parser {
	return &Parser{
		ctx:       cuecontext.New(),
		validator: validator.New(),
	}
}

// Parse parses plan sources (CUE files or directories) and converts the
// unified document into a recovery plan. Parse and validation problems are
// collected on the result rather than returned as an error; the error
// return is reserved for unusable sources.
func (p *Parser) Parse(ctx context.Context, sources []string) (*ParsedPlan, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var files []string
		var errs []ValidationError
		if info.IsDir() {
			val, files, errs = p.loadDirectory(source)
		} else {
			val, errs = p.loadFile(source)
			files = []string{source}
		}
		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
		sourceFiles = append(sourceFiles, files...)
	}

	if len(parseErrors) > 0 {
		return &ParsedPlan{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}
	if err := cueValue.Err(); err != nil {
		return &ParsedPlan{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}

	return p.extractPlan(cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (p *Parser) ParseInline(_ context.Context, content string) (*ParsedPlan, error) {
	val := p.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedPlan{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}
	return p.extractPlan(val, []string{"inline"}), nil
}

func (p *Parser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

func (p *Parser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := p.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// extractPlan decodes the "plan" field and converts it into a recovery
// plan, carrying conversion errors on the result.
func (p *Parser) extractPlan(val cue.Value, sourceFiles []string) *ParsedPlan {
	parsed := &ParsedPlan{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	planVal := val.LookupPath(cue.ParsePath("plan"))
	if !planVal.Exists() {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "plan",
			Message:  "document has no plan field",
			Severity: "error",
		})
		return parsed
	}

	var doc planDocument
	if err := planVal.Decode(&doc); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "plan",
			Message:  fmt.Sprintf("failed to decode plan: %v", err),
			Severity: "error",
		})
		return parsed
	}

	plan, errs := p.convertPlan(&doc)
	parsed.Errors = append(parsed.Errors, errs...)
	if len(parsed.Errors) == 0 {
		parsed.Plan = plan
	}
	return parsed
}

// convertPlan converts the raw document into an orchestrator plan. Wave
// numbers default to list position; explicit numbers must be unique and,
// after sorting, contiguous from zero.
func (p *Parser) convertPlan(doc *planDocument) (*orchestrator.RecoveryPlan, []ValidationError) {
	var errs []ValidationError

	plan := &orchestrator.RecoveryPlan{
		ID:   doc.ID,
		Name: doc.Name,
		Type: orchestrator.ExecutionType(doc.Type),
	}

	seen := make(map[int]bool)
	for i, wd := range doc.Waves {
		number := i
		if wd.WaveNumber != nil {
			number = *wd.WaveNumber
		}
		if seen[number] {
			errs = append(errs, ValidationError{
				Path:     fmt.Sprintf("plan.waves[%d]", i),
				Message:  fmt.Sprintf("duplicate wave number %d", number),
				Severity: "error",
			})
			continue
		}
		seen[number] = true

		wave := orchestrator.PlanWave{
			WaveNumber:        number,
			WaveName:          wd.Name,
			ProtectionGroupID: wd.ProtectionGroup,
			PauseBeforeWave:   wd.PauseBefore,
			ConfigScript:      wd.ConfigScript,
		}
		if wd.MaxWait != "" {
			d, err := time.ParseDuration(wd.MaxWait)
			if err != nil || d < 0 {
				errs = append(errs, ValidationError{
					Path:     fmt.Sprintf("plan.waves[%d].max_wait", i),
					Message:  fmt.Sprintf("invalid max_wait %q", wd.MaxWait),
					Severity: "error",
				})
				continue
			}
			wave.MaxWaitTime = d
		}
		plan.Waves = append(plan.Waves, wave)
	}

	sort.Slice(plan.Waves, func(i, j int) bool {
		return plan.Waves[i].WaveNumber < plan.Waves[j].WaveNumber
	})
	for i := range plan.Waves {
		if plan.Waves[i].WaveNumber != i {
			errs = append(errs, ValidationError{
				Path:     "plan.waves",
				Message:  fmt.Sprintf("wave numbers must be contiguous from 0, missing wave %d", i),
				Severity: "error",
			})
			break
		}
	}

	if err := p.validator.Struct(plan); err != nil {
		for _, ferr := range fieldErrors(err) {
			errs = append(errs, ValidationError{
				Path:     "plan",
				Message:  ferr,
				Severity: "error",
			})
		}
	}
	return plan, errs
}

// fieldErrors flattens validator errors into messages.
func fieldErrors(err error) []string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field %s failed %s validation", fe.Namespace(), fe.Tag()))
	}
	return msgs
}

// convertCUEErrors converts CUE errors into ValidationError values with
// their source positions.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError
	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int
		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return validationErrors
}
