package plans

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/recowave/recowave/pkg/orchestrator"
)

const inlinePlan = `
plan: {
	id:   "plan-web"
	name: "Web tier failover"
	type: "DRILL"
	waves: [
		{name: "databases", protection_group: "pg-db", max_wait: "45m"},
		{name: "apps", protection_group: "pg-app", pause_before: true},
	]
}
`

func writePlanFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func hasErrorContaining(errs []ValidationError, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestParseInlinePlan(t *testing.T) {
	parser := NewParser()

	parsed, err := parser.ParseInline(context.Background(), inlinePlan)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if !parsed.Valid() {
		t.Fatalf("expected valid plan, got errors: %+v", parsed.Errors)
	}

	plan := parsed.Plan
	if plan.ID != "plan-web" {
		t.Errorf("expected plan id plan-web, got %s", plan.ID)
	}
	if plan.Type != orchestrator.ExecutionTypeDrill {
		t.Errorf("expected DRILL, got %s", plan.Type)
	}
	if len(plan.Waves) != 2 {
		t.Fatalf("expected 2 waves, got %d", len(plan.Waves))
	}
	if plan.Waves[0].WaveNumber != 0 || plan.Waves[1].WaveNumber != 1 {
		t.Errorf("expected wave numbers 0 and 1, got %d and %d", plan.Waves[0].WaveNumber, plan.Waves[1].WaveNumber)
	}
	if plan.Waves[0].MaxWaitTime != 45*time.Minute {
		t.Errorf("expected 45m max wait, got %v", plan.Waves[0].MaxWaitTime)
	}
	if !plan.Waves[1].PauseBeforeWave {
		t.Error("expected pause before second wave")
	}
	if plan.Waves[1].MaxWaitTime != 0 {
		t.Errorf("expected no max wait on second wave, got %v", plan.Waves[1].MaxWaitTime)
	}
}

func TestParseInlineMissingPlanField(t *testing.T) {
	parser := NewParser()

	parsed, err := parser.ParseInline(context.Background(), `settings: {region: "us-east-1"}`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if parsed.Valid() {
		t.Fatal("expected invalid result")
	}
	if !hasErrorContaining(parsed.Errors, "no plan field") {
		t.Errorf("expected missing plan error, got %+v", parsed.Errors)
	}
}

func TestParseInlineBadSyntax(t *testing.T) {
	parser := NewParser()

	parsed, err := parser.ParseInline(context.Background(), `plan: { id: }`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if parsed.Valid() {
		t.Fatal("expected invalid result")
	}
	if len(parsed.Errors) == 0 {
		t.Fatal("expected parse errors")
	}
	if parsed.Errors[0].File != "inline" {
		t.Errorf("expected inline filename, got %s", parsed.Errors[0].File)
	}
}

func TestParseSingleFile(t *testing.T) {
	parser := NewParser()
	dir := t.TempDir()
	path := writePlanFile(t, dir, "plan.cue", inlinePlan)

	parsed, err := parser.Parse(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !parsed.Valid() {
		t.Fatalf("expected valid plan, got errors: %+v", parsed.Errors)
	}
	if len(parsed.SourceFiles) != 1 || parsed.SourceFiles[0] != path {
		t.Errorf("expected source files [%s], got %v", path, parsed.SourceFiles)
	}
	if parsed.ParsedAt.IsZero() {
		t.Error("expected ParsedAt to be set")
	}
}

func TestParseUnifiesSources(t *testing.T) {
	parser := NewParser()
	dir := t.TempDir()

	base := writePlanFile(t, dir, "base.cue", `
plan: {
	id:   "plan-layered"
	name: "Layered plan"
	type: "RECOVERY"
}
`)
	waves := writePlanFile(t, dir, "waves.cue", `
plan: waves: [
	{name: "databases", protection_group: "pg-db"},
	{name: "apps", protection_group: "pg-app"},
]
`)

	parsed, err := parser.Parse(context.Background(), []string{base, waves})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !parsed.Valid() {
		t.Fatalf("expected valid plan, got errors: %+v", parsed.Errors)
	}
	if parsed.Plan.ID != "plan-layered" {
		t.Errorf("expected plan-layered, got %s", parsed.Plan.ID)
	}
	if parsed.Plan.Type != orchestrator.ExecutionTypeRecovery {
		t.Errorf("expected RECOVERY, got %s", parsed.Plan.Type)
	}
	if len(parsed.Plan.Waves) != 2 {
		t.Errorf("expected 2 waves, got %d", len(parsed.Plan.Waves))
	}
	if len(parsed.SourceFiles) != 2 {
		t.Errorf("expected 2 source files, got %v", parsed.SourceFiles)
	}
}

func TestParseDirectory(t *testing.T) {
	parser := NewParser()
	dir := t.TempDir()

	modDir := filepath.Join(dir, "cue.mod")
	if err := os.Mkdir(modDir, 0o755); err != nil {
		t.Fatalf("failed to create cue.mod: %v", err)
	}
	writePlanFile(t, modDir, "module.cue", `module: "example.com/plans"
language: version: "v0.14.0"
`)
	writePlanFile(t, dir, "base.cue", `package recovery

plan: {
	id:   "plan-dir"
	name: "Directory plan"
	type: "DRILL"
}
`)
	writePlanFile(t, dir, "waves.cue", `package recovery

plan: waves: [
	{name: "all", protection_group: "pg-all"},
]
`)

	parsed, err := parser.Parse(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !parsed.Valid() {
		t.Fatalf("expected valid plan, got errors: %+v", parsed.Errors)
	}
	if parsed.Plan.ID != "plan-dir" {
		t.Errorf("expected plan-dir, got %s", parsed.Plan.ID)
	}
	if len(parsed.SourceFiles) != 2 {
		t.Errorf("expected 2 source files, got %v", parsed.SourceFiles)
	}
}

func TestParseMissingSource(t *testing.T) {
	parser := NewParser()

	_, err := parser.Parse(context.Background(), []string{"/nonexistent/plan.cue"})
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestParseNoSources(t *testing.T) {
	parser := NewParser()

	_, err := parser.Parse(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for empty sources")
	}
}

func TestParseExplicitWaveNumbers(t *testing.T) {
	parser := NewParser()

	parsed, err := parser.ParseInline(context.Background(), `
plan: {
	id:   "plan-ordered"
	name: "Explicit ordering"
	type: "DRILL"
	waves: [
		{wave_number: 1, name: "apps", protection_group: "pg-app"},
		{wave_number: 0, name: "databases", protection_group: "pg-db"},
	]
}
`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if !parsed.Valid() {
		t.Fatalf("expected valid plan, got errors: %+v", parsed.Errors)
	}
	if parsed.Plan.Waves[0].WaveName != "databases" {
		t.Errorf("expected databases first after sorting, got %s", parsed.Plan.Waves[0].WaveName)
	}
	if parsed.Plan.Waves[1].WaveName != "apps" {
		t.Errorf("expected apps second, got %s", parsed.Plan.Waves[1].WaveName)
	}
}

func TestParseDuplicateWaveNumbers(t *testing.T) {
	parser := NewParser()

	parsed, err := parser.ParseInline(context.Background(), `
plan: {
	id:   "plan-dup"
	name: "Duplicate waves"
	type: "DRILL"
	waves: [
		{wave_number: 0, name: "a", protection_group: "pg-a"},
		{wave_number: 0, name: "b", protection_group: "pg-b"},
	]
}
`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if parsed.Valid() {
		t.Fatal("expected invalid result")
	}
	if !hasErrorContaining(parsed.Errors, "duplicate wave number 0") {
		t.Errorf("expected duplicate wave error, got %+v", parsed.Errors)
	}
}

func TestParseNonContiguousWaves(t *testing.T) {
	parser := NewParser()

	parsed, err := parser.ParseInline(context.Background(), `
plan: {
	id:   "plan-gap"
	name: "Gapped waves"
	type: "DRILL"
	waves: [
		{wave_number: 0, name: "a", protection_group: "pg-a"},
		{wave_number: 2, name: "c", protection_group: "pg-c"},
	]
}
`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if parsed.Valid() {
		t.Fatal("expected invalid result")
	}
	if !hasErrorContaining(parsed.Errors, "contiguous") {
		t.Errorf("expected contiguity error, got %+v", parsed.Errors)
	}
}

func TestParseInvalidMaxWait(t *testing.T) {
	parser := NewParser()

	parsed, err := parser.ParseInline(context.Background(), `
plan: {
	id:   "plan-wait"
	name: "Bad wait"
	type: "DRILL"
	waves: [
		{name: "a", protection_group: "pg-a", max_wait: "a fortnight"},
	]
}
`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if parsed.Valid() {
		t.Fatal("expected invalid result")
	}
	found := false
	for _, e := range parsed.Errors {
		if e.Path == "plan.waves[0].max_wait" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected max_wait error, got %+v", parsed.Errors)
	}
}

func TestParseRejectsUnknownPlanType(t *testing.T) {
	parser := NewParser()

	parsed, err := parser.ParseInline(context.Background(), `
plan: {
	id:   "plan-type"
	name: "Bad type"
	type: "FAILOVER"
	waves: [
		{name: "a", protection_group: "pg-a"},
	]
}
`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if parsed.Valid() {
		t.Fatal("expected invalid result")
	}
	if !hasErrorContaining(parsed.Errors, "oneof") {
		t.Errorf("expected type validation error, got %+v", parsed.Errors)
	}
}

func TestParseRejectsEmptyWaves(t *testing.T) {
	parser := NewParser()

	parsed, err := parser.ParseInline(context.Background(), `
plan: {
	id:    "plan-empty"
	name:  "No waves"
	type:  "DRILL"
	waves: []
}
`)
	if err != nil {
		t.Fatalf("ParseInline failed: %v", err)
	}
	if parsed.Valid() {
		t.Fatal("expected invalid result")
	}
	if !hasErrorContaining(parsed.Errors, "Waves") {
		t.Errorf("expected waves validation error, got %+v", parsed.Errors)
	}
}
