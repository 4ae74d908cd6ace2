// vm_test.go
package helix

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func execute(t *testing.T, src string) (*HelixVM, *HelixConfig) {
	t.Helper()
	vm := NewHelixVM()
	config, err := vm.Execute(generate(t, src, OptimizeStandard))
	if err != nil {
		t.Fatalf("Execute: %v\nsource:\n%s", err, src)
	}
	if config == nil {
		t.Fatalf("Execute returned no config and no error")
	}
	return vm, config
}

func wantRuntimeKind(t *testing.T, err error, kind RuntimeErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected a runtime error of kind %v, got nil", kind)
	}
	re, ok := err.(*RuntimeError)
	if !ok {
		t.Fatalf("want *RuntimeError, got %T: %v", err, err)
	}
	if re.Kind != kind {
		t.Fatalf("want kind %v, got %v (%v)", kind, re.Kind, re)
	}
}

/* ---------- config reconstruction ---------- */

func Test_VM_RebuildsAgent(t *testing.T) {
	vm, config := execute(t, `agent "bot" {
	model = "gpt-4"
	temperature = 0.7
	max_tokens = 2048
	capabilities [coding, review]
}`)
	if vm.State() != StateHalted {
		t.Fatalf("state: %v", vm.State())
	}
	a := config.Agents["bot"]
	if a == nil || a.Model != "gpt-4" {
		t.Fatalf("agent: %+v", a)
	}
	if a.Temperature == nil || *a.Temperature != 0.7 {
		t.Fatalf("temperature: %v", a.Temperature)
	}
	if a.MaxTokens == nil || *a.MaxTokens != 2048 {
		t.Fatalf("max_tokens: %v", a.MaxTokens)
	}
	if !reflect.DeepEqual(a.Capabilities, []string{"coding", "review"}) {
		t.Fatalf("capabilities: %v", a.Capabilities)
	}
}

func Test_VM_RebuildsWorkflowWithSteps(t *testing.T) {
	_, config := execute(t, `agent "a" { model = "m" }
workflow "deploy" {
	trigger = "schedule:0 2 * * *"
	step "build" {
		agent = "a"
		task = "compile"
		timeout = 5m
		parallel = true
		retry {
			max_attempts = 3
			delay = 10s
			backoff = "exponential"
		}
	}
	pipeline {
		build -> ship
	}
}`)
	w := config.Workflows["deploy"]
	if w == nil {
		t.Fatalf("workflow missing")
	}
	if w.Trigger.Kind != TriggerSchedule || w.Trigger.Value != "0 2 * * *" {
		t.Fatalf("trigger: %+v", w.Trigger)
	}
	if len(w.Steps) != 1 {
		t.Fatalf("steps: %d", len(w.Steps))
	}
	s := w.Steps[0]
	if s.Name != "build" || s.Agent != "a" || s.Task != "compile" || !s.Parallel {
		t.Fatalf("step: %+v", s)
	}
	if s.Timeout == nil || s.Timeout.Seconds() != 300 {
		t.Fatalf("timeout: %v", s.Timeout)
	}
	if s.Retry == nil || s.Retry.MaxAttempts != 3 || s.Retry.Backoff != BackoffExponential {
		t.Fatalf("retry: %+v", s.Retry)
	}
	if w.Pipeline == nil || w.Pipeline.Flow != "build -> ship" {
		t.Fatalf("pipeline: %+v", w.Pipeline)
	}
}

func Test_VM_RebuildsContextSecrets(t *testing.T) {
	_, config := execute(t, `context "prod" {
	environment = "production"
	debug = true
	secrets {
		api_key = $API_KEY
		db_pass = "vault:kv/db"
		cert = "file:/etc/cert"
	}
	variables {
		region = "us-east-1"
	}
}`)
	c := config.Contexts["prod"]
	if c == nil || c.Environment != "production" || !c.Debug {
		t.Fatalf("context: %+v", c)
	}
	want := map[string]SecretRef{
		"api_key": {Kind: SecretEnvironment, Value: "API_KEY"},
		"db_pass": {Kind: SecretVault, Value: "kv/db"},
		"cert":    {Kind: SecretFile, Value: "/etc/cert"},
	}
	if !reflect.DeepEqual(c.Secrets, want) {
		t.Fatalf("secrets: %+v", c.Secrets)
	}
	if s, _ := c.Variables["region"].AsString(); s != "us-east-1" {
		t.Fatalf("variables: %+v", c.Variables)
	}
}

func Test_VM_RebuildsMemoryAndPipeline(t *testing.T) {
	_, config := execute(t, `memory {
	provider = "postgres"
	connection = "postgres://localhost"
	cache_size = 500
	embeddings {
		model = "emb"
		dimensions = 768
	}
}

pipeline "main" {
	extract -> load-stage
}`)
	m := config.Memory
	if m == nil || m.Provider != "postgres" || !m.Persistence {
		t.Fatalf("memory: %+v", m)
	}
	if m.CacheSize == nil || *m.CacheSize != 500 {
		t.Fatalf("cache_size: %v", m.CacheSize)
	}
	if m.Embeddings.Model != "emb" || m.Embeddings.Dimensions != 768 {
		t.Fatalf("embeddings: %+v", m.Embeddings)
	}
	p := config.Pipelines["main"]
	if p == nil || !reflect.DeepEqual(p.Stages, []string{"extract", "load-stage"}) {
		t.Fatalf("pipeline: %+v", p)
	}
}

func Test_VM_PluginVersionDefault(t *testing.T) {
	_, config := execute(t, `plugin "tool" {
	source = "github.com/x/tool"
}`)
	if len(config.Plugins) != 1 || config.Plugins[0].Version != "latest" {
		t.Fatalf("plugins: %+v", config.Plugins)
	}
}

func Test_VM_MetadataFolded(t *testing.T) {
	vm := NewHelixVM()
	ir := generate(t, `agent "a" { model = "m" }`, OptimizeNone)
	if _, err := vm.Execute(ir); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	meta := vm.Metadata()
	if v, _ := meta["compiler_version"].AsString(); v != Version {
		t.Fatalf("compiler_version: %v", meta)
	}
	if n, _ := meta["declarations"].AsNumber(); n != 1 {
		t.Fatalf("declarations: %v", meta)
	}
}

func Test_VM_StatsCountInstructions(t *testing.T) {
	vm := NewHelixVM()
	ir := generate(t, `agent "a" { model = "m" }`, OptimizeNone)
	if _, err := vm.Execute(ir); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	stats := vm.Stats()
	if stats.InstructionsExecuted != uint64(len(ir.Instructions)) {
		t.Fatalf("executed %d of %d", stats.InstructionsExecuted, len(ir.Instructions))
	}
	if stats.StackSize != 0 || stats.CallDepth != 0 {
		t.Fatalf("stats: %+v", stats)
	}
}

/* ---------- faults ---------- */

func Test_VM_ResolveBeforeDeclareFaults(t *testing.T) {
	ir := &HelixIR{
		Version:   BinaryFormatVersion,
		Constants: []Value{StringValue("a"), StringValue("ghost")},
		Instructions: []Instruction{
			{Op: OpDeclareAgent, A: 0},
			{Op: OpResolveReference, A: 0, B: 1},
		},
	}
	vm := NewHelixVM()
	_, err := vm.Execute(ir)
	wantRuntimeKind(t, err, RuntimeInvalidInstruction)
	if vm.State() != StateError {
		t.Fatalf("state: %v", vm.State())
	}
	if !strings.Contains(vm.StateMessage(), "ghost") {
		t.Fatalf("state message: %q", vm.StateMessage())
	}
}

func Test_VM_ErrorStateRefusesResume(t *testing.T) {
	ir := &HelixIR{
		Version:      BinaryFormatVersion,
		Constants:    []Value{StringValue("model"), StringValue("m")},
		Instructions: []Instruction{{Op: OpSetProperty, A: 7, B: 0, C: 1}},
	}
	vm := NewHelixVM()
	if _, err := vm.Execute(ir); err == nil {
		t.Fatalf("expected a fault")
	}
	if err := vm.Step(); err == nil || !strings.Contains(err.Error(), "fresh vm") {
		t.Fatalf("Step from error state: %v", err)
	}
	if _, err := vm.ContinueExecution(); err == nil {
		t.Fatalf("ContinueExecution from error state must fail")
	}
}

func Test_VM_FaultCarriesStackTrace(t *testing.T) {
	ir := &HelixIR{
		Version:      BinaryFormatVersion,
		Constants:    []Value{StringValue("k"), StringValue("v")},
		Instructions: []Instruction{{Op: OpSetProperty, A: 3, B: 0, C: 1}},
	}
	vm := NewHelixVM()
	_, err := vm.Execute(ir)
	re, ok := err.(*RuntimeError)
	if !ok {
		t.Fatalf("want *RuntimeError, got %T", err)
	}
	if len(re.StackTrace) == 0 || !strings.HasPrefix(re.StackTrace[0], "pc=") {
		t.Fatalf("stack trace: %v", re.StackTrace)
	}
}

/* ---------- stack and memory ---------- */

func Test_VM_StackOverflowIsRecoverable(t *testing.T) {
	vm := NewHelixVM()
	for i := 0; i < StackCapacity; i++ {
		if err := vm.Push(NumberValue(float64(i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	err := vm.Push(NumberValue(0))
	wantRuntimeKind(t, err, RuntimeStackOverflow)
	// The fault is recoverable: popping frees a slot and pushing works again.
	if _, err := vm.Pop(); err != nil {
		t.Fatalf("pop after overflow: %v", err)
	}
	if err := vm.Push(NumberValue(1)); err != nil {
		t.Fatalf("push after pop: %v", err)
	}
	if vm.Registers().SP != StackCapacity {
		t.Fatalf("SP: %d", vm.Registers().SP)
	}
}

func Test_VM_StackUnderflowIsRecoverable(t *testing.T) {
	vm := NewHelixVM()
	_, err := vm.Pop()
	wantRuntimeKind(t, err, RuntimeStackUnderflow)
	if err := vm.Push(StringValue("x")); err != nil {
		t.Fatalf("push after underflow: %v", err)
	}
	v, err := vm.Pop()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if s, _ := v.AsString(); s != "x" {
		t.Fatalf("popped: %v", v)
	}
}

func Test_VM_MemoryReadOfUnsetAddressFaults(t *testing.T) {
	vm := NewHelixVM()
	_, err := vm.LoadMemory(42)
	wantRuntimeKind(t, err, RuntimeMemoryViolation)
	vm.StoreMemory(42, BoolValue(true))
	v, err := vm.LoadMemory(42)
	if err != nil {
		t.Fatalf("LoadMemory after store: %v", err)
	}
	if b, _ := v.AsBool(); !b {
		t.Fatalf("stored value: %v", v)
	}
	if vm.Stats().MemoryUsage != 1 {
		t.Fatalf("memory usage: %d", vm.Stats().MemoryUsage)
	}
}

/* ---------- breakpoints and stepping ---------- */

func Test_VM_BreakpointPausesExecution(t *testing.T) {
	ir := generate(t, `agent "a" { model = "m" }`, OptimizeNone)
	vm := NewHelixVM().WithDebug()
	vm.SetBreakpoint(2)

	config, err := vm.Execute(ir)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if config != nil {
		t.Fatalf("paused execution must not return a config")
	}
	if vm.State() != StatePaused {
		t.Fatalf("state: %v", vm.State())
	}
	if vm.Registers().PC != 2 {
		t.Fatalf("PC at pause: %d", vm.Registers().PC)
	}
	bp, ok := vm.BreakpointAt(2)
	if !ok || bp.HitCount != 1 {
		t.Fatalf("breakpoint: %+v", bp)
	}

	config, err = vm.ContinueExecution()
	if err != nil {
		t.Fatalf("ContinueExecution: %v", err)
	}
	if config == nil || vm.State() != StateHalted {
		t.Fatalf("resume should run to completion: state %v", vm.State())
	}
	if config.Agents["a"] == nil {
		t.Fatalf("config incomplete after resume")
	}
	if bp.HitCount != 1 {
		t.Fatalf("hit count after resume: %d", bp.HitCount)
	}
}

func Test_VM_StepExecutesOneInstruction(t *testing.T) {
	ir := generate(t, `agent "a" { model = "m" }`, OptimizeNone)
	vm := NewHelixVM().WithDebug()
	vm.SetBreakpoint(0)
	if _, err := vm.Execute(ir); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if vm.State() != StatePaused {
		t.Fatalf("state: %v", vm.State())
	}
	before := vm.Registers().PC
	if err := vm.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if vm.Registers().PC != before+1 {
		t.Fatalf("PC after step: %d", vm.Registers().PC)
	}
	if vm.State() != StatePaused {
		t.Fatalf("state after step: %v", vm.State())
	}
	// Stepping through the rest halts the machine.
	for vm.State() == StatePaused {
		if err := vm.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if vm.State() != StateHalted {
		t.Fatalf("final state: %v", vm.State())
	}
	if vm.Config().Agents["a"] == nil || vm.Config().Agents["a"].Model != "m" {
		t.Fatalf("config after stepping: %+v", vm.Config().Agents)
	}
}

func Test_VM_BreakpointAfterStepStillFires(t *testing.T) {
	// The execute-once exemption belongs to the address the VM paused on
	// via a breakpoint hit. Stepping onto the next address must not carry
	// it along: a never-hit breakpoint there fires on the following
	// ContinueExecution.
	ir := generate(t, `agent "a" { model = "m" }`, OptimizeNone)
	vm := NewHelixVM().WithDebug()
	vm.SetBreakpoint(2)
	vm.SetBreakpoint(3)

	if _, err := vm.Execute(ir); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if vm.State() != StatePaused || vm.Registers().PC != 2 {
		t.Fatalf("first pause: state %v at pc=%d", vm.State(), vm.Registers().PC)
	}
	if err := vm.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if vm.Registers().PC != 3 {
		t.Fatalf("PC after step: %d", vm.Registers().PC)
	}

	config, err := vm.ContinueExecution()
	if err != nil {
		t.Fatalf("ContinueExecution: %v", err)
	}
	if config != nil || vm.State() != StatePaused {
		t.Fatalf("breakpoint at the stepped-to address was skipped: state %v", vm.State())
	}
	bp, ok := vm.BreakpointAt(3)
	if !ok || bp.HitCount != 1 {
		t.Fatalf("breakpoint at pc=3: %+v", bp)
	}

	config, err = vm.ContinueExecution()
	if err != nil {
		t.Fatalf("final resume: %v", err)
	}
	if config == nil || vm.State() != StateHalted {
		t.Fatalf("final state: %v", vm.State())
	}
	if config.Agents["a"] == nil || config.Agents["a"].Model != "m" {
		t.Fatalf("config after resume: %+v", config.Agents)
	}
}

func Test_VM_RemovedBreakpointDoesNotFire(t *testing.T) {
	ir := generate(t, `agent "a" { model = "m" }
agent "b" { model = "m" }`, OptimizeNone)
	vm := NewHelixVM().WithDebug()
	vm.SetBreakpoint(2)
	vm.SetBreakpoint(4)
	if _, err := vm.Execute(ir); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if vm.Registers().PC != 2 {
		t.Fatalf("first pause PC: %d", vm.Registers().PC)
	}
	vm.RemoveBreakpoint(4)
	config, err := vm.ContinueExecution()
	if err != nil {
		t.Fatalf("ContinueExecution: %v", err)
	}
	if config == nil || vm.State() != StateHalted {
		t.Fatalf("removed breakpoint still fired: state %v", vm.State())
	}
}

func Test_VM_BreakpointsIgnoredWithoutDebug(t *testing.T) {
	ir := generate(t, `agent "a" { model = "m" }`, OptimizeNone)
	vm := NewHelixVM()
	vm.SetBreakpoint(0)
	config, err := vm.Execute(ir)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if config == nil || vm.State() != StateHalted {
		t.Fatalf("non-debug vm must ignore breakpoints: state %v", vm.State())
	}
}

func Test_VM_ResumeFromReadyFails(t *testing.T) {
	vm := NewHelixVM()
	if _, err := vm.ContinueExecution(); err == nil {
		t.Fatalf("resume from ready must fail")
	}
}

/* ---------- compile → serialize → execute ---------- */

func Test_VM_EndToEndThroughBinary(t *testing.T) {
	src := `agent "bot" {
	model = "gpt-4"
	capabilities [coding]
}`
	ir := generate(t, src, OptimizeStandard)
	path := filepath.Join(t.TempDir(), "bot.hlxb")
	if err := NewBinarySerializer(true).WriteFile(ir, path, BinaryMetadata{SourceHash: SourceHash(src)}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	config, err := NewVMExecutor().ExecuteFile(path)
	if err != nil {
		t.Fatalf("ExecuteFile: %v", err)
	}
	a := config.Agents["bot"]
	if a == nil || !reflect.DeepEqual(a.Capabilities, []string{"coding"}) {
		t.Fatalf("agent: %+v", a)
	}
}

func Test_VM_ExecuteFileMissing(t *testing.T) {
	_, err := NewVMExecutor().ExecuteFile(filepath.Join(t.TempDir(), "nope.hlxb"))
	wantRuntimeKind(t, err, RuntimeResourceNotFound)
}
