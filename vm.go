// vm.go — the register/stack machine that rebuilds a HelixConfig from IR.
//
// OVERVIEW
// --------
// The VM walks the instruction stream with a fetch-execute loop:
//
//	Ready → Running ⇄ Paused → Halted | Error
//
// Each Declare* instruction allocates the next owner id and creates the
// named entity in the config under construction; every Set*/Define*
// instruction attaches a member to a previously declared owner. A
// ResolveReference whose target was never declared earlier in the stream
// faults with InvalidInstruction — execution order is forward-reference
// free by construction, and the VM enforces it.
//
// Debug surface: breakpoints pause the loop before the instruction at
// their address runs and count their hits; resuming (continue or step)
// executes that instruction exactly once before breakpoints re-arm.
// A VM that reached Error refuses further stepping; start a fresh one.
//
// The value stack is bounded at StackCapacity and the stack pointer
// register always mirrors its length. Memory is a sparse address→value
// map: reads of unset addresses fault, writes always succeed. Call frames
// are allocated for future step-call composition but no current opcode
// pushes one.
package helix

import (
	"fmt"
	"strings"
)

/* ===========================
   PUBLIC API
   =========================== */

// StackCapacity bounds the VM value stack.
const StackCapacity = 1024

// ExecutionState is the VM lifecycle phase.
type ExecutionState int

const (
	StateReady ExecutionState = iota
	StateRunning
	StatePaused
	StateHalted
	StateError
)

func (s ExecutionState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateHalted:
		return "halted"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// VMFlags are the condition flags.
type VMFlags struct {
	Zero     bool
	Overflow bool
	Error    bool
	Halted   bool
}

// VMRegisters is the register file. SP mirrors the stack length at all
// times.
type VMRegisters struct {
	PC            int
	SP            int
	FP            int
	ReturnAddress int
	Flags         VMFlags
}

// Breakpoint pauses execution when its address is reached. Condition is
// stored for tooling but not evaluated.
type Breakpoint struct {
	Active    bool
	Condition string
	HitCount  int
}

// CallFrame models one nested step/task evaluation. Reserved: no current
// opcode pushes frames, but the trace and stats surfaces account for them.
type CallFrame struct {
	ReturnAddress int
	FramePointer  int
	Locals        map[uint32]Value
}

// VMStats is the execution statistics snapshot.
type VMStats struct {
	InstructionsExecuted uint64
	StackSize            int
	MemoryUsage          int
	CallDepth            int
}

// HelixVM executes compiled IR.
type HelixVM struct {
	program   *HelixIR
	registers VMRegisters
	stack     []Value
	memory    map[uint32]Value
	callStack []CallFrame

	config   *HelixConfig
	entities []vmEntity
	declared map[string]bool
	metadata map[string]Value

	state       ExecutionState
	stateMsg    string
	executed    uint64
	debugMode     bool
	breakpoints   map[int]*Breakpoint
	resumeFrom    int  // pc whose breakpoint is skipped once after resume; -1 when unarmed
	pausedOnBreak bool // the current pause was a breakpoint hit at PC
}

// NewHelixVM returns a VM in the Ready state.
func NewHelixVM() *HelixVM {
	return &HelixVM{
		memory:      make(map[uint32]Value),
		breakpoints: make(map[int]*Breakpoint),
		state:       StateReady,
		resumeFrom:  -1,
	}
}

// WithDebug enables breakpoint handling and returns the same VM.
func (vm *HelixVM) WithDebug() *HelixVM {
	vm.debugMode = true
	return vm
}

// Execute runs the program from the start. It returns the rebuilt config
// on completion, or (nil, nil) when a breakpoint paused execution — the
// caller resumes with ContinueExecution or Step.
func (vm *HelixVM) Execute(ir *HelixIR) (*HelixConfig, error) {
	vm.program = ir
	vm.registers.PC = 0
	vm.registers.Flags = VMFlags{}
	vm.config = NewHelixConfig()
	vm.entities = nil
	vm.declared = make(map[string]bool)
	vm.metadata = make(map[string]Value)
	vm.executed = 0
	vm.resumeFrom = -1
	vm.pausedOnBreak = false
	vm.state = StateRunning
	return vm.run()
}

// ContinueExecution resumes from Paused until the next breakpoint or the
// end of the program. When the pause was a breakpoint hit, the instruction
// at that address runs exactly once before its breakpoint re-arms; a pause
// that Step has since moved past carries no exemption, so a breakpoint at
// the new address still fires.
func (vm *HelixVM) ContinueExecution() (*HelixConfig, error) {
	if err := vm.resumable(); err != nil {
		return nil, err
	}
	if vm.pausedOnBreak {
		vm.resumeFrom = vm.registers.PC
		vm.pausedOnBreak = false
	}
	vm.state = StateRunning
	return vm.run()
}

// Step executes exactly one instruction from Paused. The state stays
// Paused unless the program ends (Halted) or the instruction faults.
func (vm *HelixVM) Step() error {
	if err := vm.resumable(); err != nil {
		return err
	}
	if err := vm.executeAt(vm.registers.PC); err != nil {
		return err
	}
	// Whatever instruction caused the pause has now run.
	vm.pausedOnBreak = false
	if vm.registers.PC >= len(vm.program.Instructions) {
		vm.halt()
	}
	return nil
}

// State returns the current lifecycle phase.
func (vm *HelixVM) State() ExecutionState { return vm.state }

// StateMessage returns the fault message when the state is Error.
func (vm *HelixVM) StateMessage() string { return vm.stateMsg }

// Registers returns a snapshot of the register file.
func (vm *HelixVM) Registers() VMRegisters { return vm.registers }

// Config returns the config rebuilt so far. It is complete only once the
// state is Halted.
func (vm *HelixVM) Config() *HelixConfig { return vm.config }

// Metadata returns the artifact metadata folded in by SetMetadata
// instructions.
func (vm *HelixVM) Metadata() map[string]Value { return vm.metadata }

// Stats snapshots the execution counters.
func (vm *HelixVM) Stats() VMStats {
	return VMStats{
		InstructionsExecuted: vm.executed,
		StackSize:            len(vm.stack),
		MemoryUsage:          len(vm.memory),
		CallDepth:            len(vm.callStack),
	}
}

// SetBreakpoint registers an active breakpoint at the instruction address.
func (vm *HelixVM) SetBreakpoint(addr int) {
	vm.breakpoints[addr] = &Breakpoint{Active: true}
}

// RemoveBreakpoint drops the breakpoint at addr, if any.
func (vm *HelixVM) RemoveBreakpoint(addr int) {
	delete(vm.breakpoints, addr)
}

// BreakpointAt returns the breakpoint registered at addr.
func (vm *HelixVM) BreakpointAt(addr int) (*Breakpoint, bool) {
	bp, ok := vm.breakpoints[addr]
	return bp, ok
}

// Breakpoints returns the live breakpoint table keyed by address.
func (vm *HelixVM) Breakpoints() map[int]*Breakpoint { return vm.breakpoints }

// Push appends to the value stack, failing with StackOverflow at capacity.
// Both stack faults are recoverable: they do not poison the VM state.
func (vm *HelixVM) Push(v Value) error {
	if len(vm.stack) >= StackCapacity {
		return &RuntimeError{
			Kind:       RuntimeStackOverflow,
			Msg:        fmt.Sprintf("push would exceed stack capacity %d", StackCapacity),
			PC:         uint32(vm.registers.PC),
			StackTrace: vm.stackTrace(),
		}
	}
	vm.stack = append(vm.stack, v)
	vm.registers.SP = len(vm.stack)
	return nil
}

// Pop removes and returns the top of the value stack, failing with
// StackUnderflow when empty.
func (vm *HelixVM) Pop() (Value, error) {
	if len(vm.stack) == 0 {
		return Value{}, &RuntimeError{
			Kind:       RuntimeStackUnderflow,
			Msg:        "pop on empty stack",
			PC:         uint32(vm.registers.PC),
			StackTrace: vm.stackTrace(),
		}
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	vm.registers.SP = len(vm.stack)
	return v, nil
}

// LoadMemory reads a sparse memory address; unset addresses fault.
func (vm *HelixVM) LoadMemory(addr uint32) (Value, error) {
	v, ok := vm.memory[addr]
	if !ok {
		return Value{}, &RuntimeError{
			Kind:       RuntimeMemoryViolation,
			Msg:        fmt.Sprintf("read of unset address %d", addr),
			PC:         uint32(vm.registers.PC),
			StackTrace: vm.stackTrace(),
		}
	}
	return v, nil
}

// StoreMemory writes a sparse memory address. Writes always succeed.
func (vm *HelixVM) StoreMemory(addr uint32, v Value) {
	vm.memory[addr] = v
}

// VMExecutor is the file-level execution surface: load a .hlxb, run it,
// hand back the config.
type VMExecutor struct {
	vm     *HelixVM
	loader *BinaryLoader
}

// NewVMExecutor returns an executor with a fresh VM.
func NewVMExecutor() *VMExecutor {
	return &VMExecutor{vm: NewHelixVM(), loader: NewBinaryLoader()}
}

// ExecuteFile loads and runs a compiled .hlxb file.
func (x *VMExecutor) ExecuteFile(path string) (*HelixConfig, error) {
	ir, _, err := x.loader.LoadFile(path)
	if err != nil {
		return nil, &RuntimeError{Kind: RuntimeResourceNotFound, Msg: err.Error()}
	}
	return x.vm.Execute(ir)
}

// ExecuteWithDebug runs the file on a fresh debug-mode VM.
func (x *VMExecutor) ExecuteWithDebug(path string) (*HelixConfig, error) {
	x.vm = NewHelixVM().WithDebug()
	return x.ExecuteFile(path)
}

// VM exposes the underlying machine for the debug surface.
func (x *VMExecutor) VM() *HelixVM { return x.vm }

//// END_OF_PUBLIC

/* ===========================
   PRIVATE: fetch-execute loop
   =========================== */

type vmEntity struct {
	kind Opcode
	name string
}

func (vm *HelixVM) resumable() error {
	switch vm.state {
	case StatePaused:
		return nil
	case StateError:
		return &RuntimeError{
			Kind: RuntimeExecution,
			Msg:  "vm is in the error state; start a fresh vm",
			PC:   uint32(vm.registers.PC),
		}
	default:
		return &RuntimeError{
			Kind: RuntimeExecution,
			Msg:  fmt.Sprintf("cannot resume from the %s state", vm.state),
			PC:   uint32(vm.registers.PC),
		}
	}
}

func (vm *HelixVM) run() (*HelixConfig, error) {
	for vm.registers.PC < len(vm.program.Instructions) && vm.state == StateRunning {
		pc := vm.registers.PC
		if vm.debugMode && pc != vm.resumeFrom {
			if bp, ok := vm.breakpoints[pc]; ok && bp.Active {
				bp.HitCount++
				vm.state = StatePaused
				vm.pausedOnBreak = true
				return nil, nil
			}
		}
		if err := vm.executeAt(pc); err != nil {
			return nil, err
		}
	}
	if vm.state == StateRunning {
		vm.halt()
	}
	if vm.state == StateHalted {
		return vm.config, nil
	}
	return nil, nil
}

func (vm *HelixVM) halt() {
	vm.state = StateHalted
	vm.registers.Flags.Halted = true
}

// executeAt runs one instruction and advances the program counter.
func (vm *HelixVM) executeAt(pc int) error {
	in := vm.program.Instructions[pc]
	if err := vm.dispatch(in); err != nil {
		vm.state = StateError
		vm.registers.Flags.Error = true
		vm.stateMsg = err.Error()
		return err
	}
	vm.registers.PC = pc + 1
	vm.executed++
	if vm.resumeFrom == pc {
		vm.resumeFrom = -1
	}
	return nil
}

func (vm *HelixVM) fault(kind RuntimeErrorKind, format string, args ...interface{}) error {
	return &RuntimeError{
		Kind:       kind,
		Msg:        fmt.Sprintf(format, args...),
		PC:         uint32(vm.registers.PC),
		StackTrace: vm.stackTrace(),
	}
}

// stackTrace lists the program counter and every live call frame's return
// address, oldest first.
func (vm *HelixVM) stackTrace() []string {
	trace := []string{fmt.Sprintf("pc=%d", vm.registers.PC)}
	for i, frame := range vm.callStack {
		trace = append(trace, fmt.Sprintf("frame %d: return address %d", i, frame.ReturnAddress))
	}
	return trace
}

func (vm *HelixVM) constant(idx uint32) (Value, error) {
	if int(idx) >= len(vm.program.Constants) {
		return Value{}, vm.fault(RuntimeInvalidInstruction, "constant index %d out of range", idx)
	}
	return vm.program.Constants[idx], nil
}

func (vm *HelixVM) constantString(idx uint32) (string, error) {
	v, err := vm.constant(idx)
	if err != nil {
		return "", err
	}
	s, ok := v.AsString()
	if !ok {
		return "", vm.fault(RuntimeInvalidInstruction, "constant %d is not a string", idx)
	}
	return s, nil
}

func (vm *HelixVM) owner(id uint32) (vmEntity, error) {
	if int(id) >= len(vm.entities) {
		return vmEntity{}, vm.fault(RuntimeInvalidInstruction, "owner id %d was never declared", id)
	}
	return vm.entities[id], nil
}

func (vm *HelixVM) dispatch(in Instruction) error {
	if in.Op.IsDeclare() {
		name, err := vm.constantString(in.A)
		if err != nil {
			return err
		}
		return vm.declare(in.Op, name)
	}
	switch in.Op {
	case OpSetProperty:
		return vm.setProperty(in)
	case OpSetCapability:
		return vm.setCapability(in)
	case OpSetSecret:
		return vm.setSecret(in)
	case OpDefineStep:
		return vm.defineStep(in)
	case OpDefinePipeline:
		return vm.definePipeline(in)
	case OpResolveReference:
		return vm.resolveReference(in)
	case OpSetMetadata:
		return vm.setMetadata(in)
	}
	return vm.fault(RuntimeInvalidInstruction, "unknown opcode %d", byte(in.Op))
}

/* ===========================
   PRIVATE: instruction handlers
   =========================== */

func (vm *HelixVM) declare(op Opcode, name string) error {
	switch op {
	case OpDeclareProject:
		vm.config.Projects[name] = &ProjectConfig{Name: name, Metadata: make(map[string]Value)}
	case OpDeclareAgent:
		vm.config.Agents[name] = &AgentConfig{Name: name}
	case OpDeclareWorkflow:
		vm.config.Workflows[name] = &WorkflowConfig{Name: name}
	case OpDeclareMemory:
		vm.config.Memory = &MemoryConfig{Persistence: true}
	case OpDeclareContext:
		vm.config.Contexts[name] = &ContextConfig{
			Name:      name,
			Secrets:   make(map[string]SecretRef),
			Variables: make(map[string]Value),
		}
	case OpDeclareCrew:
		vm.config.Crews[name] = &CrewConfig{Name: name}
	case OpDeclarePipeline:
		if name == "" {
			name = "default"
		}
		vm.config.Pipelines[name] = &PipelineConfig{Name: name}
	case OpDeclarePlugin:
		vm.config.Plugins = append(vm.config.Plugins, &PluginConfig{
			Name:    name,
			Version: "latest",
			Config:  make(map[string]Value),
		})
	case OpDeclareDatabase:
		vm.config.Databases[name] = &DatabaseConfig{Name: name, Properties: make(map[string]Value)}
	case OpDeclareSection:
		vm.config.Sections[name] = make(map[string]Value)
	}
	vm.entities = append(vm.entities, vmEntity{kind: op, name: name})
	vm.declared[name] = true
	return nil
}

func (vm *HelixVM) setProperty(in Instruction) error {
	owner, err := vm.owner(in.A)
	if err != nil {
		return err
	}
	key, err := vm.constantString(in.B)
	if err != nil {
		return err
	}
	value, err := vm.constant(in.C)
	if err != nil {
		return err
	}
	switch owner.kind {
	case OpDeclareProject:
		vm.setProjectProperty(vm.config.Projects[owner.name], key, value)
	case OpDeclareAgent:
		vm.setAgentProperty(vm.config.Agents[owner.name], key, value)
	case OpDeclareWorkflow:
		vm.setWorkflowProperty(vm.config.Workflows[owner.name], key, value)
	case OpDeclareMemory:
		vm.setMemoryProperty(vm.config.Memory, key, value)
	case OpDeclareContext:
		vm.setContextProperty(vm.config.Contexts[owner.name], key, value)
	case OpDeclareCrew:
		vm.setCrewProperty(vm.config.Crews[owner.name], key, value)
	case OpDeclarePipeline:
		// Pipeline shape arrives via DefinePipeline; no loose properties.
	case OpDeclarePlugin:
		vm.setPluginProperty(vm.lastPlugin(owner.name), key, value)
	case OpDeclareDatabase:
		vm.setDatabaseProperty(vm.config.Databases[owner.name], key, value)
	case OpDeclareSection:
		vm.config.Sections[owner.name][key] = value
	}
	return nil
}

func (vm *HelixVM) setCapability(in Instruction) error {
	owner, err := vm.owner(in.A)
	if err != nil {
		return err
	}
	if owner.kind != OpDeclareAgent {
		return vm.fault(RuntimeInvalidInstruction, "SET_CAPABILITY on %s owner", owner.kind)
	}
	cap, err := vm.constantString(in.B)
	if err != nil {
		return err
	}
	agent := vm.config.Agents[owner.name]
	agent.Capabilities = append(agent.Capabilities, cap)
	return nil
}

func (vm *HelixVM) setSecret(in Instruction) error {
	owner, err := vm.owner(in.A)
	if err != nil {
		return err
	}
	if owner.kind != OpDeclareContext {
		return vm.fault(RuntimeInvalidInstruction, "SET_SECRET on %s owner", owner.kind)
	}
	key, err := vm.constantString(in.B)
	if err != nil {
		return err
	}
	value, err := vm.constant(in.C)
	if err != nil {
		return err
	}
	vm.config.Contexts[owner.name].Secrets[key] = secretFromValue(value)
	return nil
}

func (vm *HelixVM) defineStep(in Instruction) error {
	owner, err := vm.owner(in.A)
	if err != nil {
		return err
	}
	if owner.kind != OpDeclareWorkflow {
		return vm.fault(RuntimeInvalidInstruction, "DEFINE_STEP on %s owner", owner.kind)
	}
	name, err := vm.constantString(in.B)
	if err != nil {
		return err
	}
	payload, err := vm.constant(in.C)
	if err != nil {
		return err
	}
	fields, ok := payload.AsObject()
	if !ok {
		return vm.fault(RuntimeInvalidInstruction, "step payload for %q is not an object", name)
	}
	wf := vm.config.Workflows[owner.name]
	wf.Steps = append(wf.Steps, stepFromValues(name, fields))
	return nil
}

func (vm *HelixVM) definePipeline(in Instruction) error {
	owner, err := vm.owner(in.A)
	if err != nil {
		return err
	}
	name, err := vm.constantString(in.B)
	if err != nil {
		return err
	}
	if name == "" {
		name = "default"
	}
	flow, err := vm.constant(in.C)
	if err != nil {
		return err
	}
	stages := valueStringArray(flow)
	pipe := &PipelineConfig{Name: name, Stages: stages, Flow: strings.Join(stages, " -> ")}
	switch owner.kind {
	case OpDeclareWorkflow:
		vm.config.Workflows[owner.name].Pipeline = pipe
	case OpDeclarePipeline:
		vm.config.Pipelines[owner.name] = pipe
	default:
		return vm.fault(RuntimeInvalidInstruction, "DEFINE_PIPELINE on %s owner", owner.kind)
	}
	return nil
}

func (vm *HelixVM) resolveReference(in Instruction) error {
	if _, err := vm.owner(in.A); err != nil {
		return err
	}
	name, err := vm.constantString(in.B)
	if err != nil {
		return err
	}
	if !vm.declared[name] {
		return vm.fault(RuntimeInvalidInstruction, "reference to %q before its declaration", name)
	}
	return nil
}

func (vm *HelixVM) setMetadata(in Instruction) error {
	key, err := vm.constantString(in.A)
	if err != nil {
		return err
	}
	value, err := vm.constant(in.B)
	if err != nil {
		return err
	}
	vm.metadata[key] = value
	return nil
}

/* ===========================
   PRIVATE: typed attachment
   =========================== */

// lastPlugin finds the most recently declared plugin with the name.
// Plugins live in a list, not a map, because declaration order matters to
// load order.
func (vm *HelixVM) lastPlugin(name string) *PluginConfig {
	for i := len(vm.config.Plugins) - 1; i >= 0; i-- {
		if vm.config.Plugins[i].Name == name {
			return vm.config.Plugins[i]
		}
	}
	return nil
}

func (vm *HelixVM) setProjectProperty(cfg *ProjectConfig, key string, v Value) {
	switch key {
	case "version":
		cfg.Version, _ = v.AsString()
	case "author":
		cfg.Author, _ = v.AsString()
	case "description":
		cfg.Description, _ = v.AsString()
	default:
		cfg.Metadata[key] = v
	}
}

func (vm *HelixVM) setAgentProperty(cfg *AgentConfig, key string, v Value) {
	switch key {
	case "model":
		cfg.Model, _ = v.AsString()
	case "role":
		cfg.Role, _ = v.AsString()
	case "temperature":
		if n, ok := v.AsNumber(); ok {
			cfg.Temperature = &n
		}
	case "max_tokens":
		if n, ok := v.AsNumber(); ok {
			mt := uint32(n)
			cfg.MaxTokens = &mt
		}
	case "backstory":
		cfg.Backstory, _ = v.AsString()
	case "tools":
		cfg.Tools = valueStringArray(v)
	case "constraints":
		cfg.Constraints = valueStringArray(v)
	}
}

func (vm *HelixVM) setWorkflowProperty(cfg *WorkflowConfig, key string, v Value) {
	switch key {
	case "trigger":
		cfg.Trigger = triggerFromValue(v)
	case "outputs":
		cfg.Outputs = valueStringArray(v)
	case "on_error":
		cfg.OnError, _ = v.AsString()
	}
}

func (vm *HelixVM) setMemoryProperty(cfg *MemoryConfig, key string, v Value) {
	switch key {
	case "provider":
		cfg.Provider, _ = v.AsString()
	case "connection":
		cfg.Connection, _ = v.AsString()
	case "cache_size":
		if n, ok := v.AsNumber(); ok {
			cs := int(n)
			cfg.CacheSize = &cs
		}
	case "persistence":
		if b, ok := v.AsBool(); ok {
			cfg.Persistence = b
		}
	case "embeddings":
		if m, ok := v.AsObject(); ok {
			cfg.Embeddings = embeddingsFromValues(m)
		}
	}
}

func (vm *HelixVM) setContextProperty(cfg *ContextConfig, key string, v Value) {
	switch key {
	case "environment":
		cfg.Environment, _ = v.AsString()
	case "debug":
		cfg.Debug, _ = v.AsBool()
	case "max_tokens":
		if n, ok := v.AsNumber(); ok {
			mt := uint64(n)
			cfg.MaxTokens = &mt
		}
	default:
		cfg.Variables[key] = v
	}
}

func (vm *HelixVM) setCrewProperty(cfg *CrewConfig, key string, v Value) {
	switch key {
	case "agents":
		cfg.Agents = valueStringArray(v)
	case "process":
		s, _ := v.AsString()
		cfg.ProcessType = ParseProcessType(s)
	case "manager":
		cfg.Manager, _ = v.AsString()
	case "max_iterations":
		if n, ok := v.AsNumber(); ok {
			mi := uint32(n)
			cfg.MaxIterations = &mi
		}
	case "verbose":
		cfg.Verbose, _ = v.AsBool()
	}
}

func (vm *HelixVM) setPluginProperty(cfg *PluginConfig, key string, v Value) {
	if cfg == nil {
		return
	}
	switch key {
	case "source":
		cfg.Source, _ = v.AsString()
	case "version":
		if s, ok := v.AsString(); ok && s != "" {
			cfg.Version = s
		}
	default:
		cfg.Config[key] = v
	}
}

func (vm *HelixVM) setDatabaseProperty(cfg *DatabaseConfig, key string, v Value) {
	switch key {
	case "path":
		cfg.Path, _ = v.AsString()
	case "shards":
		if n, ok := v.AsNumber(); ok {
			shards := int64(n)
			cfg.Shards = &shards
		}
	case "compression":
		if b, ok := v.AsBool(); ok {
			cfg.Compression = &b
		}
	case "cache_size":
		if n, ok := v.AsNumber(); ok {
			cs := int64(n)
			cfg.CacheSize = &cs
		}
	case "vector_index":
		if m, ok := v.AsObject(); ok {
			cfg.VectorIndex = vectorIndexFromValues(m)
		}
	default:
		cfg.Properties[key] = v
	}
}

/* ===========================
   PRIVATE: value projections
   =========================== */

func valueStringArray(v Value) []string {
	items, ok := v.AsArray()
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.AsString(); ok {
			out = append(out, s)
		}
	}
	return out
}

func fieldString(m map[string]Value, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

func fieldNumber(m map[string]Value, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return v.AsNumber()
}

func triggerFromValue(v Value) TriggerConfig {
	s, ok := v.AsString()
	if !ok {
		return TriggerConfig{Kind: TriggerManual}
	}
	switch {
	case strings.HasPrefix(s, "schedule:"):
		return TriggerConfig{Kind: TriggerSchedule, Value: strings.TrimPrefix(s, "schedule:")}
	case strings.HasPrefix(s, "webhook:"):
		return TriggerConfig{Kind: TriggerWebhook, Value: strings.TrimPrefix(s, "webhook:")}
	case strings.HasPrefix(s, "event:"):
		return TriggerConfig{Kind: TriggerEvent, Value: strings.TrimPrefix(s, "event:")}
	case strings.HasPrefix(s, "file:"):
		return TriggerConfig{Kind: TriggerFileWatch, Value: strings.TrimPrefix(s, "file:")}
	default:
		return TriggerConfig{Kind: TriggerManual}
	}
}

// secretFromValue reverses the SetSecret encoding: "$NAME" is an
// environment lookup, "vault:"/"file:" prefixes select those stores.
func secretFromValue(v Value) SecretRef {
	s, _ := v.AsString()
	switch {
	case strings.HasPrefix(s, "$"):
		return SecretRef{Kind: SecretEnvironment, Value: strings.TrimPrefix(s, "$")}
	case strings.HasPrefix(s, "vault:"):
		return SecretRef{Kind: SecretVault, Value: strings.TrimPrefix(s, "vault:")}
	case strings.HasPrefix(s, "file:"):
		return SecretRef{Kind: SecretFile, Value: strings.TrimPrefix(s, "file:")}
	default:
		return SecretRef{Kind: SecretEnvironment, Value: s}
	}
}

func stepFromValues(name string, fields map[string]Value) *StepConfig {
	step := &StepConfig{Name: name}
	step.Agent, _ = fieldString(fields, "agent")
	step.Task, _ = fieldString(fields, "task")
	if v, ok := fields["crew"]; ok {
		step.Crew = valueStringArray(v)
	}
	if v, ok := fields["timeout"]; ok {
		if d, ok := v.AsDuration(); ok {
			step.Timeout = &d
		}
	}
	if v, ok := fields["parallel"]; ok {
		step.Parallel, _ = v.AsBool()
	}
	if v, ok := fields["depends_on"]; ok {
		step.DependsOn = valueStringArray(v)
	}
	if v, ok := fields["retry"]; ok {
		if m, ok := v.AsObject(); ok {
			step.Retry = retryFromValues(m)
		}
	}
	return step
}

func retryFromValues(m map[string]Value) *RetryConfig {
	attempts, ok := fieldNumber(m, "max_attempts")
	if !ok {
		return nil
	}
	v, ok := m["delay"]
	if !ok {
		return nil
	}
	delay, ok := v.AsDuration()
	if !ok {
		return nil
	}
	backoff := BackoffFixed
	if s, ok := fieldString(m, "backoff"); ok {
		switch s {
		case "linear":
			backoff = BackoffLinear
		case "exponential":
			backoff = BackoffExponential
		}
	}
	return &RetryConfig{MaxAttempts: uint32(attempts), Delay: delay, Backoff: backoff}
}

func embeddingsFromValues(m map[string]Value) EmbeddingConfig {
	cfg := EmbeddingConfig{}
	cfg.Model, _ = fieldString(m, "model")
	if n, ok := fieldNumber(m, "dimensions"); ok {
		cfg.Dimensions = uint32(n)
	}
	if n, ok := fieldNumber(m, "batch_size"); ok {
		bs := uint32(n)
		cfg.BatchSize = &bs
	}
	return cfg
}

func vectorIndexFromValues(m map[string]Value) *VectorIndexConfig {
	cfg := &VectorIndexConfig{}
	cfg.IndexType, _ = fieldString(m, "type")
	if n, ok := fieldNumber(m, "dimensions"); ok {
		cfg.Dimensions = int64(n)
	}
	if n, ok := fieldNumber(m, "m"); ok {
		mm := int64(n)
		cfg.M = &mm
	}
	if n, ok := fieldNumber(m, "ef_construction"); ok {
		ef := int64(n)
		cfg.EfConstruction = &ef
	}
	cfg.DistanceMetric, _ = fieldString(m, "distance_metric")
	return cfg
}
