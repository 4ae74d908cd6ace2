// codegen.go — lowering the AST to a linear instruction stream.
//
// OVERVIEW
// --------
// Generate walks declarations in source order and emits, per declaration,
// one Declare* instruction followed by one Set*/Define* instruction per
// member. Instructions address a deduplicated constant pool: the interner
// hands out one index per distinct value, so "gpt-4" written twenty times
// costs one pool slot.
//
// Ordering is load-bearing. Declaration order and property order inside a
// declaration are preserved exactly as written, because the VM enforces
// declare-before-use and because humans diff decompiled output against the
// source. The optimizer is only allowed passes that keep that property:
// dead-store elimination (a later write to the same owner/key wins), pool
// compaction (drop constants nothing references, remap indices), and
// metadata stripping at the aggressive level.
package helix

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

/* ===========================
   PUBLIC API
   =========================== */

// Opcode identifies one VM instruction.
type Opcode byte

const (
	OpDeclareProject Opcode = iota
	OpDeclareAgent
	OpDeclareWorkflow
	OpDeclareMemory
	OpDeclareContext
	OpDeclareCrew
	OpDeclarePipeline
	OpDeclarePlugin
	OpDeclareDatabase
	OpDeclareSection
	OpSetProperty      // owner id, key idx, value idx
	OpSetCapability    // owner id, value idx
	OpSetSecret        // owner id, key idx, value idx
	OpDefineStep       // owner id, name idx, payload idx (object)
	OpDefinePipeline   // owner id, name idx, flow idx (array)
	OpResolveReference // owner id, name idx
	OpSetMetadata      // key idx, value idx
)

var opcodeNames = map[Opcode]string{
	OpDeclareProject:   "DECLARE_PROJECT",
	OpDeclareAgent:     "DECLARE_AGENT",
	OpDeclareWorkflow:  "DECLARE_WORKFLOW",
	OpDeclareMemory:    "DECLARE_MEMORY",
	OpDeclareContext:   "DECLARE_CONTEXT",
	OpDeclareCrew:      "DECLARE_CREW",
	OpDeclarePipeline:  "DECLARE_PIPELINE",
	OpDeclarePlugin:    "DECLARE_PLUGIN",
	OpDeclareDatabase:  "DECLARE_DATABASE",
	OpDeclareSection:   "DECLARE_SECTION",
	OpSetProperty:      "SET_PROPERTY",
	OpSetCapability:    "SET_CAPABILITY",
	OpSetSecret:        "SET_SECRET",
	OpDefineStep:       "DEFINE_STEP",
	OpDefinePipeline:   "DEFINE_PIPELINE",
	OpResolveReference: "RESOLVE_REFERENCE",
	OpSetMetadata:      "SET_METADATA",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP_%d", byte(op))
}

// OpcodeArity returns how many of an instruction's three operand slots the
// opcode uses. The serializer writes exactly that many operands per
// instruction; unused slots are zero.
func OpcodeArity(op Opcode) (int, bool) {
	switch op {
	case OpDeclareProject, OpDeclareAgent, OpDeclareWorkflow, OpDeclareMemory,
		OpDeclareContext, OpDeclareCrew, OpDeclarePipeline, OpDeclarePlugin,
		OpDeclareDatabase, OpDeclareSection:
		return 1, true
	case OpSetCapability, OpResolveReference, OpSetMetadata:
		return 2, true
	case OpSetProperty, OpSetSecret, OpDefineStep, OpDefinePipeline:
		return 3, true
	}
	return 0, false
}

// IsDeclare reports whether the opcode introduces a new entity (and thus
// allocates an owner id).
func (op Opcode) IsDeclare() bool {
	return op <= OpDeclareSection
}

// Instruction is one fixed-width VM instruction. Declare* instructions use
// A as the name's constant index; Set*/Define* instructions use A as the
// owner entity id and B/C as constant indices per the opcode table above.
type Instruction struct {
	Op Opcode
	A  uint32
	B  uint32
	C  uint32
}

func (in Instruction) String() string {
	arity, _ := OpcodeArity(in.Op)
	switch arity {
	case 1:
		return fmt.Sprintf("%s %d", in.Op, in.A)
	case 2:
		return fmt.Sprintf("%s %d, %d", in.Op, in.A, in.B)
	default:
		return fmt.Sprintf("%s %d, %d, %d", in.Op, in.A, in.B, in.C)
	}
}

// HelixIR is the compiled program: a constant pool plus the instruction
// stream that rebuilds a HelixConfig when executed.
type HelixIR struct {
	Version      uint32
	Instructions []Instruction
	Constants    []Value
}

// OptimizeLevel selects the optimizer passes applied after generation.
type OptimizeLevel int

const (
	OptimizeNone       OptimizeLevel = iota // as emitted
	OptimizeBasic                           // dead-store elimination
	OptimizeStandard                        // + constant pool compaction
	OptimizeAggressive                      // + strip metadata instructions
)

// Generate lowers an AST to IR at the standard optimization level.
func Generate(ast *HelixAst) *HelixIR {
	return GenerateOptimized(ast, OptimizeStandard)
}

// GenerateOptimized lowers an AST to IR and runs the optimizer at the given
// level.
func GenerateOptimized(ast *HelixAst, level OptimizeLevel) *HelixIR {
	g := &codegen{pool: newInterner(), declared: make(map[string]bool)}
	g.emitMetadata(ast)
	for _, decl := range ast.Declarations {
		g.emitDeclaration(decl)
	}
	ir := &HelixIR{
		Version:      BinaryFormatVersion,
		Instructions: g.instructions,
		Constants:    g.pool.values,
	}
	Optimize(ir, level)
	return ir
}

// Optimize rewrites the IR in place according to the level.
func Optimize(ir *HelixIR, level OptimizeLevel) {
	if level >= OptimizeAggressive {
		stripMetadata(ir)
	}
	if level >= OptimizeBasic {
		eliminateDeadStores(ir)
	}
	if level >= OptimizeStandard {
		compactPool(ir)
	}
}

// Validate checks that every operand index is in bounds, so a deserialized
// stream cannot address past the pool.
func (ir *HelixIR) Validate() error {
	pool := uint32(len(ir.Constants))
	owners := uint32(0)
	for pc, in := range ir.Instructions {
		arity, ok := OpcodeArity(in.Op)
		if !ok {
			return &BinaryError{Kind: BinaryCorrupted, Msg: fmt.Sprintf("unknown opcode %d at pc=%d", byte(in.Op), pc)}
		}
		operands := [3]uint32{in.A, in.B, in.C}
		start := 0
		if !in.Op.IsDeclare() && in.Op != OpSetMetadata {
			if in.A >= owners {
				return &BinaryError{Kind: BinaryCorrupted, Msg: fmt.Sprintf("owner id %d out of range at pc=%d", in.A, pc)}
			}
			start = 1
		}
		for i := start; i < arity; i++ {
			if operands[i] >= pool {
				return &BinaryError{Kind: BinaryCorrupted, Msg: fmt.Sprintf("constant index %d out of range at pc=%d", operands[i], pc)}
			}
		}
		if in.Op.IsDeclare() {
			owners++
		}
	}
	return nil
}

// Disassemble renders the instruction stream with resolved constants, one
// line per instruction.
func (ir *HelixIR) Disassemble() []string {
	lines := make([]string, len(ir.Instructions))
	for pc, in := range ir.Instructions {
		lines[pc] = fmt.Sprintf("%04d  %-18s %s", pc, in.Op.String(), ir.operandString(in))
	}
	return lines
}

//// END_OF_PUBLIC

func (ir *HelixIR) operandString(in Instruction) string {
	constAt := func(idx uint32) string {
		if int(idx) < len(ir.Constants) {
			return ir.Constants[idx].String()
		}
		return fmt.Sprintf("<bad:%d>", idx)
	}
	arity, _ := OpcodeArity(in.Op)
	if in.Op.IsDeclare() {
		return constAt(in.A)
	}
	if in.Op == OpSetMetadata {
		return constAt(in.A) + " = " + constAt(in.B)
	}
	parts := []string{fmt.Sprintf("#%d", in.A)}
	if arity >= 2 {
		parts = append(parts, constAt(in.B))
	}
	if arity >= 3 {
		parts = append(parts, constAt(in.C))
	}
	return strings.Join(parts, ", ")
}

/* ===========================
   PRIVATE: constant interner
   =========================== */

type interner struct {
	values []Value
	index  map[string]uint32
}

func newInterner() *interner {
	return &interner{index: make(map[string]uint32)}
}

// intern returns the pool index for v, reusing an existing slot when an
// equal value was interned before.
func (it *interner) intern(v Value) uint32 {
	key := constKey(v)
	if idx, ok := it.index[key]; ok {
		return idx
	}
	idx := uint32(len(it.values))
	it.values = append(it.values, v)
	it.index[key] = idx
	return idx
}

// constKey builds a canonical encoding used for value-equality dedup.
// Object keys are sorted so insertion order cannot split equal objects.
func constKey(v Value) string {
	switch v.Tag {
	case ValueString:
		s, _ := v.AsString()
		return "s:" + s
	case ValueNumber:
		n, _ := v.AsNumber()
		return "n:" + strconv.FormatFloat(n, 'g', -1, 64)
	case ValueBool:
		b, _ := v.AsBool()
		if b {
			return "b:1"
		}
		return "b:0"
	case ValueNull:
		return "z"
	case ValueDuration:
		d, _ := v.AsDuration()
		return "d:" + strconv.FormatUint(d.Value, 10) + d.Unit.Suffix()
	case ValueReference:
		s, _ := v.AsString()
		return "r:" + s
	case ValueArray:
		items, _ := v.AsArray()
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = constKey(item)
		}
		return "a:[" + strings.Join(parts, ",") + "]"
	case ValueObject:
		m, _ := v.AsObject()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = strconv.Quote(k) + "=" + constKey(m[k])
		}
		return "o:{" + strings.Join(parts, ",") + "}"
	}
	return "?"
}

/* ===========================
   PRIVATE: emission
   =========================== */

type codegen struct {
	instructions []Instruction
	pool         *interner
	nextOwner    uint32
	declared     map[string]bool
}

func (g *codegen) emit(in Instruction) {
	g.instructions = append(g.instructions, in)
}

// declare emits a Declare* instruction and returns the new entity's owner
// id for the member instructions that follow.
func (g *codegen) declare(op Opcode, name string) uint32 {
	g.emit(Instruction{Op: op, A: g.pool.intern(StringValue(name))})
	g.declared[name] = true
	id := g.nextOwner
	g.nextOwner++
	return id
}

func (g *codegen) setProperty(owner uint32, key string, v Value) {
	g.emit(Instruction{
		Op: OpSetProperty,
		A:  owner,
		B:  g.pool.intern(StringValue(key)),
		C:  g.pool.intern(v),
	})
}

// setExpr lowers an expression property; plain references to an entity
// declared earlier in the stream additionally emit a ResolveReference so
// the VM re-verifies the declare-before-use order. Forward references stay
// as plain reference values and defer to the runtime operator layer.
func (g *codegen) setExpr(owner uint32, key string, e Expression) {
	g.setProperty(owner, key, ExpressionToValue(e))
	if e.Kind == ExprReference {
		if r, _ := e.AsReference(); r.Key == "" && g.declared[r.Name] {
			g.emit(Instruction{
				Op: OpResolveReference,
				A:  owner,
				B:  g.pool.intern(StringValue(r.Name)),
			})
		}
	}
}

func (g *codegen) setProperties(owner uint32, props *Properties) {
	if props == nil {
		return
	}
	for _, key := range props.Keys() {
		e, _ := props.Get(key)
		g.setExpr(owner, key, e)
	}
}

func (g *codegen) emitMetadata(ast *HelixAst) {
	g.emit(Instruction{
		Op: OpSetMetadata,
		A:  g.pool.intern(StringValue("compiler_version")),
		B:  g.pool.intern(StringValue(Version)),
	})
	g.emit(Instruction{
		Op: OpSetMetadata,
		A:  g.pool.intern(StringValue("declarations")),
		B:  g.pool.intern(NumberValue(float64(len(ast.Declarations)))),
	})
}

func (g *codegen) emitDeclaration(decl Declaration) {
	switch v := decl.Data.(type) {
	case *ProjectDecl:
		owner := g.declare(OpDeclareProject, v.Name)
		g.setProperties(owner, v.Properties)
	case *AgentDecl:
		g.emitAgent(v)
	case *WorkflowDecl:
		g.emitWorkflow(v)
	case *MemoryDecl:
		g.emitMemory(v)
	case *ContextDecl:
		g.emitContext(v)
	case *CrewDecl:
		g.emitCrew(v)
	case *PipelineDecl:
		owner := g.declare(OpDeclarePipeline, v.Name)
		g.emitFlow(owner, v)
	case *PluginDecl:
		g.emitPlugin(v)
	case *DatabaseDecl:
		owner := g.declare(OpDeclareDatabase, v.Name)
		g.setProperties(owner, v.Properties)
	case *LoadDecl:
		// Load is a source-level include; the loader resolves it before
		// compilation, so nothing reaches the instruction stream.
	case *SectionDecl:
		owner := g.declare(OpDeclareSection, v.Name)
		g.setProperties(owner, v.Properties)
	}
}

func (g *codegen) emitAgent(d *AgentDecl) {
	owner := g.declare(OpDeclareAgent, d.Name)
	g.setProperties(owner, d.Properties)
	for _, cap := range d.Capabilities {
		g.emit(Instruction{
			Op: OpSetCapability,
			A:  owner,
			B:  g.pool.intern(StringValue(cap)),
		})
	}
	if len(d.Backstory) > 0 {
		g.setProperty(owner, "backstory", StringValue(strings.Join(d.Backstory, "\n")))
	}
}

func (g *codegen) emitWorkflow(d *WorkflowDecl) {
	owner := g.declare(OpDeclareWorkflow, d.Name)
	if d.Trigger != nil {
		g.setExpr(owner, "trigger", *d.Trigger)
	}
	g.setProperties(owner, d.Properties)
	for _, step := range d.Steps {
		g.emit(Instruction{
			Op: OpDefineStep,
			A:  owner,
			B:  g.pool.intern(StringValue(step.Name)),
			C:  g.pool.intern(stepPayload(step)),
		})
	}
	if d.Pipeline != nil {
		g.emitFlow(owner, d.Pipeline)
	}
}

// stepPayload folds a step's members into one object constant. Property
// order inside the object is irrelevant: the VM projects the payload onto
// typed StepConfig fields.
func stepPayload(step *StepDecl) Value {
	m := make(map[string]Value)
	if step.Agent != "" {
		m["agent"] = StringValue(step.Agent)
	}
	if len(step.Crew) > 0 {
		crew := make([]Value, len(step.Crew))
		for i, member := range step.Crew {
			crew[i] = StringValue(member)
		}
		m["crew"] = ArrayValue(crew)
	}
	if step.Task != "" {
		m["task"] = StringValue(step.Task)
	}
	for _, key := range step.Properties.Keys() {
		e, _ := step.Properties.Get(key)
		m[key] = ExpressionToValue(e)
	}
	return ObjectValue(m)
}

func (g *codegen) emitFlow(owner uint32, pipe *PipelineDecl) {
	stages := make([]Value, len(pipe.Flow))
	for i, s := range pipe.Flow {
		stages[i] = StringValue(s)
	}
	g.emit(Instruction{
		Op: OpDefinePipeline,
		A:  owner,
		B:  g.pool.intern(StringValue(pipe.Name)),
		C:  g.pool.intern(ArrayValue(stages)),
	})
}

func (g *codegen) emitMemory(d *MemoryDecl) {
	owner := g.declare(OpDeclareMemory, "memory")
	if d.Provider != "" {
		g.setProperty(owner, "provider", StringValue(d.Provider))
	}
	if d.Connection != "" {
		g.setProperty(owner, "connection", StringValue(d.Connection))
	}
	g.setProperties(owner, d.Properties)
	if d.Embeddings != nil {
		m := map[string]Value{"model": StringValue(d.Embeddings.Model)}
		if d.Embeddings.Dimensions != 0 {
			m["dimensions"] = NumberValue(float64(d.Embeddings.Dimensions))
		}
		for _, key := range d.Embeddings.Properties.Keys() {
			e, _ := d.Embeddings.Properties.Get(key)
			m[key] = ExpressionToValue(e)
		}
		g.setProperty(owner, "embeddings", ObjectValue(m))
	}
}

func (g *codegen) emitContext(d *ContextDecl) {
	owner := g.declare(OpDeclareContext, d.Name)
	if d.Environment != "" {
		g.setProperty(owner, "environment", StringValue(d.Environment))
	}
	g.setProperties(owner, d.Properties)
	if d.Secrets != nil {
		for _, key := range d.Secrets.Keys() {
			e, _ := d.Secrets.Get(key)
			g.emit(Instruction{
				Op: OpSetSecret,
				A:  owner,
				B:  g.pool.intern(StringValue(key)),
				C:  g.pool.intern(ExpressionToValue(e)),
			})
		}
	}
	g.setProperties(owner, d.Variables)
}

func (g *codegen) emitCrew(d *CrewDecl) {
	owner := g.declare(OpDeclareCrew, d.Name)
	if d.Agents != nil {
		members := make([]Value, len(d.Agents))
		for i, a := range d.Agents {
			members[i] = StringValue(a)
		}
		g.setProperty(owner, "agents", ArrayValue(members))
	}
	if d.ProcessType != "" {
		g.setProperty(owner, "process", StringValue(d.ProcessType))
	}
	g.setProperties(owner, d.Properties)
}

func (g *codegen) emitPlugin(d *PluginDecl) {
	owner := g.declare(OpDeclarePlugin, d.Name)
	if d.Source != "" {
		g.setProperty(owner, "source", StringValue(d.Source))
	}
	if d.Version != "" {
		g.setProperty(owner, "version", StringValue(d.Version))
	}
	g.setProperties(owner, d.Config)
}

/* ===========================
   PRIVATE: optimizer passes
   =========================== */

// eliminateDeadStores removes a SetProperty that a later SetProperty on the
// same owner and key fully shadows. Only the last write per owner/key
// survives; every other instruction keeps its relative order.
func eliminateDeadStores(ir *HelixIR) {
	type slot struct{ owner, key uint32 }
	last := make(map[slot]int)
	for pc, in := range ir.Instructions {
		if in.Op == OpSetProperty {
			last[slot{in.A, in.B}] = pc
		}
	}
	kept := ir.Instructions[:0]
	for pc, in := range ir.Instructions {
		if in.Op == OpSetProperty && last[slot{in.A, in.B}] != pc {
			continue
		}
		kept = append(kept, in)
	}
	ir.Instructions = kept
}

// compactPool drops constants no instruction references and remaps the
// surviving indices. Entries keep their relative order.
func compactPool(ir *HelixIR) {
	used := make([]bool, len(ir.Constants))
	mark := func(idx uint32) {
		if int(idx) < len(used) {
			used[idx] = true
		}
	}
	for _, in := range ir.Instructions {
		arity, _ := OpcodeArity(in.Op)
		if in.Op.IsDeclare() || in.Op == OpSetMetadata {
			mark(in.A)
		}
		if arity >= 2 {
			mark(in.B)
		}
		if arity >= 3 {
			mark(in.C)
		}
	}
	remap := make([]uint32, len(ir.Constants))
	compacted := ir.Constants[:0]
	for i, v := range ir.Constants {
		if !used[i] {
			continue
		}
		remap[i] = uint32(len(compacted))
		compacted = append(compacted, v)
	}
	ir.Constants = compacted
	for pc := range ir.Instructions {
		in := &ir.Instructions[pc]
		arity, _ := OpcodeArity(in.Op)
		if in.Op.IsDeclare() || in.Op == OpSetMetadata {
			in.A = remap[in.A]
		}
		if arity >= 2 {
			in.B = remap[in.B]
		}
		if arity >= 3 {
			in.C = remap[in.C]
		}
	}
}

// stripMetadata drops SetMetadata instructions. The binary container keeps
// its own metadata block, so nothing user-visible is lost.
func stripMetadata(ir *HelixIR) {
	kept := ir.Instructions[:0]
	for _, in := range ir.Instructions {
		if in.Op == OpSetMetadata {
			continue
		}
		kept = append(kept, in)
	}
	ir.Instructions = kept
}
