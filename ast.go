// ast.go — syntax tree for Helix configuration files.
//
// OVERVIEW
//
// A parsed file is a HelixAst: a flat list of declarations. Declarations and
// expressions are tagged structs (a Kind plus a payload) rather than interface
// hierarchies, so every consumer can switch exhaustively over the Kind and the
// payload types stay visible at the construction site.
//
// Property blocks preserve insertion order end to end: the printer renders
// keys in the order they were written, and the code generator emits them in
// the same order, so compile → execute → print reproduces the source layout.
package helix

import "fmt"

// HelixAst is the root of a parsed source file.
type HelixAst struct {
	Declarations []Declaration
}

// AddDeclaration appends a declaration to the file.
func (a *HelixAst) AddDeclaration(d Declaration) {
	a.Declarations = append(a.Declarations, d)
}

// ----- declarations -----

// DeclKind discriminates the Declaration payload.
type DeclKind int

const (
	DeclProject DeclKind = iota
	DeclAgent
	DeclWorkflow
	DeclMemory
	DeclContext
	DeclCrew
	DeclPipeline
	DeclPlugin
	DeclDatabase
	DeclLoad
	DeclSection
)

var declKindNames = map[DeclKind]string{
	DeclProject:  "project",
	DeclAgent:    "agent",
	DeclWorkflow: "workflow",
	DeclMemory:   "memory",
	DeclContext:  "context",
	DeclCrew:     "crew",
	DeclPipeline: "pipeline",
	DeclPlugin:   "plugin",
	DeclDatabase: "database",
	DeclLoad:     "load",
	DeclSection:  "section",
}

func (k DeclKind) String() string {
	if s, ok := declKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("DeclKind(%d)", int(k))
}

// Declaration is one top-level block. Data holds the payload struct matching
// Kind (*ProjectDecl for DeclProject and so on).
type Declaration struct {
	Kind DeclKind
	Loc  SourceLocation
	Data interface{}
}

// Name returns the declared name, or the path for load declarations.
func (d Declaration) Name() string {
	switch v := d.Data.(type) {
	case *ProjectDecl:
		return v.Name
	case *AgentDecl:
		return v.Name
	case *WorkflowDecl:
		return v.Name
	case *MemoryDecl:
		return "memory"
	case *ContextDecl:
		return v.Name
	case *CrewDecl:
		return v.Name
	case *PipelineDecl:
		return v.Name
	case *PluginDecl:
		return v.Name
	case *DatabaseDecl:
		return v.Name
	case *LoadDecl:
		return v.Path
	case *SectionDecl:
		return v.Name
	}
	return ""
}

// ProjectDecl is `project "name" { ... }`.
type ProjectDecl struct {
	Name       string
	Properties *Properties
}

// AgentDecl is `agent "name" { ... }` with its optional sub-blocks.
type AgentDecl struct {
	Name         string
	Properties   *Properties
	Capabilities []string // capabilities [ ... ]; nil when the block is absent
	Backstory    []string // backstory { ... }, one entry per line; nil when absent
}

// WorkflowDecl is `workflow "name" { ... }`.
type WorkflowDecl struct {
	Name       string
	Properties *Properties
	Trigger    *Expression   // nil when absent
	Steps      []*StepDecl
	Pipeline   *PipelineDecl // embedded `pipeline { ... }` block, nil when absent
}

// StepDecl is `step "name" { ... }` inside a workflow. The agent/crew/task
// fields are pulled out of the block; everything else (including the nested
// retry block, stored as an object under "retry") stays in Properties.
type StepDecl struct {
	Name       string
	Agent      string   // empty when unset
	Crew       []string // crew [ ... ]
	Task       string
	Properties *Properties
}

// MemoryDecl is the unnamed `memory { ... }` block. A file carries at most
// one; provider and connection are pulled out of the property list.
type MemoryDecl struct {
	Provider   string
	Connection string
	Embeddings *EmbeddingsDecl // nil when absent
	Properties *Properties
}

// EmbeddingsDecl is the `embeddings { ... }` sub-block of a memory block.
type EmbeddingsDecl struct {
	Model      string
	Dimensions uint32
	Properties *Properties
}

// ContextDecl is `context "name" { ... }`.
type ContextDecl struct {
	Name        string
	Environment string
	Secrets     *Properties // values are $VAR, "vault:..." or "file:..." expressions
	Variables   *Properties
	Properties  *Properties
}

// CrewDecl is `crew "name" { ... }`.
type CrewDecl struct {
	Name        string
	Agents      []string // agents [ ... ]
	ProcessType string   // empty when unset; defaults applied at conversion
	Properties  *Properties
}

// PipelineDecl is `pipeline { a -> b -> c }`, at the top level or embedded
// in a workflow. The arrow chain is flattened left to right into Flow. Name
// is optional in the source and defaults at conversion time.
type PipelineDecl struct {
	Name string
	Flow []string
}

// PluginDecl is `plugin "name" { ... }` with source/version pulled out.
type PluginDecl struct {
	Name    string
	Source  string
	Version string // empty when unset; defaults to "latest" at conversion
	Config  *Properties
}

// DatabaseDecl is `database "name" { ... }`.
type DatabaseDecl struct {
	Name       string
	Properties *Properties
}

// LoadDecl is `load "path.hlx"`, with an optional property block.
type LoadDecl struct {
	Path       string
	Properties *Properties
}

// SectionDecl is a generic `identifier { ... }` block for section names the
// grammar does not special-case (forward-compatibility escape hatch).
type SectionDecl struct {
	Name       string
	Properties *Properties
}

// ----- expressions -----

// ExprKind discriminates the Expression payload.
type ExprKind int

const (
	ExprString ExprKind = iota
	ExprNumber
	ExprBool
	ExprNull
	ExprDuration
	ExprIdentifier
	ExprVariable  // $name
	ExprReference // @name or @name[key]
	ExprArray
	ExprObject
	ExprPipeline // a -> b -> c, flattened into stage names
	ExprBinary   // arithmetic/comparison, evaluated by the operator layer
)

var exprKindNames = map[ExprKind]string{
	ExprString:     "string",
	ExprNumber:     "number",
	ExprBool:       "bool",
	ExprNull:       "null",
	ExprDuration:   "duration",
	ExprIdentifier: "identifier",
	ExprVariable:   "variable",
	ExprReference:  "reference",
	ExprArray:      "array",
	ExprObject:     "object",
	ExprPipeline:   "pipeline",
	ExprBinary:     "binary",
}

func (k ExprKind) String() string {
	if s, ok := exprKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ExprKind(%d)", int(k))
}

// Expression is a tagged value. Data holds, per Kind:
//
//	ExprString, ExprIdentifier, ExprVariable  string
//	ExprNumber                                float64
//	ExprBool                                  bool
//	ExprNull                                  nil
//	ExprDuration                              Duration
//	ExprReference                             Reference
//	ExprArray                                 []Expression
//	ExprObject                                *Properties
//	ExprPipeline                              []string
//	ExprBinary                                *BinaryOp
type Expression struct {
	Kind ExprKind
	Data interface{}
}

// Reference is the payload of ExprReference. Key is empty for plain @name.
type Reference struct {
	Name string
	Key  string
}

// BinaryOp is the payload of ExprBinary. Op is the operator's source
// spelling ("+", "==", ...). The parser only builds these nodes; evaluation
// belongs to the expression evaluator outside this package.
type BinaryOp struct {
	Op    string
	Left  Expression
	Right Expression
}

// Constructors. Parsers and tests build expressions through these so the
// Kind/payload pairing cannot drift.

func StringExpr(s string) Expression     { return Expression{Kind: ExprString, Data: s} }
func NumberExpr(n float64) Expression    { return Expression{Kind: ExprNumber, Data: n} }
func BoolExpr(b bool) Expression         { return Expression{Kind: ExprBool, Data: b} }
func NullExpr() Expression               { return Expression{Kind: ExprNull} }
func DurationExpr(d Duration) Expression { return Expression{Kind: ExprDuration, Data: d} }
func IdentExpr(s string) Expression      { return Expression{Kind: ExprIdentifier, Data: s} }
func VariableExpr(name string) Expression {
	return Expression{Kind: ExprVariable, Data: name}
}
func ReferenceExpr(name, key string) Expression {
	return Expression{Kind: ExprReference, Data: Reference{Name: name, Key: key}}
}
func ArrayExpr(items []Expression) Expression {
	return Expression{Kind: ExprArray, Data: items}
}
func ObjectExpr(props *Properties) Expression {
	return Expression{Kind: ExprObject, Data: props}
}
func PipelineExpr(stages []string) Expression {
	return Expression{Kind: ExprPipeline, Data: stages}
}
func BinaryExpr(op string, left, right Expression) Expression {
	return Expression{Kind: ExprBinary, Data: &BinaryOp{Op: op, Left: left, Right: right}}
}

// AsString returns the string payload for string-carrying kinds.
func (e Expression) AsString() (string, bool) {
	switch e.Kind {
	case ExprString, ExprIdentifier, ExprVariable:
		s, ok := e.Data.(string)
		return s, ok
	}
	return "", false
}

// AsNumber returns the numeric payload.
func (e Expression) AsNumber() (float64, bool) {
	if e.Kind != ExprNumber {
		return 0, false
	}
	n, ok := e.Data.(float64)
	return n, ok
}

// AsBool returns the boolean payload.
func (e Expression) AsBool() (bool, bool) {
	if e.Kind != ExprBool {
		return false, false
	}
	b, ok := e.Data.(bool)
	return b, ok
}

// AsDuration returns the duration payload.
func (e Expression) AsDuration() (Duration, bool) {
	if e.Kind != ExprDuration {
		return Duration{}, false
	}
	d, ok := e.Data.(Duration)
	return d, ok
}

// AsArray returns the element slice of an array expression.
func (e Expression) AsArray() ([]Expression, bool) {
	if e.Kind != ExprArray {
		return nil, false
	}
	items, ok := e.Data.([]Expression)
	return items, ok
}

// AsObject returns the property block of an object expression.
func (e Expression) AsObject() (*Properties, bool) {
	if e.Kind != ExprObject {
		return nil, false
	}
	p, ok := e.Data.(*Properties)
	return p, ok
}

// AsReference returns the reference payload.
func (e Expression) AsReference() (Reference, bool) {
	if e.Kind != ExprReference {
		return Reference{}, false
	}
	r, ok := e.Data.(Reference)
	return r, ok
}

// AsPipeline returns the stage names of a pipeline expression.
func (e Expression) AsPipeline() ([]string, bool) {
	if e.Kind != ExprPipeline {
		return nil, false
	}
	stages, ok := e.Data.([]string)
	return stages, ok
}

// AsBinary returns the payload of a binary expression.
func (e Expression) AsBinary() (*BinaryOp, bool) {
	if e.Kind != ExprBinary {
		return nil, false
	}
	b, ok := e.Data.(*BinaryOp)
	return b, ok
}

// ----- ordered property map -----

// Properties is a string-keyed expression map that remembers insertion
// order. Setting an existing key replaces the value in place.
type Properties struct {
	keys []string
	vals map[string]Expression
}

// NewProperties returns an empty property block.
func NewProperties() *Properties {
	return &Properties{vals: make(map[string]Expression)}
}

// Set stores a value under key, preserving the key's original position when
// it already exists.
func (p *Properties) Set(key string, v Expression) {
	if p.vals == nil {
		p.vals = make(map[string]Expression)
	}
	if _, exists := p.vals[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = v
}

// Get looks up a key.
func (p *Properties) Get(key string) (Expression, bool) {
	if p == nil || p.vals == nil {
		return Expression{}, false
	}
	v, ok := p.vals[key]
	return v, ok
}

// Keys returns the keys in insertion order. The slice is shared; callers
// must not mutate it.
func (p *Properties) Keys() []string {
	if p == nil {
		return nil
	}
	return p.keys
}

// Len reports the number of entries.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// ----- durations -----

// TimeUnit is the suffix of a duration literal.
type TimeUnit int

const (
	UnitSeconds TimeUnit = iota
	UnitMinutes
	UnitHours
	UnitDays
)

func timeUnitFromByte(b byte) TimeUnit {
	switch b {
	case 'm':
		return UnitMinutes
	case 'h':
		return UnitHours
	case 'd':
		return UnitDays
	default:
		return UnitSeconds
	}
}

// Suffix returns the literal suffix letter.
func (u TimeUnit) Suffix() string {
	switch u {
	case UnitMinutes:
		return "m"
	case UnitHours:
		return "h"
	case UnitDays:
		return "d"
	default:
		return "s"
	}
}

// Duration is a literal like 30s or 2h.
type Duration struct {
	Value uint64
	Unit  TimeUnit
}

// Seconds converts the duration to seconds.
func (d Duration) Seconds() uint64 {
	switch d.Unit {
	case UnitMinutes:
		return d.Value * 60
	case UnitHours:
		return d.Value * 3600
	case UnitDays:
		return d.Value * 86400
	default:
		return d.Value
	}
}

// String renders the literal form, e.g. "30s".
func (d Duration) String() string {
	return fmt.Sprintf("%d%s", d.Value, d.Unit.Suffix())
}
