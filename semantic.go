// semantic.go — validation over a syntactically valid AST.
//
// The analyzer never mutates the AST and never short-circuits: every
// problem found in one pass comes back together, the same batch contract
// the parser has. Checks fall into three groups:
//
//   - duplicate names per declaration kind (and more than one memory block)
//   - required fields and type compatibility per declaration kind
//     (temperature must be numeric, debug must be boolean, ...)
//   - reference resolution: a plain @name must point at an entity declared
//     somewhere in the file; indexed references (@ctx[key]) are deferred to
//     the runtime operator layer and pass here
package helix

import "fmt"

// Analyze validates an AST. The returned error is a SemanticErrorList when
// anything failed, nil otherwise.
func Analyze(ast *HelixAst) error {
	if errs := AnalyzeAll(ast); len(errs) > 0 {
		return errs
	}
	return nil
}

// AnalyzeAll validates an AST and returns every failure found.
func AnalyzeAll(ast *HelixAst) SemanticErrorList {
	a := &analyzer{names: make(map[string]bool)}
	a.collectNames(ast)
	for _, decl := range ast.Declarations {
		a.checkDeclaration(decl)
	}
	return a.errors
}

type analyzer struct {
	errors SemanticErrorList
	names  map[string]bool // every declared entity name, any kind
	agents map[string]bool
	seen   map[string]bool // kind-qualified duplicate detection
	memory bool
}

func (a *analyzer) errorf(loc SourceLocation, format string, args ...interface{}) {
	line, col := loc.Line, loc.Column
	if line == 0 {
		line, col = 1, 1
	}
	a.errors = append(a.errors, &SemanticError{
		Line: line,
		Col:  col,
		Msg:  fmt.Sprintf(format, args...),
	})
}

// collectNames records every declared name before any checks run, so
// references may point forward in the file.
func (a *analyzer) collectNames(ast *HelixAst) {
	a.agents = make(map[string]bool)
	a.seen = make(map[string]bool)
	for _, decl := range ast.Declarations {
		name := decl.Name()
		if name != "" {
			a.names[name] = true
		}
		if agent, ok := decl.Data.(*AgentDecl); ok {
			a.agents[agent.Name] = true
		}
	}
}

func (a *analyzer) checkDuplicate(decl Declaration) {
	key := decl.Kind.String() + ":" + decl.Name()
	if a.seen[key] {
		a.errorf(decl.Loc, "duplicate %s %q", decl.Kind, decl.Name())
		return
	}
	a.seen[key] = true
}

func (a *analyzer) checkDeclaration(decl Declaration) {
	switch v := decl.Data.(type) {
	case *ProjectDecl:
		a.checkDuplicate(decl)
		a.requireString(decl.Loc, v.Properties, "version", "project", v.Name)
		a.checkPropertyRefs(decl.Loc, v.Properties)
	case *AgentDecl:
		a.checkDuplicate(decl)
		a.checkAgent(decl.Loc, v)
	case *WorkflowDecl:
		a.checkDuplicate(decl)
		a.checkWorkflow(decl.Loc, v)
	case *MemoryDecl:
		if a.memory {
			a.errorf(decl.Loc, "more than one memory block; a file carries at most one")
		}
		a.memory = true
		a.checkMemory(decl.Loc, v)
	case *ContextDecl:
		a.checkDuplicate(decl)
		a.checkContext(decl.Loc, v)
	case *CrewDecl:
		a.checkDuplicate(decl)
		a.checkCrew(decl.Loc, v)
	case *PipelineDecl:
		if len(v.Flow) == 0 {
			a.errorf(decl.Loc, "pipeline %q has no stages", v.Name)
		}
	case *PluginDecl:
		if v.Source == "" {
			a.errorf(decl.Loc, "plugin %q is missing required property %q", v.Name, "source")
		}
		a.checkPropertyRefs(decl.Loc, v.Config)
	case *DatabaseDecl:
		a.checkDuplicate(decl)
		a.checkPropertyRefs(decl.Loc, v.Properties)
	case *LoadDecl:
		if v.Path == "" {
			a.errorf(decl.Loc, "load declaration is missing a path")
		}
	case *SectionDecl:
		a.checkPropertyRefs(decl.Loc, v.Properties)
	}
}

func (a *analyzer) checkAgent(loc SourceLocation, d *AgentDecl) {
	if _, ok := propString(d.Properties, "model"); !ok {
		a.errorf(loc, "agent %q is missing required property %q", d.Name, "model")
	}
	a.requireNumeric(loc, d.Properties, "temperature", "agent", d.Name)
	a.requireNumeric(loc, d.Properties, "max_tokens", "agent", d.Name)
	a.checkPropertyRefs(loc, d.Properties)
}

func (a *analyzer) checkWorkflow(loc SourceLocation, d *WorkflowDecl) {
	for _, step := range d.Steps {
		if step.Agent != "" && !a.agents[step.Agent] {
			a.errorf(loc, "workflow %q step %q references undeclared agent %q", d.Name, step.Name, step.Agent)
		}
		for _, member := range step.Crew {
			if !a.agents[member] {
				a.errorf(loc, "workflow %q step %q crew references undeclared agent %q", d.Name, step.Name, member)
			}
		}
		if e, ok := step.Properties.Get("timeout"); ok {
			if _, isDur := e.AsDuration(); !isDur {
				a.errorf(loc, "workflow %q step %q: timeout must be a duration", d.Name, step.Name)
			}
		}
		if e, ok := step.Properties.Get("parallel"); ok {
			if _, isBool := e.AsBool(); !isBool {
				a.errorf(loc, "workflow %q step %q: parallel must be a boolean", d.Name, step.Name)
			}
		}
		if e, ok := step.Properties.Get("retry"); ok {
			if obj, isObj := e.AsObject(); !isObj {
				a.errorf(loc, "workflow %q step %q: retry must be a block", d.Name, step.Name)
			} else if ConvertRetry(obj) == nil {
				a.errorf(loc, "workflow %q step %q: retry needs max_attempts and a delay duration", d.Name, step.Name)
			}
		}
		a.checkPropertyRefs(loc, step.Properties)
	}
	a.checkPropertyRefs(loc, d.Properties)
}

func (a *analyzer) checkMemory(loc SourceLocation, d *MemoryDecl) {
	if d.Provider == "" {
		a.errorf(loc, "memory block is missing required property %q", "provider")
	}
	if d.Connection == "" {
		a.errorf(loc, "memory block is missing required property %q", "connection")
	}
	if d.Embeddings != nil && d.Embeddings.Model == "" {
		a.errorf(loc, "embeddings block is missing required property %q", "model")
	}
	a.checkPropertyRefs(loc, d.Properties)
}

func (a *analyzer) checkContext(loc SourceLocation, d *ContextDecl) {
	if d.Environment == "" {
		a.errorf(loc, "context %q is missing required property %q", d.Name, "environment")
	}
	a.requireBool(loc, d.Properties, "debug", "context", d.Name)
	a.requireNumeric(loc, d.Properties, "max_tokens", "context", d.Name)
	a.checkPropertyRefs(loc, d.Properties)
	a.checkPropertyRefs(loc, d.Variables)
}

func (a *analyzer) checkCrew(loc SourceLocation, d *CrewDecl) {
	for _, member := range d.Agents {
		if !a.agents[member] {
			a.errorf(loc, "crew %q references undeclared agent %q", d.Name, member)
		}
	}
	if d.ProcessType != "" {
		switch d.ProcessType {
		case "sequential", "hierarchical", "parallel", "consensus":
		default:
			a.errorf(loc, "crew %q: unknown process type %q", d.Name, d.ProcessType)
		}
	}
	a.requireNumeric(loc, d.Properties, "max_iterations", "crew", d.Name)
	a.requireBool(loc, d.Properties, "verbose", "crew", d.Name)
	a.checkPropertyRefs(loc, d.Properties)
}

// requireString flags a missing or non-string required property.
func (a *analyzer) requireString(loc SourceLocation, props *Properties, key, kind, name string) {
	e, ok := props.Get(key)
	if !ok {
		a.errorf(loc, "%s %q is missing required property %q", kind, name, key)
		return
	}
	if _, isStr := e.AsString(); !isStr {
		a.errorf(loc, "%s %q: %s must be a string", kind, name, key)
	}
}

// requireNumeric flags a present-but-non-numeric property (absence is fine).
func (a *analyzer) requireNumeric(loc SourceLocation, props *Properties, key, kind, name string) {
	e, ok := props.Get(key)
	if !ok {
		return
	}
	if _, isNum := e.AsNumber(); !isNum {
		a.errorf(loc, "%s %q: %s must be numeric", kind, name, key)
	}
}

// requireBool flags a present-but-non-boolean property (absence is fine).
func (a *analyzer) requireBool(loc SourceLocation, props *Properties, key, kind, name string) {
	e, ok := props.Get(key)
	if !ok {
		return
	}
	if _, isBool := e.AsBool(); !isBool {
		a.errorf(loc, "%s %q: %s must be a boolean", kind, name, key)
	}
}

// checkPropertyRefs walks expression trees looking for plain references
// that resolve to nothing declared in this file. Indexed references defer
// to the runtime operator layer.
func (a *analyzer) checkPropertyRefs(loc SourceLocation, props *Properties) {
	if props == nil {
		return
	}
	for _, key := range props.Keys() {
		e, _ := props.Get(key)
		a.checkExprRefs(loc, e)
	}
}

func (a *analyzer) checkExprRefs(loc SourceLocation, e Expression) {
	switch e.Kind {
	case ExprReference:
		r, _ := e.AsReference()
		if r.Key == "" && !a.names[r.Name] {
			a.errorf(loc, "reference @%s does not resolve to any declared entity", r.Name)
		}
	case ExprArray:
		items, _ := e.AsArray()
		for _, item := range items {
			a.checkExprRefs(loc, item)
		}
	case ExprObject:
		props, _ := e.AsObject()
		a.checkPropertyRefs(loc, props)
	case ExprBinary:
		b, _ := e.AsBinary()
		a.checkExprRefs(loc, b.Left)
		a.checkExprRefs(loc, b.Right)
	}
}
