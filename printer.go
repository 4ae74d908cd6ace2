package helix

import (
	"strconv"
	"strings"
	"unicode"
)

/* ---------- globals & tiny helpers ---------- */

var MaxInlineWidth = 80 // width threshold for single-line arrays

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	rs := []rune(s)
	if !(unicode.IsLetter(rs[0]) || rs[0] == '_') {
		return false
	}
	for _, r := range rs[1:] {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'g', -1, 64)
}

/* ---------- small writer with indentation ---------- */

type out struct {
	b     *strings.Builder
	depth int
}

func (o *out) write(s string) { o.b.WriteString(s) }
func (o *out) nl()            { o.b.WriteByte('\n') }
func (o *out) pad() {
	for i := 0; i < o.depth; i++ {
		o.b.WriteString("  ")
	}
}
func (o *out) line(s string)        { o.pad(); o.b.WriteString(s) }
func (o *out) withIndent(fn func()) { o.depth++; fn(); o.depth-- }

/* ---------- AST -> canonical source ---------- */

// Pretty parses Helix source and returns the canonical formatting. The
// output is stable under a second round: Pretty(Pretty(src)) == Pretty(src).
func Pretty(src string) (string, error) {
	ast, err := Parse(src)
	if err != nil {
		return "", WrapErrorWithSource(err, src)
	}
	return PrettyPrint(ast), nil
}

// PrettyPrint renders an AST as canonical .hlx text. Property order follows
// insertion order, so a config rebuilt from compiled IR prints with its
// original layout.
func PrettyPrint(ast *HelixAst) string {
	var b strings.Builder
	p := pp{out: out{b: &b}}
	for i, decl := range ast.Declarations {
		if i > 0 {
			p.nl()
		}
		p.printDeclaration(decl)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

type pp struct {
	out out
}

func (p *pp) write(s string) { p.out.write(s) }
func (p *pp) nl()            { p.out.nl() }
func (p *pp) pad()           { p.out.pad() }

func (p *pp) printDeclaration(d Declaration) {
	switch v := d.Data.(type) {
	case *ProjectDecl:
		p.printNamedBlock("project", v.Name, func() {
			p.printProperties(v.Properties)
		})
	case *AgentDecl:
		p.printNamedBlock("agent", v.Name, func() {
			p.printProperties(v.Properties)
			if v.Capabilities != nil {
				p.printStringArrayEntry("capabilities", v.Capabilities)
			}
			if v.Backstory != nil {
				p.printBackstory(v.Backstory)
			}
		})
	case *WorkflowDecl:
		p.printNamedBlock("workflow", v.Name, func() {
			if v.Trigger != nil {
				p.printProperty("trigger", *v.Trigger)
			}
			p.printProperties(v.Properties)
			for _, step := range v.Steps {
				p.printStep(step)
			}
			if v.Pipeline != nil {
				p.printPipelineBlock("pipeline", v.Pipeline)
			}
		})
	case *MemoryDecl:
		p.pad()
		p.write("memory {")
		p.nl()
		p.out.withIndent(func() {
			if v.Provider != "" {
				p.printProperty("provider", StringExpr(v.Provider))
			}
			if v.Connection != "" {
				p.printProperty("connection", StringExpr(v.Connection))
			}
			p.printProperties(v.Properties)
			if v.Embeddings != nil {
				p.printEmbeddings(v.Embeddings)
			}
		})
		p.out.line("}")
		p.nl()
	case *ContextDecl:
		p.printNamedBlock("context", v.Name, func() {
			if v.Environment != "" {
				p.printProperty("environment", StringExpr(v.Environment))
			}
			p.printProperties(v.Properties)
			if v.Secrets.Len() > 0 {
				p.printSubBlock("secrets", v.Secrets)
			}
			if v.Variables.Len() > 0 {
				p.printSubBlock("variables", v.Variables)
			}
		})
	case *CrewDecl:
		p.printNamedBlock("crew", v.Name, func() {
			if v.Agents != nil {
				p.printStringArrayEntry("agents", v.Agents)
			}
			if v.ProcessType != "" {
				p.printProperty("process", StringExpr(v.ProcessType))
			}
			p.printProperties(v.Properties)
		})
	case *PipelineDecl:
		p.printPipelineBlock(pipelineHeader(v.Name), v)
	case *PluginDecl:
		p.printNamedBlock("plugin", v.Name, func() {
			if v.Source != "" {
				p.printProperty("source", StringExpr(v.Source))
			}
			if v.Version != "" {
				p.printProperty("version", StringExpr(v.Version))
			}
			p.printProperties(v.Config)
		})
	case *DatabaseDecl:
		p.printNamedBlock("database", v.Name, func() {
			p.printProperties(v.Properties)
		})
	case *LoadDecl:
		p.pad()
		p.write("load " + quoteString(v.Path))
		if v.Properties.Len() > 0 {
			p.write(" {")
			p.nl()
			p.out.withIndent(func() { p.printProperties(v.Properties) })
			p.out.line("}")
		}
		p.nl()
	case *SectionDecl:
		p.pad()
		p.write(v.Name + " {")
		p.nl()
		p.out.withIndent(func() { p.printProperties(v.Properties) })
		p.out.line("}")
		p.nl()
	}
}

func pipelineHeader(name string) string {
	if name == "" {
		return "pipeline"
	}
	return "pipeline " + quoteString(name)
}

func (p *pp) printNamedBlock(keyword, name string, body func()) {
	p.pad()
	p.write(keyword + " " + quoteString(name) + " {")
	p.nl()
	p.out.withIndent(body)
	p.out.line("}")
	p.nl()
}

func (p *pp) printProperties(props *Properties) {
	for _, key := range props.Keys() {
		value, _ := props.Get(key)
		p.printProperty(key, value)
	}
}

func (p *pp) printProperty(key string, value Expression) {
	p.pad()
	p.write(propertyKeyString(key) + " = " + p.expr(value))
	p.nl()
}

func propertyKeyString(key string) string {
	if isIdent(key) {
		return key
	}
	return quoteString(key)
}

func (p *pp) printStringArrayEntry(key string, items []string) {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = quoteString(s)
	}
	p.pad()
	p.write(key + " [" + strings.Join(quoted, ", ") + "]")
	p.nl()
}

func (p *pp) printBackstory(lines []string) {
	p.pad()
	p.write("backstory {")
	p.nl()
	p.out.withIndent(func() {
		for _, line := range lines {
			p.out.line(quoteString(line))
			p.nl()
		}
	})
	p.out.line("}")
	p.nl()
}

func (p *pp) printStep(step *StepDecl) {
	p.pad()
	p.write("step " + quoteString(step.Name) + " {")
	p.nl()
	p.out.withIndent(func() {
		if step.Agent != "" {
			p.printProperty("agent", StringExpr(step.Agent))
		}
		if step.Crew != nil {
			quoted := make([]string, len(step.Crew))
			for i, s := range step.Crew {
				quoted[i] = quoteString(s)
			}
			p.out.line("crew = [" + strings.Join(quoted, ", ") + "]")
			p.nl()
		}
		if step.Task != "" {
			p.printProperty("task", StringExpr(step.Task))
		}
		for _, key := range step.Properties.Keys() {
			value, _ := step.Properties.Get(key)
			if key == "retry" {
				if retry, ok := value.AsObject(); ok {
					p.printSubBlock("retry", retry)
					continue
				}
			}
			p.printProperty(key, value)
		}
	})
	p.out.line("}")
	p.nl()
}

func (p *pp) printEmbeddings(e *EmbeddingsDecl) {
	p.pad()
	p.write("embeddings {")
	p.nl()
	p.out.withIndent(func() {
		if e.Model != "" {
			p.printProperty("model", StringExpr(e.Model))
		}
		if e.Dimensions != 0 {
			p.printProperty("dimensions", NumberExpr(float64(e.Dimensions)))
		}
		p.printProperties(e.Properties)
	})
	p.out.line("}")
	p.nl()
}

// printSubBlock renders `keyword { key = value ... }` (secrets, variables,
// retry).
func (p *pp) printSubBlock(keyword string, props *Properties) {
	p.pad()
	p.write(keyword + " {")
	p.nl()
	p.out.withIndent(func() { p.printProperties(props) })
	p.out.line("}")
	p.nl()
}

func (p *pp) printPipelineBlock(header string, pipe *PipelineDecl) {
	p.pad()
	p.write(header + " {")
	p.nl()
	p.out.withIndent(func() {
		if len(pipe.Flow) > 0 {
			p.out.line(flowString(pipe.Flow))
			p.nl()
		}
	})
	p.out.line("}")
	p.nl()
}

// flowString joins pipeline stages with arrows, quoting stage names that are
// not plain identifiers.
func flowString(stages []string) string {
	parts := make([]string, len(stages))
	for i, s := range stages {
		if isIdent(s) {
			parts[i] = s
		} else {
			parts[i] = quoteString(s)
		}
	}
	return strings.Join(parts, " -> ")
}

/* ---------- expressions ---------- */

// expr renders an expression inline. Arrays that would overflow
// MaxInlineWidth break across lines; objects always break.
func (p *pp) expr(e Expression) string {
	switch e.Kind {
	case ExprString:
		s, _ := e.AsString()
		return quoteString(s)
	case ExprNumber:
		n, _ := e.AsNumber()
		return formatNumber(n)
	case ExprBool:
		b, _ := e.AsBool()
		if b {
			return "true"
		}
		return "false"
	case ExprNull:
		return "null"
	case ExprDuration:
		d, _ := e.AsDuration()
		return d.String()
	case ExprIdentifier:
		s, _ := e.AsString()
		return s
	case ExprVariable:
		s, _ := e.AsString()
		return "$" + s
	case ExprReference:
		r, _ := e.AsReference()
		if r.Key != "" {
			return "@" + r.Name + "[" + r.Key + "]"
		}
		return "@" + r.Name
	case ExprArray:
		return p.arrayExpr(e)
	case ExprObject:
		return p.objectExpr(e)
	case ExprPipeline:
		stages, _ := e.AsPipeline()
		return flowString(stages)
	case ExprBinary:
		b, _ := e.AsBinary()
		return p.expr(b.Left) + " " + b.Op + " " + p.expr(b.Right)
	}
	return "null"
}

func (p *pp) arrayExpr(e Expression) string {
	items, _ := e.AsArray()
	parts := make([]string, len(items))
	width := 2
	for i, item := range items {
		parts[i] = p.expr(item)
		width += len(parts[i]) + 2
	}
	if width <= MaxInlineWidth {
		return "[" + strings.Join(parts, ", ") + "]"
	}
	var b strings.Builder
	b.WriteString("[\n")
	for _, part := range parts {
		for i := 0; i <= p.out.depth; i++ {
			b.WriteString("  ")
		}
		b.WriteString(part)
		b.WriteString(",\n")
	}
	for i := 0; i < p.out.depth; i++ {
		b.WriteString("  ")
	}
	b.WriteString("]")
	return b.String()
}

func (p *pp) objectExpr(e Expression) string {
	props, _ := e.AsObject()
	if props.Len() == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteString("{\n")
	inner := pp{out: out{b: &b, depth: p.out.depth + 1}}
	inner.printProperties(props)
	for i := 0; i < p.out.depth; i++ {
		b.WriteString("  ")
	}
	b.WriteString("}")
	return b.String()
}
