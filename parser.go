// parser.go — recursive-descent parser for Helix configuration files.
//
// OVERVIEW
// --------
// The parser consumes the token stream produced by lexer.go and builds the
// HelixAst defined in ast.go. It is single-pass with one token of lookahead
// and never backtracks past the cursor.
//
// Error handling is aggregating: when a declaration fails to parse, the
// error is recorded and the cursor skips forward to the next plausible
// declaration start (recoverToNextDeclaration), so one bad block does not
// hide the rest of the file. Parse therefore returns BOTH the AST holding
// every declaration that did parse and, when anything failed, a
// ParseErrorList covering everything that did not. Callers decide what a
// partial AST is worth.
//
// Grammar sketch (newlines separate entries inside blocks):
//
//	file        := { declaration }
//	declaration := project NAME block
//	             | agent NAME agentBlock
//	             | workflow NAME workflowBlock
//	             | memory block
//	             | context NAME contextBlock
//	             | crew NAME crewBlock
//	             | pipeline [NAME] pipelineBlock
//	             | load NAME [block]
//	             | IDENT NAME block            (plugin / database)
//	             | IDENT block                 (generic section)
//	NAME        := IDENT | STRING
//	block       := '{' { key '=' expression } '}'
//
// The only binary operator the grammar folds itself is the pipeline arrow
// `->`, which flattens left to right (adjacent pipelines merge rather than
// nest). Arithmetic and comparisons become BinaryOp nodes for the operator
// layer to evaluate later.
package helix

import "fmt"

/* ===========================
   PUBLIC API
   =========================== */

// Parse tokenizes and parses a source string. The returned AST is always
// non-nil; err is a ParseErrorList when any declaration failed, or the
// lexer's error when tokenization itself failed.
func Parse(source string) (*HelixAst, error) {
	toks, err := TokenizeWithLocations(source)
	if err != nil {
		return &HelixAst{}, err
	}
	return NewParser(toks).Parse()
}

// Parser walks a token buffer with a cursor and one token of lookahead.
type Parser struct {
	tokens []TokenWithLocation
	pos    int
	errors ParseErrorList
}

// NewParser creates a parser over a token stream (as produced by
// TokenizeWithLocations).
func NewParser(tokens []TokenWithLocation) *Parser {
	return &Parser{tokens: tokens}
}

// Parse consumes the whole stream. See the file header for the partial-AST
// error contract.
func (p *Parser) Parse() (*HelixAst, error) {
	ast := &HelixAst{}
	for {
		p.skipNewlines()
		if p.atEnd() {
			break
		}
		tok := p.cur()
		var (
			decl Declaration
			err  *ParseError
		)
		switch tok.Type {
		case PROJECT, AGENT, WORKFLOW, MEMORY, CONTEXT, CREW, PIPELINE, LOAD:
			decl, err = p.parseDeclaration()
		case IDENT:
			decl, err = p.parseIdentDeclaration()
		default:
			err = p.errHere("unexpected %s, want a declaration", tok.Type)
			err.Want, err.Found = "a declaration", tok.Type.String()
		}
		if err != nil {
			p.errors = append(p.errors, err)
			p.recoverToNextDeclaration()
			continue
		}
		ast.AddDeclaration(decl)
	}
	if len(p.errors) > 0 {
		return ast, p.errors
	}
	return ast, nil
}

// Errors returns the errors collected so far.
func (p *Parser) Errors() ParseErrorList {
	return p.errors
}

//// END_OF_PUBLIC

/* ===========================
   PRIVATE: cursor & diagnostics
   =========================== */

var eofToken = TokenWithLocation{Token: Token{Type: EOF}}

func (p *Parser) cur() TokenWithLocation {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	if n := len(p.tokens); n > 0 {
		// Keep the EOF position so errors at end of input point somewhere.
		return p.tokens[n-1]
	}
	return eofToken
}

func (p *Parser) peek() TokenWithLocation {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return p.cur()
}

func (p *Parser) atEnd() bool {
	return p.cur().Type == EOF
}

func (p *Parser) advance() TokenWithLocation {
	tok := p.cur()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *Parser) check(tt TokenType) bool {
	return p.cur().Type == tt
}

func (p *Parser) match(tt TokenType) bool {
	if p.check(tt) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) expect(tt TokenType) *ParseError {
	if p.check(tt) {
		p.advance()
		return nil
	}
	return p.errExpected(tt.String())
}

func (p *Parser) skipNewlines() {
	for p.check(NEWLINE) {
		p.advance()
	}
}

func (p *Parser) describeCur() string {
	tok := p.cur()
	switch tok.Type {
	case IDENT, STRING, NUMBER, DURATION:
		return fmt.Sprintf("%s %q", tok.Type, tok.Lexeme)
	default:
		return tok.Type.String()
	}
}

func (p *Parser) errHere(format string, args ...interface{}) *ParseError {
	loc := p.cur().Loc
	if loc.Line == 0 {
		loc.Line = 1
		loc.Column = 1
	}
	return &ParseError{Line: loc.Line, Col: loc.Column - 1, Msg: fmt.Sprintf(format, args...)}
}

// errExpected is errHere for token mismatches; it records the expectation
// in structured form alongside the rendered message.
func (p *Parser) errExpected(want string) *ParseError {
	found := p.describeCur()
	e := p.errHere("expected %s, found %s", want, found)
	e.Want = want
	e.Found = found
	return e
}

// recoverToNextDeclaration skips tokens until something that can start a
// declaration: a top-level keyword, or an identifier followed by a string or
// an opening brace (plugin/database/generic sections).
func (p *Parser) recoverToNextDeclaration() {
	// Always move at least one token so recovery cannot loop.
	if !p.atEnd() {
		p.advance()
	}
	for !p.atEnd() {
		switch p.cur().Type {
		case PROJECT, AGENT, WORKFLOW, MEMORY, CONTEXT, CREW, PIPELINE, LOAD:
			return
		case IDENT:
			if nt := p.peek().Type; nt == STRING || nt == LBRACE {
				return
			}
		}
		p.advance()
	}
}

// expectName accepts an identifier or a string literal as a declared name.
func (p *Parser) expectName() (string, *ParseError) {
	tok := p.cur()
	switch tok.Type {
	case IDENT:
		p.advance()
		return tok.Lexeme, nil
	case STRING:
		p.advance()
		s, _ := tok.Literal.(string)
		return s, nil
	}
	return "", p.errExpected("a name")
}

// propertyKey accepts an identifier, string or keyword token as a property
// key and returns its source spelling.
func (p *Parser) propertyKey() (string, *ParseError) {
	tok := p.cur()
	switch {
	case tok.Type == IDENT:
		p.advance()
		return tok.Lexeme, nil
	case tok.Type == STRING:
		p.advance()
		s, _ := tok.Literal.(string)
		return s, nil
	case IsBlockKeyword(tok.Type):
		p.advance()
		return tok.Lexeme, nil
	}
	return "", p.errExpected("a property key")
}

/* ===========================
   PRIVATE: declarations
   =========================== */

func (p *Parser) parseDeclaration() (Declaration, *ParseError) {
	startLoc := p.cur().Loc
	var (
		data interface{}
		kind DeclKind
		err  *ParseError
	)
	switch p.cur().Type {
	case PROJECT:
		kind = DeclProject
		data, err = p.parseProject()
	case AGENT:
		kind = DeclAgent
		data, err = p.parseAgent()
	case WORKFLOW:
		kind = DeclWorkflow
		data, err = p.parseWorkflow()
	case MEMORY:
		kind = DeclMemory
		data, err = p.parseMemory()
	case CONTEXT:
		kind = DeclContext
		data, err = p.parseContext()
	case CREW:
		kind = DeclCrew
		data, err = p.parseCrew()
	case PIPELINE:
		kind = DeclPipeline
		data, err = p.parseTopLevelPipeline()
	case LOAD:
		kind = DeclLoad
		data, err = p.parseLoad()
	default:
		e := p.errHere("unexpected %s, want a declaration", p.cur().Type)
		e.Want, e.Found = "a declaration", p.cur().Type.String()
		return Declaration{}, e
	}
	if err != nil {
		return Declaration{}, err
	}
	return Declaration{Kind: kind, Loc: startLoc, Data: data}, nil
}

// parseIdentDeclaration handles blocks introduced by a bare identifier:
// `plugin NAME { ... }`, `database NAME { ... }`, or a generic section
// `identifier { ... }`.
func (p *Parser) parseIdentDeclaration() (Declaration, *ParseError) {
	startLoc := p.cur().Loc
	keyword := p.advance().Lexeme

	switch keyword {
	case "plugin":
		d, err := p.parsePlugin()
		if err != nil {
			return Declaration{}, err
		}
		return Declaration{Kind: DeclPlugin, Loc: startLoc, Data: d}, nil
	case "database":
		d, err := p.parseDatabase()
		if err != nil {
			return Declaration{}, err
		}
		return Declaration{Kind: DeclDatabase, Loc: startLoc, Data: d}, nil
	}

	props, err := p.parseBracedProperties()
	if err != nil {
		return Declaration{}, err
	}
	return Declaration{
		Kind: DeclSection,
		Loc:  startLoc,
		Data: &SectionDecl{Name: keyword, Properties: props},
	}, nil
}

func (p *Parser) parseProject() (*ProjectDecl, *ParseError) {
	p.advance() // project
	name, err := p.expectName()
	if err != nil {
		return nil, err
	}
	props, err := p.parseBracedProperties()
	if err != nil {
		return nil, err
	}
	return &ProjectDecl{Name: name, Properties: props}, nil
}

func (p *Parser) parseAgent() (*AgentDecl, *ParseError) {
	p.advance() // agent
	name, err := p.expectName()
	if err != nil {
		return nil, err
	}
	if err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	decl := &AgentDecl{Name: name, Properties: NewProperties()}
	for {
		p.skipNewlines()
		if p.check(RBRACE) || p.atEnd() {
			break
		}
		switch p.cur().Type {
		case CAPABILITIES:
			p.advance()
			caps, err := p.parseStringArray()
			if err != nil {
				return nil, err
			}
			decl.Capabilities = caps
		case BACKSTORY:
			p.advance()
			lines, err := p.parseBackstoryBlock()
			if err != nil {
				return nil, err
			}
			decl.Backstory = lines
		default:
			key, value, err := p.parseProperty()
			if err != nil {
				return nil, err
			}
			decl.Properties.Set(key, value)
		}
	}
	if err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return decl, nil
}

func (p *Parser) parseWorkflow() (*WorkflowDecl, *ParseError) {
	p.advance() // workflow
	name, err := p.expectName()
	if err != nil {
		return nil, err
	}
	if err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	decl := &WorkflowDecl{Name: name, Properties: NewProperties()}
	for {
		p.skipNewlines()
		if p.check(RBRACE) || p.atEnd() {
			break
		}
		switch p.cur().Type {
		case TRIGGER:
			p.advance()
			if err := p.expect(ASSIGN); err != nil {
				return nil, err
			}
			trig, err := p.parseTriggerValue()
			if err != nil {
				return nil, err
			}
			decl.Trigger = &trig
		case STEP:
			step, err := p.parseStep()
			if err != nil {
				return nil, err
			}
			decl.Steps = append(decl.Steps, step)
		case PIPELINE:
			p.advance()
			pipe, err := p.parsePipelineBlock("")
			if err != nil {
				return nil, err
			}
			decl.Pipeline = pipe
		default:
			key, value, err := p.parseProperty()
			if err != nil {
				return nil, err
			}
			decl.Properties.Set(key, value)
		}
	}
	if err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return decl, nil
}

func (p *Parser) parseStep() (*StepDecl, *ParseError) {
	p.advance() // step
	name, err := p.expectName()
	if err != nil {
		return nil, err
	}
	if err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	decl := &StepDecl{Name: name, Properties: NewProperties()}
	for {
		p.skipNewlines()
		if p.check(RBRACE) || p.atEnd() {
			break
		}
		key, err := p.propertyKey()
		if err != nil {
			return nil, err
		}
		switch key {
		case "agent":
			if err := p.expect(ASSIGN); err != nil {
				return nil, err
			}
			expr, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			decl.Agent, _ = expr.AsString()
		case "crew":
			if err := p.expect(ASSIGN); err != nil {
				return nil, err
			}
			crew, err := p.parseStringArray()
			if err != nil {
				return nil, err
			}
			decl.Crew = crew
		case "task":
			if err := p.expect(ASSIGN); err != nil {
				return nil, err
			}
			expr, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			decl.Task, _ = expr.AsString()
		case "retry":
			// retry { ... } — block form, no '='.
			retry, err := p.parseBracedProperties()
			if err != nil {
				return nil, err
			}
			decl.Properties.Set("retry", ObjectExpr(retry))
		default:
			if err := p.expect(ASSIGN); err != nil {
				return nil, err
			}
			value, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			decl.Properties.Set(key, value)
		}
	}
	if err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return decl, nil
}

func (p *Parser) parseMemory() (*MemoryDecl, *ParseError) {
	p.advance() // memory
	if err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	decl := &MemoryDecl{Properties: NewProperties()}
	for {
		p.skipNewlines()
		if p.check(RBRACE) || p.atEnd() {
			break
		}
		if p.check(EMBEDDINGS) {
			p.advance()
			emb, err := p.parseEmbeddingsBlock()
			if err != nil {
				return nil, err
			}
			decl.Embeddings = emb
			continue
		}
		key, value, err := p.parseProperty()
		if err != nil {
			return nil, err
		}
		switch key {
		case "provider":
			decl.Provider, _ = value.AsString()
		case "connection":
			decl.Connection, _ = value.AsString()
		default:
			decl.Properties.Set(key, value)
		}
	}
	if err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return decl, nil
}

func (p *Parser) parseEmbeddingsBlock() (*EmbeddingsDecl, *ParseError) {
	if err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	decl := &EmbeddingsDecl{Properties: NewProperties()}
	for {
		p.skipNewlines()
		if p.check(RBRACE) || p.atEnd() {
			break
		}
		key, value, err := p.parseProperty()
		if err != nil {
			return nil, err
		}
		switch key {
		case "model":
			decl.Model, _ = value.AsString()
		case "dimensions":
			if n, ok := value.AsNumber(); ok {
				decl.Dimensions = uint32(n)
			}
		default:
			decl.Properties.Set(key, value)
		}
	}
	if err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return decl, nil
}

func (p *Parser) parseContext() (*ContextDecl, *ParseError) {
	p.advance() // context
	name, err := p.expectName()
	if err != nil {
		return nil, err
	}
	if err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	decl := &ContextDecl{Name: name, Properties: NewProperties()}
	for {
		p.skipNewlines()
		if p.check(RBRACE) || p.atEnd() {
			break
		}
		switch p.cur().Type {
		case SECRETS:
			p.advance()
			secrets, err := p.parseSecretsBlock()
			if err != nil {
				return nil, err
			}
			decl.Secrets = secrets
		case VARIABLES:
			p.advance()
			vars, err := p.parseVariablesBlock()
			if err != nil {
				return nil, err
			}
			decl.Variables = vars
		default:
			key, value, err := p.parseProperty()
			if err != nil {
				return nil, err
			}
			if key == "environment" {
				decl.Environment, _ = value.AsString()
			} else {
				decl.Properties.Set(key, value)
			}
		}
	}
	if err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return decl, nil
}

func (p *Parser) parseCrew() (*CrewDecl, *ParseError) {
	p.advance() // crew
	name, err := p.expectName()
	if err != nil {
		return nil, err
	}
	if err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	decl := &CrewDecl{Name: name, Properties: NewProperties()}
	for {
		p.skipNewlines()
		if p.check(RBRACE) || p.atEnd() {
			break
		}
		key, err := p.propertyKey()
		if err != nil {
			return nil, err
		}
		if key == "agents" {
			// agents [ ... ] — no '='.
			agents, err := p.parseStringArray()
			if err != nil {
				return nil, err
			}
			decl.Agents = agents
			continue
		}
		if err := p.expect(ASSIGN); err != nil {
			return nil, err
		}
		value, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if key == "process" {
			decl.ProcessType, _ = value.AsString()
		} else {
			decl.Properties.Set(key, value)
		}
	}
	if err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return decl, nil
}

func (p *Parser) parseTopLevelPipeline() (*PipelineDecl, *ParseError) {
	p.advance() // pipeline
	name := ""
	if p.check(IDENT) || p.check(STRING) {
		var err *ParseError
		name, err = p.expectName()
		if err != nil {
			return nil, err
		}
	}
	return p.parsePipelineBlock(name)
}

func (p *Parser) parsePipelineBlock(name string) (*PipelineDecl, *ParseError) {
	if err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	decl := &PipelineDecl{Name: name}
	for {
		p.skipNewlines()
		if p.check(RBRACE) || p.atEnd() {
			break
		}
		switch p.cur().Type {
		case IDENT:
			decl.Flow = append(decl.Flow, p.advance().Lexeme)
		case STRING:
			tok := p.advance()
			s, _ := tok.Literal.(string)
			decl.Flow = append(decl.Flow, s)
		case ARROW, COMMA:
			p.advance()
		default:
			return nil, p.errHere("unexpected %s in pipeline block", p.describeCur())
		}
	}
	if err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return decl, nil
}

func (p *Parser) parseLoad() (*LoadDecl, *ParseError) {
	p.advance() // load
	path, err := p.expectName()
	if err != nil {
		return nil, err
	}
	decl := &LoadDecl{Path: path, Properties: NewProperties()}
	if p.check(LBRACE) {
		props, err := p.parseBracedProperties()
		if err != nil {
			return nil, err
		}
		decl.Properties = props
	}
	return decl, nil
}

func (p *Parser) parsePlugin() (*PluginDecl, *ParseError) {
	name, err := p.expectName()
	if err != nil {
		return nil, err
	}
	props, err := p.parseBracedProperties()
	if err != nil {
		return nil, err
	}
	decl := &PluginDecl{Name: name, Config: NewProperties()}
	for _, key := range props.Keys() {
		value, _ := props.Get(key)
		switch key {
		case "source":
			decl.Source, _ = value.AsString()
		case "version":
			decl.Version, _ = value.AsString()
		default:
			decl.Config.Set(key, value)
		}
	}
	return decl, nil
}

func (p *Parser) parseDatabase() (*DatabaseDecl, *ParseError) {
	name, err := p.expectName()
	if err != nil {
		return nil, err
	}
	props, err := p.parseBracedProperties()
	if err != nil {
		return nil, err
	}
	return &DatabaseDecl{Name: name, Properties: props}, nil
}

/* ===========================
   PRIVATE: sub-blocks
   =========================== */

// parseProperty parses `key = expression` and returns both sides.
func (p *Parser) parseProperty() (string, Expression, *ParseError) {
	key, err := p.propertyKey()
	if err != nil {
		return "", Expression{}, err
	}
	if err := p.expect(ASSIGN); err != nil {
		return "", Expression{}, err
	}
	value, err := p.parseExpression()
	if err != nil {
		return "", Expression{}, err
	}
	return key, value, nil
}

// parseBracedProperties parses `{ key = expr ... }` including both braces.
func (p *Parser) parseBracedProperties() (*Properties, *ParseError) {
	if err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	props, err := p.parseProperties()
	if err != nil {
		return nil, err
	}
	if err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return props, nil
}

// parseProperties parses `key = expr` entries up to (not including) the
// closing brace.
func (p *Parser) parseProperties() (*Properties, *ParseError) {
	props := NewProperties()
	for {
		p.skipNewlines()
		if p.check(RBRACE) || p.atEnd() {
			return props, nil
		}
		key, value, err := p.parseProperty()
		if err != nil {
			return nil, err
		}
		props.Set(key, value)
		p.match(COMMA)
	}
}

// parseVariablesBlock is parseBracedProperties with keyword keys allowed
// (`timeout = 5m` is a legal variable name).
func (p *Parser) parseVariablesBlock() (*Properties, *ParseError) {
	return p.parseBracedProperties()
}

// parseStringArray parses `[ a, b, ... ]` of identifiers or strings.
func (p *Parser) parseStringArray() ([]string, *ParseError) {
	if err := p.expect(LBRACKET); err != nil {
		return nil, err
	}
	var items []string
	for {
		p.skipNewlines()
		if p.check(RBRACKET) || p.atEnd() {
			break
		}
		name, err := p.expectName()
		if err != nil {
			return nil, err
		}
		items = append(items, name)
		p.match(COMMA)
	}
	if err := p.expect(RBRACKET); err != nil {
		return nil, err
	}
	return items, nil
}

// parseBackstoryBlock collects the free-text lines of `backstory { ... }`.
// Each line's tokens are joined with spaces; string literals keep their
// parsed content.
func (p *Parser) parseBackstoryBlock() ([]string, *ParseError) {
	if err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	var lines []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			line := current[0]
			for _, w := range current[1:] {
				line += " " + w
			}
			lines = append(lines, line)
			current = nil
		}
	}
	for !p.check(RBRACE) && !p.atEnd() {
		tok := p.advance()
		switch tok.Type {
		case NEWLINE:
			flush()
		case STRING:
			s, _ := tok.Literal.(string)
			current = append(current, s)
		default:
			current = append(current, tok.Lexeme)
		}
	}
	flush()
	if err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return lines, nil
}

// parseSecretsBlock parses `secrets { key = ref ... }` where each ref is an
// environment variable ($VAR), a vault path ("vault:...") or a file path
// ("file:...").
func (p *Parser) parseSecretsBlock() (*Properties, *ParseError) {
	if err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	secrets := NewProperties()
	for {
		p.skipNewlines()
		if p.check(RBRACE) || p.atEnd() {
			break
		}
		key, err := p.propertyKey()
		if err != nil {
			return nil, err
		}
		if err := p.expect(ASSIGN); err != nil {
			return nil, err
		}
		tok := p.cur()
		switch tok.Type {
		case VARIABLE:
			p.advance()
			name, _ := tok.Literal.(string)
			secrets.Set(key, VariableExpr(name))
		case STRING:
			s, _ := tok.Literal.(string)
			if !hasSecretPrefix(s) {
				return nil, p.errHere("invalid secret reference %q: want $VAR, \"vault:...\" or \"file:...\"", s)
			}
			p.advance()
			secrets.Set(key, StringExpr(s))
		default:
			return nil, p.errHere("invalid secret reference: found %s", p.describeCur())
		}
	}
	if err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	return secrets, nil
}

func hasSecretPrefix(s string) bool {
	const vault, file = "vault:", "file:"
	return (len(s) > len(vault) && s[:len(vault)] == vault) ||
		(len(s) > len(file) && s[:len(file)] == file)
}

// parseTriggerValue parses the right side of `trigger =`: either an inline
// object or a plain expression (the schedule:/webhook:/event:/file: sugar is
// resolved at conversion time, not here).
func (p *Parser) parseTriggerValue() (Expression, *ParseError) {
	if p.check(LBRACE) {
		props, err := p.parseBracedProperties()
		if err != nil {
			return Expression{}, err
		}
		return ObjectExpr(props), nil
	}
	return p.parseExpression()
}

/* ===========================
   PRIVATE: expressions
   =========================== */

// Operator precedence, lowest binds loosest. The pipeline arrow sits below
// everything so `a -> b` folds after any arithmetic inside a stage.
const (
	precLowest = iota
	precPipeline
	precEquality
	precComparison
	precAddition
	precMultiplication
)

func tokenPrecedence(tt TokenType) int {
	switch tt {
	case ARROW:
		return precPipeline
	case EQ, NEQ:
		return precEquality
	case LESS, LESS_EQ, GREATER, GREATER_EQ:
		return precComparison
	case PLUS, MINUS:
		return precAddition
	case STAR, SLASH:
		return precMultiplication
	}
	return precLowest
}

func binaryOpLexeme(tt TokenType) string {
	switch tt {
	case EQ:
		return "=="
	case NEQ:
		return "!="
	case LESS:
		return "<"
	case LESS_EQ:
		return "<="
	case GREATER:
		return ">"
	case GREATER_EQ:
		return ">="
	case PLUS:
		return "+"
	case MINUS:
		return "-"
	case STAR:
		return "*"
	case SLASH:
		return "/"
	}
	return "?"
}

func (p *Parser) parseExpression() (Expression, *ParseError) {
	return p.parseExpressionWithPrecedence(precLowest + 1)
}

func (p *Parser) parseExpressionWithPrecedence(minPrec int) (Expression, *ParseError) {
	left, err := p.parsePrimary()
	if err != nil {
		return Expression{}, err
	}
	for !p.atEnd() {
		tt := p.cur().Type
		prec := tokenPrecedence(tt)
		if prec < minPrec {
			break
		}
		if tt == ARROW {
			p.advance()
			right, err := p.parseExpressionWithPrecedence(precPipeline + 1)
			if err != nil {
				return Expression{}, err
			}
			left, err = p.foldPipeline(left, right)
			if err != nil {
				return Expression{}, err
			}
			continue
		}
		p.advance()
		right, err := p.parseExpressionWithPrecedence(prec + 1)
		if err != nil {
			return Expression{}, err
		}
		left = BinaryExpr(binaryOpLexeme(tt), left, right)
	}
	return left, nil
}

// foldPipeline flattens `left -> right` into one pipeline expression.
// Adjacent pipelines merge rather than nest; each side must be a stage name
// or an existing pipeline.
func (p *Parser) foldPipeline(left, right Expression) (Expression, *ParseError) {
	var stages []string
	appendSide := func(e Expression, side string) *ParseError {
		switch e.Kind {
		case ExprIdentifier, ExprString:
			s, _ := e.AsString()
			stages = append(stages, s)
		case ExprPipeline:
			more, _ := e.AsPipeline()
			stages = append(stages, more...)
		default:
			return p.errHere("invalid %s side of pipeline: %s expression", side, e.Kind)
		}
		return nil
	}
	if err := appendSide(left, "left"); err != nil {
		return Expression{}, err
	}
	if err := appendSide(right, "right"); err != nil {
		return Expression{}, err
	}
	return PipelineExpr(stages), nil
}

func (p *Parser) parsePrimary() (Expression, *ParseError) {
	tok := p.cur()
	switch tok.Type {
	case STRING:
		p.advance()
		s, _ := tok.Literal.(string)
		return StringExpr(s), nil
	case NUMBER:
		p.advance()
		n, _ := tok.Literal.(float64)
		return NumberExpr(n), nil
	case BOOL:
		p.advance()
		b, _ := tok.Literal.(bool)
		return BoolExpr(b), nil
	case NULL:
		p.advance()
		return NullExpr(), nil
	case DURATION:
		p.advance()
		d, _ := tok.Literal.(Duration)
		return DurationExpr(d), nil
	case VARIABLE:
		p.advance()
		name, _ := tok.Literal.(string)
		return VariableExpr(name), nil
	case REFERENCE:
		p.advance()
		name, _ := tok.Literal.(string)
		if p.match(LBRACKET) {
			key, err := p.expectName()
			if err != nil {
				return Expression{}, err
			}
			if err := p.expect(RBRACKET); err != nil {
				return Expression{}, err
			}
			return ReferenceExpr(name, key), nil
		}
		return ReferenceExpr(name, ""), nil
	case IDENT:
		p.advance()
		return IdentExpr(tok.Lexeme), nil
	case LBRACKET:
		p.advance()
		return p.parseArray()
	case LBRACE:
		props, err := p.parseBracedProperties()
		if err != nil {
			return Expression{}, err
		}
		return ObjectExpr(props), nil
	case LPAREN:
		p.advance()
		expr, err := p.parseExpression()
		if err != nil {
			return Expression{}, err
		}
		if err := p.expect(RPAREN); err != nil {
			return Expression{}, err
		}
		return expr, nil
	}
	if IsBlockKeyword(tok.Type) {
		// Keywords are legal as bare words in value position.
		p.advance()
		return IdentExpr(tok.Lexeme), nil
	}
	return Expression{}, p.errHere("unexpected %s in expression", p.describeCur())
}

// parseArray parses elements up to and including ']' (the '[' is already
// consumed).
func (p *Parser) parseArray() (Expression, *ParseError) {
	var items []Expression
	for {
		p.skipNewlines()
		if p.check(RBRACKET) || p.atEnd() {
			break
		}
		item, err := p.parseExpression()
		if err != nil {
			return Expression{}, err
		}
		items = append(items, item)
		p.match(COMMA)
	}
	if err := p.expect(RBRACKET); err != nil {
		return Expression{}, err
	}
	return ArrayExpr(items), nil
}
