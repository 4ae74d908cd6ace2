// parser_test.go
package helix

import (
	"reflect"
	"strings"
	"testing"
)

// --- helpers ---------------------------------------------------------------

func mustParse(t *testing.T, src string) *HelixAst {
	t.Helper()
	ast, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse error: %v\nsource:\n%s", err, src)
	}
	return ast
}

func onlyDecl(t *testing.T, src string, kind DeclKind) Declaration {
	t.Helper()
	ast := mustParse(t, src)
	if len(ast.Declarations) != 1 {
		t.Fatalf("want 1 declaration, got %d\nsource:\n%s", len(ast.Declarations), src)
	}
	d := ast.Declarations[0]
	if d.Kind != kind {
		t.Fatalf("want %s declaration, got %s", kind, d.Kind)
	}
	return d
}

func mustFailParseContains(t *testing.T, src string, substr string) {
	t.Helper()
	_, err := Parse(src)
	if err == nil {
		t.Fatalf("expected parse error containing %q, got nil\nsource:\n%s", substr, src)
	}
	if substr != "" && !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error containing %q, got %v\nsource:\n%s", substr, err, src)
	}
}

func getProp(t *testing.T, props *Properties, key string) Expression {
	t.Helper()
	v, ok := props.Get(key)
	if !ok {
		t.Fatalf("missing property %q (have %v)", key, props.Keys())
	}
	return v
}

// --- declarations ------------------------------------------------------------

func Test_Parser_Project(t *testing.T) {
	src := `project "demo" {
	version = "1.0.0"
	author = "team"
}`
	d := onlyDecl(t, src, DeclProject)
	p := d.Data.(*ProjectDecl)
	if p.Name != "demo" {
		t.Fatalf("name: %q", p.Name)
	}
	if v, _ := getProp(t, p.Properties, "version").AsString(); v != "1.0.0" {
		t.Fatalf("version: %q", v)
	}
	if !reflect.DeepEqual(p.Properties.Keys(), []string{"version", "author"}) {
		t.Fatalf("property order: %v", p.Properties.Keys())
	}
}

func Test_Parser_Agent_Full(t *testing.T) {
	src := `agent "assistant" {
	model = "gpt-4"
	temperature = 0.7
	max_tokens = 4096

	capabilities [coding, "research", writing]

	backstory {
		A senior engineer with a decade of experience
		"Prefers clear, testable designs."
	}
}`
	d := onlyDecl(t, src, DeclAgent)
	a := d.Data.(*AgentDecl)
	if a.Name != "assistant" {
		t.Fatalf("name: %q", a.Name)
	}
	if m, _ := getProp(t, a.Properties, "model").AsString(); m != "gpt-4" {
		t.Fatalf("model: %q", m)
	}
	if n, _ := getProp(t, a.Properties, "temperature").AsNumber(); n != 0.7 {
		t.Fatalf("temperature: %v", n)
	}
	if !reflect.DeepEqual(a.Capabilities, []string{"coding", "research", "writing"}) {
		t.Fatalf("capabilities: %v", a.Capabilities)
	}
	if len(a.Backstory) != 2 || !strings.HasPrefix(a.Backstory[0], "A senior engineer") {
		t.Fatalf("backstory: %v", a.Backstory)
	}
}

func Test_Parser_Workflow_StepsAndTrigger(t *testing.T) {
	src := `workflow "deploy" {
	trigger = "manual"
	timeout = 30m

	step "build" {
		agent = "builder"
		task = "compile the project"
		timeout = 5m
		parallel = false
	}

	step "verify" {
		crew = [reviewer, tester]
		retry {
			max_attempts = 3
			delay = 10s
			backoff = "exponential"
		}
	}
}`
	d := onlyDecl(t, src, DeclWorkflow)
	w := d.Data.(*WorkflowDecl)
	if w.Name != "deploy" {
		t.Fatalf("name: %q", w.Name)
	}
	if w.Trigger == nil {
		t.Fatalf("trigger not parsed")
	}
	if s, _ := w.Trigger.AsString(); s != "manual" {
		t.Fatalf("trigger: %q", s)
	}
	if len(w.Steps) != 2 {
		t.Fatalf("steps: %d", len(w.Steps))
	}
	build := w.Steps[0]
	if build.Name != "build" || build.Agent != "builder" || build.Task != "compile the project" {
		t.Fatalf("build step: %+v", build)
	}
	if dur, _ := getProp(t, build.Properties, "timeout").AsDuration(); dur.Seconds() != 300 {
		t.Fatalf("step timeout: %v", dur)
	}
	verify := w.Steps[1]
	if !reflect.DeepEqual(verify.Crew, []string{"reviewer", "tester"}) {
		t.Fatalf("crew: %v", verify.Crew)
	}
	retry, ok := getProp(t, verify.Properties, "retry").AsObject()
	if !ok {
		t.Fatalf("retry did not parse as an object")
	}
	if n, _ := getProp(t, retry, "max_attempts").AsNumber(); n != 3 {
		t.Fatalf("max_attempts: %v", n)
	}
}

func Test_Parser_Workflow_TriggerObject(t *testing.T) {
	src := `workflow "nightly" {
	trigger = {
		type = "schedule"
		cron = "0 2 * * *"
	}
}`
	d := onlyDecl(t, src, DeclWorkflow)
	w := d.Data.(*WorkflowDecl)
	obj, ok := w.Trigger.AsObject()
	if !ok {
		t.Fatalf("trigger should be an object, got %v", w.Trigger.Kind)
	}
	if c, _ := getProp(t, obj, "cron").AsString(); c != "0 2 * * *" {
		t.Fatalf("cron: %q", c)
	}
}

func Test_Parser_Workflow_EmbeddedPipeline(t *testing.T) {
	src := `workflow "etl" {
	pipeline {
		extract -> transform -> load-stage
	}
}`
	d := onlyDecl(t, src, DeclWorkflow)
	w := d.Data.(*WorkflowDecl)
	if w.Pipeline == nil {
		t.Fatalf("embedded pipeline not parsed")
	}
	if !reflect.DeepEqual(w.Pipeline.Flow, []string{"extract", "transform", "load-stage"}) {
		t.Fatalf("flow: %v", w.Pipeline.Flow)
	}
}

func Test_Parser_Memory_WithEmbeddings(t *testing.T) {
	src := `memory {
	provider = "postgres"
	connection = "postgres://localhost/helix"
	embeddings {
		model = "text-embedding-3-small"
		dimensions = 1536
	}
}`
	d := onlyDecl(t, src, DeclMemory)
	m := d.Data.(*MemoryDecl)
	if m.Provider != "postgres" || m.Connection != "postgres://localhost/helix" {
		t.Fatalf("memory: %+v", m)
	}
	if m.Embeddings == nil || m.Embeddings.Model != "text-embedding-3-small" || m.Embeddings.Dimensions != 1536 {
		t.Fatalf("embeddings: %+v", m.Embeddings)
	}
}

func Test_Parser_Context_Secrets(t *testing.T) {
	src := `context "production" {
	environment = "prod"
	debug = false

	secrets {
		openai_key = $OPENAI_API_KEY
		db_password = "vault:kv/data/helix#db"
		tls_cert = "file:/etc/helix/cert.pem"
	}

	variables {
		region = "us-east-1"
		timeout = 30s
	}
}`
	d := onlyDecl(t, src, DeclContext)
	c := d.Data.(*ContextDecl)
	if c.Environment != "prod" {
		t.Fatalf("environment: %q", c.Environment)
	}
	key := getProp(t, c.Secrets, "openai_key")
	if key.Kind != ExprVariable {
		t.Fatalf("openai_key kind: %v", key.Kind)
	}
	if s, _ := getProp(t, c.Secrets, "db_password").AsString(); !strings.HasPrefix(s, "vault:") {
		t.Fatalf("db_password: %q", s)
	}
	if s, _ := getProp(t, c.Secrets, "tls_cert").AsString(); !strings.HasPrefix(s, "file:") {
		t.Fatalf("tls_cert: %q", s)
	}
	// `timeout` is a keyword but legal as a variable name.
	if dur, _ := getProp(t, c.Variables, "timeout").AsDuration(); dur.Seconds() != 30 {
		t.Fatalf("variables.timeout: %v", dur)
	}
}

func Test_Parser_Context_BareSecretRejected(t *testing.T) {
	src := `context "prod" {
	secrets {
		key = "plaintext-not-allowed"
	}
}`
	mustFailParseContains(t, src, "invalid secret reference")
}

func Test_Parser_Crew(t *testing.T) {
	src := `crew "research-team" {
	agents [analyst, writer, "fact-checker"]
	process = "hierarchical"
	max_iterations = 5
}`
	d := onlyDecl(t, src, DeclCrew)
	c := d.Data.(*CrewDecl)
	if !reflect.DeepEqual(c.Agents, []string{"analyst", "writer", "fact-checker"}) {
		t.Fatalf("agents: %v", c.Agents)
	}
	if c.ProcessType != "hierarchical" {
		t.Fatalf("process: %q", c.ProcessType)
	}
	if n, _ := getProp(t, c.Properties, "max_iterations").AsNumber(); n != 5 {
		t.Fatalf("max_iterations: %v", n)
	}
}

func Test_Parser_Pipeline_TopLevel(t *testing.T) {
	named := onlyDecl(t, `pipeline "main" { a -> b -> c }`, DeclPipeline).Data.(*PipelineDecl)
	if named.Name != "main" || !reflect.DeepEqual(named.Flow, []string{"a", "b", "c"}) {
		t.Fatalf("named pipeline: %+v", named)
	}
	anon := onlyDecl(t, `pipeline { "fetch data" -> process }`, DeclPipeline).Data.(*PipelineDecl)
	if anon.Name != "" || !reflect.DeepEqual(anon.Flow, []string{"fetch data", "process"}) {
		t.Fatalf("anonymous pipeline: %+v", anon)
	}
}

func Test_Parser_Load(t *testing.T) {
	bare := onlyDecl(t, `load "common.hlx"`, DeclLoad).Data.(*LoadDecl)
	if bare.Path != "common.hlx" || bare.Properties.Len() != 0 {
		t.Fatalf("bare load: %+v", bare)
	}
	withBlock := onlyDecl(t, `load "extra.hlx" { optional = true }`, DeclLoad).Data.(*LoadDecl)
	if b, _ := getProp(t, withBlock.Properties, "optional").AsBool(); !b {
		t.Fatalf("load block: %+v", withBlock)
	}
}

func Test_Parser_Plugin(t *testing.T) {
	src := `plugin "web-search" {
	source = "github.com/helix/web-search"
	version = "2.1.0"
	api_key = $SEARCH_KEY
}`
	d := onlyDecl(t, src, DeclPlugin)
	p := d.Data.(*PluginDecl)
	if p.Source != "github.com/helix/web-search" || p.Version != "2.1.0" {
		t.Fatalf("plugin: %+v", p)
	}
	if v := getProp(t, p.Config, "api_key"); v.Kind != ExprVariable {
		t.Fatalf("api_key kind: %v", v.Kind)
	}
}

func Test_Parser_Database(t *testing.T) {
	src := `database "vectors" {
	engine = "pgvector"
	url = "postgres://localhost/vec"
}`
	d := onlyDecl(t, src, DeclDatabase)
	db := d.Data.(*DatabaseDecl)
	if db.Name != "vectors" {
		t.Fatalf("name: %q", db.Name)
	}
	if e, _ := getProp(t, db.Properties, "engine").AsString(); e != "pgvector" {
		t.Fatalf("engine: %q", e)
	}
}

func Test_Parser_GenericSection(t *testing.T) {
	src := `observability {
	tracing = true
	sample_rate = 0.1
}`
	d := onlyDecl(t, src, DeclSection)
	s := d.Data.(*SectionDecl)
	if s.Name != "observability" {
		t.Fatalf("name: %q", s.Name)
	}
	if b, _ := getProp(t, s.Properties, "tracing").AsBool(); !b {
		t.Fatalf("tracing: %v", b)
	}
}

// --- expressions -------------------------------------------------------------

func Test_Parser_Expression_ArraysAndObjects(t *testing.T) {
	src := `section {
	tags = ["a", "b", 3]
	nested = { inner = { deep = true } }
}`
	s := onlyDecl(t, src, DeclSection).Data.(*SectionDecl)
	items, _ := getProp(t, s.Properties, "tags").AsArray()
	if len(items) != 3 || items[0].Kind != ExprString || items[2].Kind != ExprNumber {
		t.Fatalf("tags: %+v", items)
	}
	nested, _ := getProp(t, s.Properties, "nested").AsObject()
	inner, _ := getProp(t, nested, "inner").AsObject()
	if b, _ := getProp(t, inner, "deep").AsBool(); !b {
		t.Fatalf("nested object did not parse")
	}
}

func Test_Parser_Expression_ReferenceWithKey(t *testing.T) {
	src := `section {
	plain = @assistant
	keyed = @assistant[model]
}`
	s := onlyDecl(t, src, DeclSection).Data.(*SectionDecl)
	plain, _ := getProp(t, s.Properties, "plain").AsReference()
	if plain != (Reference{Name: "assistant"}) {
		t.Fatalf("plain: %+v", plain)
	}
	keyed, _ := getProp(t, s.Properties, "keyed").AsReference()
	if keyed != (Reference{Name: "assistant", Key: "model"}) {
		t.Fatalf("keyed: %+v", keyed)
	}
}

func Test_Parser_Expression_PipelineFoldsFlat(t *testing.T) {
	src := `section { flow = a -> b -> c -> d }`
	s := onlyDecl(t, src, DeclSection).Data.(*SectionDecl)
	stages, ok := getProp(t, s.Properties, "flow").AsPipeline()
	if !ok {
		t.Fatalf("flow is not a pipeline expression")
	}
	if !reflect.DeepEqual(stages, []string{"a", "b", "c", "d"}) {
		t.Fatalf("stages: %v", stages)
	}
}

func Test_Parser_Expression_BinaryPrecedence(t *testing.T) {
	src := `section { cond = 1 + 2 * 3 == 7 }`
	s := onlyDecl(t, src, DeclSection).Data.(*SectionDecl)
	top, ok := getProp(t, s.Properties, "cond").AsBinary()
	if !ok || top.Op != "==" {
		t.Fatalf("top operator: %+v", top)
	}
	sum, ok := top.Left.AsBinary()
	if !ok || sum.Op != "+" {
		t.Fatalf("left of ==: %+v", sum)
	}
	prod, ok := sum.Right.AsBinary()
	if !ok || prod.Op != "*" {
		t.Fatalf("right of +: %+v", prod)
	}
	if n, _ := top.Right.AsNumber(); n != 7 {
		t.Fatalf("right of ==: %v", top.Right)
	}
}

func Test_Parser_Expression_Parens(t *testing.T) {
	src := `section { v = (1 + 2) * 3 }`
	s := onlyDecl(t, src, DeclSection).Data.(*SectionDecl)
	top, ok := getProp(t, s.Properties, "v").AsBinary()
	if !ok || top.Op != "*" {
		t.Fatalf("top operator: %+v", top)
	}
	if sum, ok := top.Left.AsBinary(); !ok || sum.Op != "+" {
		t.Fatalf("parenthesized sum: %+v", top.Left)
	}
}

// --- error handling ----------------------------------------------------------

func Test_Parser_RecoversAfterBadDeclaration(t *testing.T) {
	// The broken agent must produce exactly one error while the workflow
	// after it still parses.
	src := `agent "broken" {
	model =
}

workflow "survivor" {
	trigger = "manual"
}`
	ast, err := Parse(src)
	if err == nil {
		t.Fatalf("expected a parse error for the broken agent")
	}
	list, ok := err.(ParseErrorList)
	if !ok {
		t.Fatalf("want ParseErrorList, got %T", err)
	}
	if len(list) != 1 {
		t.Fatalf("want 1 error, got %d: %v", len(list), list)
	}
	if len(ast.Declarations) != 1 || ast.Declarations[0].Kind != DeclWorkflow {
		t.Fatalf("workflow after the bad agent should survive: %+v", ast.Declarations)
	}
	if ast.Declarations[0].Name() != "survivor" {
		t.Fatalf("surviving declaration: %q", ast.Declarations[0].Name())
	}
}

func Test_Parser_MultipleErrorsAggregate(t *testing.T) {
	src := `agent "first" {
	model =
}

crew "second" {
	agents =
}

project "fine" {
	version = "1.0.0"
}`
	ast, err := Parse(src)
	list, ok := err.(ParseErrorList)
	if !ok {
		t.Fatalf("want ParseErrorList, got %T (%v)", err, err)
	}
	if len(list) != 2 {
		t.Fatalf("want 2 errors, got %d: %v", len(list), list)
	}
	if len(ast.Declarations) != 1 || ast.Declarations[0].Kind != DeclProject {
		t.Fatalf("project should survive: %+v", ast.Declarations)
	}
}

func Test_Parser_ErrorCarriesLocation(t *testing.T) {
	src := "project \"p\" {\n\tversion =\n}"
	_, err := Parse(src)
	list, ok := err.(ParseErrorList)
	if !ok || len(list) == 0 {
		t.Fatalf("want errors, got %v", err)
	}
	if list[0].Line < 2 {
		t.Fatalf("error line: want the missing expression's line, got %d", list[0].Line)
	}
}

func Test_Parser_UnexpectedTopLevelToken(t *testing.T) {
	mustFailParseContains(t, `= "oops"`, "want a declaration")
}

func Test_Parser_ErrorsCarryStructuredExpectation(t *testing.T) {
	// Token mismatches expose the expectation as fields, not only as the
	// rendered message, so tooling can act on them.
	_, err := Parse(`agent 5 { model = "m" }`)
	list, ok := err.(ParseErrorList)
	if !ok || len(list) != 1 {
		t.Fatalf("want 1 parse error, got %T: %v", err, err)
	}
	e := list[0]
	if e.Want != "a name" {
		t.Fatalf("want field: %q", e.Want)
	}
	if !strings.Contains(e.Found, `"5"`) {
		t.Fatalf("found field: %q", e.Found)
	}
	if !strings.Contains(e.Msg, e.Want) || !strings.Contains(e.Msg, e.Found) {
		t.Fatalf("message should render both fields: %q", e.Msg)
	}

	_, err = Parse(`123`)
	list, ok = err.(ParseErrorList)
	if !ok || len(list) != 1 {
		t.Fatalf("want 1 parse error, got %T: %v", err, err)
	}
	if list[0].Want != "a declaration" || list[0].Found == "" {
		t.Fatalf("top-level mismatch fields: want=%q found=%q", list[0].Want, list[0].Found)
	}
}

func Test_Parser_KeywordAsValue(t *testing.T) {
	// Block keywords are legal bare words in value position.
	src := `section { mode = pipeline }`
	s := onlyDecl(t, src, DeclSection).Data.(*SectionDecl)
	if v, _ := getProp(t, s.Properties, "mode").AsString(); v != "pipeline" {
		t.Fatalf("mode: %q", v)
	}
}

func Test_Parser_MixedFile(t *testing.T) {
	src := `project "demo" {
	version = "0.1.0"
}

agent "worker" {
	model = "gpt-4"
}

workflow "run" {
	trigger = "manual"
	step "go" {
		agent = "worker"
		task = "do the thing"
	}
}

memory {
	provider = "sqlite"
	connection = "file:mem.db"
}

pipeline "flow" { start -> finish }`
	ast := mustParse(t, src)
	kinds := make([]DeclKind, 0, len(ast.Declarations))
	for _, d := range ast.Declarations {
		kinds = append(kinds, d.Kind)
	}
	want := []DeclKind{DeclProject, DeclAgent, DeclWorkflow, DeclMemory, DeclPipeline}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("declaration kinds: %v", kinds)
	}
}
