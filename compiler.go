// compiler.go — the end-to-end surfaces: compile, decompile, inspect.
//
// Compile runs source through the whole pipeline (parse, analyze,
// generate, serialize) under one options struct. CompileFile adds the
// on-disk artifact cache: when the cached .hlxb is fresher than its
// source and records the same source hash, the pipeline is skipped.
//
// Decompile goes the other way: execute the binary, project the rebuilt
// config back onto an AST, and print it canonically. Declarations come
// back grouped by kind and sorted by name — the binary does not record
// the original interleaving across kinds.
package helix

import (
	"log/slog"
	"os"
	"sort"
	"strings"
)

/* ===========================
   PUBLIC API
   =========================== */

// CompilerOptions configures the pipeline.
type CompilerOptions struct {
	Optimize OptimizeLevel
	Compress bool
	Cache    bool
	Verbose  bool
}

// DefaultCompilerOptions returns the documented defaults: standard
// optimization, compression on, cache on, verbose off.
func DefaultCompilerOptions() CompilerOptions {
	return CompilerOptions{
		Optimize: OptimizeStandard,
		Compress: true,
		Cache:    true,
		Verbose:  false,
	}
}

// Compiler drives the pipeline under one set of options.
type Compiler struct {
	options CompilerOptions
	log     *slog.Logger
}

// NewCompiler returns a compiler with the given options.
func NewCompiler(options CompilerOptions) *Compiler {
	level := slog.LevelWarn
	if options.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return &Compiler{options: options, log: log}
}

// Options returns the compiler's options.
func (c *Compiler) Options() CompilerOptions { return c.options }

// Compile runs source through parse, analyze, generate and serialize.
// sourcePath is recorded in the artifact metadata; it may be empty.
func (c *Compiler) Compile(source, sourcePath string) ([]byte, error) {
	ast, err := Parse(source)
	if err != nil {
		return nil, WrapErrorWithName(err, sourcePath, source)
	}
	if err := Analyze(ast); err != nil {
		return nil, WrapErrorWithName(err, sourcePath, source)
	}
	ir := GenerateOptimized(ast, c.options.Optimize)
	c.log.Debug("generated ir",
		"instructions", len(ir.Instructions),
		"constants", len(ir.Constants),
		"optimize", int(c.options.Optimize))
	serializer := NewBinarySerializer(c.options.Compress)
	return serializer.Serialize(ir, BinaryMetadata{
		SourceHash: SourceHash(source),
		SourcePath: sourcePath,
	})
}

// CompileFile compiles path and writes the artifact next to it with the
// .hlxb extension, returning the artifact path. With the cache enabled, a
// fresh artifact recording the same source hash short-circuits the
// pipeline.
func (c *Compiler) CompileFile(path string) (string, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	outPath := artifactPath(path)
	if c.options.Cache && c.cacheFresh(outPath, string(source)) {
		c.log.Debug("cache hit", "artifact", outPath)
		return outPath, nil
	}
	data, err := c.Compile(string(source), path)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return "", &BinaryError{Kind: BinaryIO, Msg: err.Error()}
	}
	c.log.Debug("wrote artifact", "artifact", outPath, "bytes", len(data))
	return outPath, nil
}

// Decompile executes a compiled artifact and renders the rebuilt config
// as canonical source.
func (c *Compiler) Decompile(path string) (string, error) {
	executor := NewVMExecutor()
	config, err := executor.ExecuteFile(path)
	if err != nil {
		return "", err
	}
	return RenderConfig(config), nil
}

// Info reads an artifact's header and metadata without executing it.
func (c *Compiler) Info(path string) (*BinaryInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &BinaryError{Kind: BinaryIO, Msg: err.Error()}
	}
	return ReadBinaryInfo(data)
}

// CompileFile compiles one .hlx file with default options and returns the
// artifact path.
func CompileFile(path string) (string, error) {
	return NewCompiler(DefaultCompilerOptions()).CompileFile(path)
}

// RenderConfig prints a config as canonical .hlx source. Declarations are
// grouped by kind and sorted by name inside each group.
func RenderConfig(config *HelixConfig) string {
	return PrettyPrint(configToAst(config))
}

//// END_OF_PUBLIC

func artifactPath(path string) string {
	if strings.HasSuffix(path, ".hlx") {
		return strings.TrimSuffix(path, ".hlx") + ".hlxb"
	}
	return path + ".hlxb"
}

// cacheFresh reports whether the artifact exists, is newer than the
// source's current content per the recorded hash, and decodes cleanly.
func (c *Compiler) cacheFresh(artifact, source string) bool {
	data, err := os.ReadFile(artifact)
	if err != nil {
		return false
	}
	info, err := ReadBinaryInfo(data)
	if err != nil {
		return false
	}
	return info.Metadata.SourceHash == SourceHash(source)
}

/* ===========================
   PRIVATE: config -> AST
   =========================== */

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// valueToExpression is the inverse of ExpressionToValue. Reference values
// recover their variable or reference spelling from the stored prefix.
func valueToExpression(v Value) Expression {
	switch v.Tag {
	case ValueString:
		s, _ := v.AsString()
		return StringExpr(s)
	case ValueNumber:
		n, _ := v.AsNumber()
		return NumberExpr(n)
	case ValueBool:
		b, _ := v.AsBool()
		return BoolExpr(b)
	case ValueNull:
		return NullExpr()
	case ValueDuration:
		d, _ := v.AsDuration()
		return DurationExpr(d)
	case ValueReference:
		s, _ := v.AsString()
		switch {
		case strings.HasPrefix(s, "$"):
			return VariableExpr(strings.TrimPrefix(s, "$"))
		case strings.HasPrefix(s, "@"):
			name := strings.TrimPrefix(s, "@")
			if open := strings.IndexByte(name, '['); open >= 0 && strings.HasSuffix(name, "]") {
				return ReferenceExpr(name[:open], name[open+1:len(name)-1])
			}
			return ReferenceExpr(name, "")
		default:
			return StringExpr(s)
		}
	case ValueArray:
		items, _ := v.AsArray()
		exprs := make([]Expression, len(items))
		for i, item := range items {
			exprs[i] = valueToExpression(item)
		}
		return ArrayExpr(exprs)
	case ValueObject:
		m, _ := v.AsObject()
		props := NewProperties()
		for _, k := range sortedKeys(m) {
			props.Set(k, valueToExpression(m[k]))
		}
		return ObjectExpr(props)
	}
	return NullExpr()
}

func configToAst(config *HelixConfig) *HelixAst {
	ast := &HelixAst{}
	for _, name := range sortedKeys(config.Projects) {
		ast.AddDeclaration(Declaration{Kind: DeclProject, Data: projectToDecl(config.Projects[name])})
	}
	for _, name := range sortedKeys(config.Agents) {
		ast.AddDeclaration(Declaration{Kind: DeclAgent, Data: agentToDecl(config.Agents[name])})
	}
	for _, name := range sortedKeys(config.Workflows) {
		ast.AddDeclaration(Declaration{Kind: DeclWorkflow, Data: workflowToDecl(config.Workflows[name])})
	}
	if config.Memory != nil {
		ast.AddDeclaration(Declaration{Kind: DeclMemory, Data: memoryToDecl(config.Memory)})
	}
	for _, name := range sortedKeys(config.Contexts) {
		ast.AddDeclaration(Declaration{Kind: DeclContext, Data: contextToDecl(config.Contexts[name])})
	}
	for _, name := range sortedKeys(config.Crews) {
		ast.AddDeclaration(Declaration{Kind: DeclCrew, Data: crewToDecl(config.Crews[name])})
	}
	for _, name := range sortedKeys(config.Pipelines) {
		pipe := config.Pipelines[name]
		declName := pipe.Name
		if declName == "default" {
			declName = ""
		}
		ast.AddDeclaration(Declaration{Kind: DeclPipeline, Data: &PipelineDecl{Name: declName, Flow: pipe.Stages}})
	}
	for _, plugin := range config.Plugins {
		ast.AddDeclaration(Declaration{Kind: DeclPlugin, Data: pluginToDecl(plugin)})
	}
	for _, name := range sortedKeys(config.Databases) {
		ast.AddDeclaration(Declaration{Kind: DeclDatabase, Data: databaseToDecl(config.Databases[name])})
	}
	for _, name := range sortedKeys(config.Sections) {
		props := NewProperties()
		section := config.Sections[name]
		for _, k := range sortedKeys(section) {
			props.Set(k, valueToExpression(section[k]))
		}
		ast.AddDeclaration(Declaration{Kind: DeclSection, Data: &SectionDecl{Name: name, Properties: props}})
	}
	return ast
}

func projectToDecl(cfg *ProjectConfig) *ProjectDecl {
	props := NewProperties()
	if cfg.Version != "" {
		props.Set("version", StringExpr(cfg.Version))
	}
	if cfg.Author != "" {
		props.Set("author", StringExpr(cfg.Author))
	}
	if cfg.Description != "" {
		props.Set("description", StringExpr(cfg.Description))
	}
	for _, k := range sortedKeys(cfg.Metadata) {
		props.Set(k, valueToExpression(cfg.Metadata[k]))
	}
	return &ProjectDecl{Name: cfg.Name, Properties: props}
}

func agentToDecl(cfg *AgentConfig) *AgentDecl {
	props := NewProperties()
	if cfg.Model != "" {
		props.Set("model", StringExpr(cfg.Model))
	}
	if cfg.Role != "" {
		props.Set("role", StringExpr(cfg.Role))
	}
	if cfg.Temperature != nil {
		props.Set("temperature", NumberExpr(*cfg.Temperature))
	}
	if cfg.MaxTokens != nil {
		props.Set("max_tokens", NumberExpr(float64(*cfg.MaxTokens)))
	}
	if cfg.Tools != nil {
		props.Set("tools", stringArrayExpr(cfg.Tools))
	}
	if cfg.Constraints != nil {
		props.Set("constraints", stringArrayExpr(cfg.Constraints))
	}
	decl := &AgentDecl{Name: cfg.Name, Properties: props, Capabilities: cfg.Capabilities}
	if cfg.Backstory != "" {
		decl.Backstory = strings.Split(cfg.Backstory, "\n")
	}
	return decl
}

func workflowToDecl(cfg *WorkflowConfig) *WorkflowDecl {
	decl := &WorkflowDecl{Name: cfg.Name, Properties: NewProperties()}
	trigger := StringExpr(cfg.Trigger.String())
	decl.Trigger = &trigger
	if cfg.Outputs != nil {
		decl.Properties.Set("outputs", stringArrayExpr(cfg.Outputs))
	}
	if cfg.OnError != "" {
		decl.Properties.Set("on_error", StringExpr(cfg.OnError))
	}
	for _, step := range cfg.Steps {
		decl.Steps = append(decl.Steps, stepToDecl(step))
	}
	if cfg.Pipeline != nil {
		decl.Pipeline = &PipelineDecl{Name: cfg.Pipeline.Name, Flow: cfg.Pipeline.Stages}
	}
	return decl
}

func stepToDecl(cfg *StepConfig) *StepDecl {
	decl := &StepDecl{
		Name:       cfg.Name,
		Agent:      cfg.Agent,
		Crew:       cfg.Crew,
		Task:       cfg.Task,
		Properties: NewProperties(),
	}
	if cfg.Timeout != nil {
		decl.Properties.Set("timeout", DurationExpr(*cfg.Timeout))
	}
	if cfg.Parallel {
		decl.Properties.Set("parallel", BoolExpr(true))
	}
	if cfg.DependsOn != nil {
		decl.Properties.Set("depends_on", stringArrayExpr(cfg.DependsOn))
	}
	if cfg.Retry != nil {
		retry := NewProperties()
		retry.Set("max_attempts", NumberExpr(float64(cfg.Retry.MaxAttempts)))
		retry.Set("delay", DurationExpr(cfg.Retry.Delay))
		retry.Set("backoff", StringExpr(cfg.Retry.Backoff.String()))
		decl.Properties.Set("retry", ObjectExpr(retry))
	}
	return decl
}

func memoryToDecl(cfg *MemoryConfig) *MemoryDecl {
	decl := &MemoryDecl{
		Provider:   cfg.Provider,
		Connection: cfg.Connection,
		Properties: NewProperties(),
	}
	if cfg.CacheSize != nil {
		decl.Properties.Set("cache_size", NumberExpr(float64(*cfg.CacheSize)))
	}
	if !cfg.Persistence {
		decl.Properties.Set("persistence", BoolExpr(false))
	}
	if cfg.Embeddings.Model != "" {
		decl.Embeddings = &EmbeddingsDecl{
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Embeddings.Dimensions,
			Properties: NewProperties(),
		}
		if cfg.Embeddings.BatchSize != nil {
			decl.Embeddings.Properties.Set("batch_size", NumberExpr(float64(*cfg.Embeddings.BatchSize)))
		}
	}
	return decl
}

func contextToDecl(cfg *ContextConfig) *ContextDecl {
	decl := &ContextDecl{
		Name:        cfg.Name,
		Environment: cfg.Environment,
		Properties:  NewProperties(),
		Secrets:     NewProperties(),
		Variables:   NewProperties(),
	}
	if cfg.Debug {
		decl.Properties.Set("debug", BoolExpr(true))
	}
	if cfg.MaxTokens != nil {
		decl.Properties.Set("max_tokens", NumberExpr(float64(*cfg.MaxTokens)))
	}
	for _, k := range sortedKeys(cfg.Secrets) {
		ref := cfg.Secrets[k]
		if ref.Kind == SecretEnvironment {
			decl.Secrets.Set(k, VariableExpr(ref.Value))
		} else {
			decl.Secrets.Set(k, StringExpr(ref.String()))
		}
	}
	for _, k := range sortedKeys(cfg.Variables) {
		decl.Variables.Set(k, valueToExpression(cfg.Variables[k]))
	}
	return decl
}

func crewToDecl(cfg *CrewConfig) *CrewDecl {
	decl := &CrewDecl{
		Name:        cfg.Name,
		Agents:      cfg.Agents,
		ProcessType: cfg.ProcessType.String(),
		Properties:  NewProperties(),
	}
	if cfg.Manager != "" {
		decl.Properties.Set("manager", StringExpr(cfg.Manager))
	}
	if cfg.MaxIterations != nil {
		decl.Properties.Set("max_iterations", NumberExpr(float64(*cfg.MaxIterations)))
	}
	if cfg.Verbose {
		decl.Properties.Set("verbose", BoolExpr(true))
	}
	return decl
}

func pluginToDecl(cfg *PluginConfig) *PluginDecl {
	decl := &PluginDecl{
		Name:    cfg.Name,
		Source:  cfg.Source,
		Version: cfg.Version,
		Config:  NewProperties(),
	}
	for _, k := range sortedKeys(cfg.Config) {
		decl.Config.Set(k, valueToExpression(cfg.Config[k]))
	}
	return decl
}

func databaseToDecl(cfg *DatabaseConfig) *DatabaseDecl {
	props := NewProperties()
	if cfg.Path != "" {
		props.Set("path", StringExpr(cfg.Path))
	}
	if cfg.Shards != nil {
		props.Set("shards", NumberExpr(float64(*cfg.Shards)))
	}
	if cfg.Compression != nil {
		props.Set("compression", BoolExpr(*cfg.Compression))
	}
	if cfg.CacheSize != nil {
		props.Set("cache_size", NumberExpr(float64(*cfg.CacheSize)))
	}
	if cfg.VectorIndex != nil {
		vi := NewProperties()
		if cfg.VectorIndex.IndexType != "" {
			vi.Set("type", StringExpr(cfg.VectorIndex.IndexType))
		}
		if cfg.VectorIndex.Dimensions != 0 {
			vi.Set("dimensions", NumberExpr(float64(cfg.VectorIndex.Dimensions)))
		}
		if cfg.VectorIndex.M != nil {
			vi.Set("m", NumberExpr(float64(*cfg.VectorIndex.M)))
		}
		if cfg.VectorIndex.EfConstruction != nil {
			vi.Set("ef_construction", NumberExpr(float64(*cfg.VectorIndex.EfConstruction)))
		}
		if cfg.VectorIndex.DistanceMetric != "" {
			vi.Set("distance_metric", StringExpr(cfg.VectorIndex.DistanceMetric))
		}
		props.Set("vector_index", ObjectExpr(vi))
	}
	for _, k := range sortedKeys(cfg.Properties) {
		props.Set(k, valueToExpression(cfg.Properties[k]))
	}
	return &DatabaseDecl{Name: cfg.Name, Properties: props}
}

func stringArrayExpr(items []string) Expression {
	exprs := make([]Expression, len(items))
	for i, s := range items {
		exprs[i] = StringExpr(s)
	}
	return ArrayExpr(exprs)
}
