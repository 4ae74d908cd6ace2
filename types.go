// types.go — the typed configuration model and AST-to-config projection.
//
// OVERVIEW
// --------
// HelixConfig is the validated, typed view of a parsed file: named maps for
// projects, agents, workflows, contexts, crews, pipelines and databases, a
// single optional memory block, a plugin list, and a generic sections bag
// for top-level blocks the grammar does not special-case.
//
// Values inside the config use the tagged Value type (Tag + payload), the
// runtime sibling of the AST's Expression. Conversion from AST to config
// applies the documented defaults: ProcessType falls back to sequential,
// plugin versions to "latest", triggers to manual, memory persistence to on.
//
// HelixLoader adds the filesystem conveniences: load one file, load every
// .hlx in a directory, merge configs, and probe an injected candidate list
// for a default config (the candidate paths are the caller's business, so
// the core stays testable without a real home directory).
package helix

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

/* ===========================
   PUBLIC API: runtime values
   =========================== */

// ValueTag discriminates the Value payload.
type ValueTag int

const (
	ValueString ValueTag = iota
	ValueNumber
	ValueBool
	ValueNull
	ValueArray
	ValueObject
	ValueDuration
	ValueReference
)

// Value is a runtime configuration value. Data holds, per Tag:
//
//	ValueString, ValueReference  string
//	ValueNumber                  float64
//	ValueBool                    bool
//	ValueNull                    nil
//	ValueArray                   []Value
//	ValueObject                  map[string]Value
//	ValueDuration                Duration
type Value struct {
	Tag  ValueTag
	Data interface{}
}

func StringValue(s string) Value       { return Value{Tag: ValueString, Data: s} }
func NumberValue(n float64) Value      { return Value{Tag: ValueNumber, Data: n} }
func BoolValue(b bool) Value           { return Value{Tag: ValueBool, Data: b} }
func NullValue() Value                 { return Value{Tag: ValueNull} }
func ArrayValue(items []Value) Value   { return Value{Tag: ValueArray, Data: items} }
func DurationValue(d Duration) Value   { return Value{Tag: ValueDuration, Data: d} }
func ReferenceValue(ref string) Value  { return Value{Tag: ValueReference, Data: ref} }
func ObjectValue(m map[string]Value) Value {
	return Value{Tag: ValueObject, Data: m}
}

// AsString returns the string payload of string/reference values.
func (v Value) AsString() (string, bool) {
	switch v.Tag {
	case ValueString, ValueReference:
		s, ok := v.Data.(string)
		return s, ok
	}
	return "", false
}

// AsNumber returns the numeric payload.
func (v Value) AsNumber() (float64, bool) {
	if v.Tag != ValueNumber {
		return 0, false
	}
	n, ok := v.Data.(float64)
	return n, ok
}

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) {
	if v.Tag != ValueBool {
		return false, false
	}
	b, ok := v.Data.(bool)
	return b, ok
}

// AsArray returns the element slice.
func (v Value) AsArray() ([]Value, bool) {
	if v.Tag != ValueArray {
		return nil, false
	}
	items, ok := v.Data.([]Value)
	return items, ok
}

// AsObject returns the entry map.
func (v Value) AsObject() (map[string]Value, bool) {
	if v.Tag != ValueObject {
		return nil, false
	}
	m, ok := v.Data.(map[string]Value)
	return m, ok
}

// AsDuration returns the duration payload.
func (v Value) AsDuration() (Duration, bool) {
	if v.Tag != ValueDuration {
		return Duration{}, false
	}
	d, ok := v.Data.(Duration)
	return d, ok
}

// String renders the value roughly the way the printer would.
func (v Value) String() string {
	switch v.Tag {
	case ValueString:
		s, _ := v.AsString()
		return s
	case ValueNumber:
		n, _ := v.AsNumber()
		return formatNumber(n)
	case ValueBool:
		b, _ := v.AsBool()
		if b {
			return "true"
		}
		return "false"
	case ValueNull:
		return "null"
	case ValueDuration:
		d, _ := v.AsDuration()
		return d.String()
	case ValueReference:
		s, _ := v.AsString()
		return s
	case ValueArray:
		items, _ := v.AsArray()
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case ValueObject:
		m, _ := v.AsObject()
		parts := make([]string, 0, len(m))
		for k := range m {
			parts = append(parts, k)
		}
		return fmt.Sprintf("{%d entries: %s}", len(m), strings.Join(parts, ", "))
	}
	return "null"
}

// ExpressionToValue lowers an AST expression to a runtime value. Variables
// and references survive as reference values in their source spelling.
func ExpressionToValue(e Expression) Value {
	switch e.Kind {
	case ExprString, ExprIdentifier:
		s, _ := e.AsString()
		return StringValue(s)
	case ExprNumber:
		n, _ := e.AsNumber()
		return NumberValue(n)
	case ExprBool:
		b, _ := e.AsBool()
		return BoolValue(b)
	case ExprNull:
		return NullValue()
	case ExprDuration:
		d, _ := e.AsDuration()
		return DurationValue(d)
	case ExprVariable:
		s, _ := e.AsString()
		return ReferenceValue("$" + s)
	case ExprReference:
		r, _ := e.AsReference()
		if r.Key != "" {
			return ReferenceValue("@" + r.Name + "[" + r.Key + "]")
		}
		return ReferenceValue("@" + r.Name)
	case ExprArray:
		items, _ := e.AsArray()
		values := make([]Value, len(items))
		for i, item := range items {
			values[i] = ExpressionToValue(item)
		}
		return ArrayValue(values)
	case ExprObject:
		props, _ := e.AsObject()
		m := make(map[string]Value, props.Len())
		for _, key := range props.Keys() {
			pv, _ := props.Get(key)
			m[key] = ExpressionToValue(pv)
		}
		return ObjectValue(m)
	case ExprPipeline:
		stages, _ := e.AsPipeline()
		values := make([]Value, len(stages))
		for i, s := range stages {
			values[i] = StringValue(s)
		}
		return ArrayValue(values)
	case ExprBinary:
		// Unevaluated operator expressions survive as their source text.
		var p pp
		p.out.b = &strings.Builder{}
		return StringValue(p.expr(e))
	}
	return NullValue()
}

/* ===========================
   PUBLIC API: typed config
   =========================== */

// HelixConfig is the validated, typed projection of a parsed file.
type HelixConfig struct {
	Projects  map[string]*ProjectConfig
	Agents    map[string]*AgentConfig
	Workflows map[string]*WorkflowConfig
	Memory    *MemoryConfig
	Contexts  map[string]*ContextConfig
	Crews     map[string]*CrewConfig
	Pipelines map[string]*PipelineConfig
	Plugins   []*PluginConfig
	Databases map[string]*DatabaseConfig
	// Sections catches top-level blocks the grammar does not special-case.
	Sections map[string]map[string]Value
}

// NewHelixConfig returns an empty config with every map allocated.
func NewHelixConfig() *HelixConfig {
	return &HelixConfig{
		Projects:  make(map[string]*ProjectConfig),
		Agents:    make(map[string]*AgentConfig),
		Workflows: make(map[string]*WorkflowConfig),
		Contexts:  make(map[string]*ContextConfig),
		Crews:     make(map[string]*CrewConfig),
		Pipelines: make(map[string]*PipelineConfig),
		Databases: make(map[string]*DatabaseConfig),
		Sections:  make(map[string]map[string]Value),
	}
}

type ProjectConfig struct {
	Name        string
	Version     string
	Author      string
	Description string
	Metadata    map[string]Value
}

type AgentConfig struct {
	Name         string
	Model        string
	Role         string
	Temperature  *float64
	MaxTokens    *uint32
	Capabilities []string
	Backstory    string
	Tools        []string
	Constraints  []string
}

type WorkflowConfig struct {
	Name     string
	Trigger  TriggerConfig
	Steps    []*StepConfig
	Pipeline *PipelineConfig
	Outputs  []string
	OnError  string
}

type StepConfig struct {
	Name      string
	Agent     string
	Crew      []string
	Task      string
	Timeout   *Duration
	Parallel  bool
	DependsOn []string
	Retry     *RetryConfig
}

type MemoryConfig struct {
	Provider    string
	Connection  string
	Embeddings  EmbeddingConfig
	CacheSize   *int
	Persistence bool
}

type EmbeddingConfig struct {
	Model      string
	Dimensions uint32
	BatchSize  *uint32
}

type ContextConfig struct {
	Name        string
	Environment string
	Debug       bool
	MaxTokens   *uint64
	Secrets     map[string]SecretRef
	Variables   map[string]Value
}

type CrewConfig struct {
	Name          string
	Agents        []string
	ProcessType   ProcessType
	Manager       string
	MaxIterations *uint32
	Verbose       bool
}

type PluginConfig struct {
	Name    string
	Source  string
	Version string
	Config  map[string]Value
}

type DatabaseConfig struct {
	Name        string
	Path        string
	Shards      *int64
	Compression *bool
	CacheSize   *int64
	VectorIndex *VectorIndexConfig
	Properties  map[string]Value
}

type VectorIndexConfig struct {
	IndexType      string
	Dimensions     int64
	M              *int64
	EfConstruction *int64
	DistanceMetric string
}

type PipelineConfig struct {
	Name   string
	Stages []string
	Flow   string
}

// TriggerKind discriminates how a workflow fires.
type TriggerKind int

const (
	TriggerManual TriggerKind = iota
	TriggerSchedule
	TriggerWebhook
	TriggerEvent
	TriggerFileWatch
)

// TriggerConfig pairs the kind with its argument (cron spec, URL, event
// name or watch path; empty for manual).
type TriggerConfig struct {
	Kind  TriggerKind
	Value string
}

func (t TriggerConfig) String() string {
	switch t.Kind {
	case TriggerSchedule:
		return "schedule:" + t.Value
	case TriggerWebhook:
		return "webhook:" + t.Value
	case TriggerEvent:
		return "event:" + t.Value
	case TriggerFileWatch:
		return "file:" + t.Value
	default:
		return "manual"
	}
}

// SecretKind discriminates where a secret comes from.
type SecretKind int

const (
	SecretEnvironment SecretKind = iota
	SecretVault
	SecretFile
)

// SecretRef points at a secret without carrying its material.
type SecretRef struct {
	Kind  SecretKind
	Value string
}

func (s SecretRef) String() string {
	switch s.Kind {
	case SecretVault:
		return "vault:" + s.Value
	case SecretFile:
		return "file:" + s.Value
	default:
		return "$" + s.Value
	}
}

// ProcessType is how a crew coordinates its agents.
type ProcessType int

const (
	ProcessSequential ProcessType = iota
	ProcessHierarchical
	ProcessParallel
	ProcessConsensus
)

func (p ProcessType) String() string {
	switch p {
	case ProcessHierarchical:
		return "hierarchical"
	case ProcessParallel:
		return "parallel"
	case ProcessConsensus:
		return "consensus"
	default:
		return "sequential"
	}
}

// ParseProcessType maps the source spelling to a ProcessType, defaulting to
// sequential for anything unrecognized.
func ParseProcessType(s string) ProcessType {
	switch s {
	case "hierarchical":
		return ProcessHierarchical
	case "parallel":
		return ProcessParallel
	case "consensus":
		return ProcessConsensus
	default:
		return ProcessSequential
	}
}

// BackoffStrategy is how retry delays grow between attempts.
type BackoffStrategy int

const (
	BackoffFixed BackoffStrategy = iota
	BackoffLinear
	BackoffExponential
)

func (b BackoffStrategy) String() string {
	switch b {
	case BackoffLinear:
		return "linear"
	case BackoffExponential:
		return "exponential"
	default:
		return "fixed"
	}
}

// RetryConfig is the step-level retry policy.
type RetryConfig struct {
	MaxAttempts uint32
	Delay       Duration
	Backoff     BackoffStrategy
}

/* ===========================
   PUBLIC API: AST -> config
   =========================== */

// AstToConfig projects an AST onto the typed config model, applying
// defaults. Load declarations are recorded nowhere here; resolving them is
// the loader's job.
func AstToConfig(ast *HelixAst) (*HelixConfig, error) {
	config := NewHelixConfig()
	for _, decl := range ast.Declarations {
		switch v := decl.Data.(type) {
		case *ProjectDecl:
			p := convertProject(v)
			config.Projects[p.Name] = p
		case *AgentDecl:
			a := convertAgent(v)
			config.Agents[a.Name] = a
		case *WorkflowDecl:
			w := convertWorkflow(v)
			config.Workflows[w.Name] = w
		case *MemoryDecl:
			config.Memory = convertMemory(v)
		case *ContextDecl:
			c := convertContext(v)
			config.Contexts[c.Name] = c
		case *CrewDecl:
			c := convertCrew(v)
			config.Crews[c.Name] = c
		case *PipelineDecl:
			p := convertPipeline(v)
			config.Pipelines[p.Name] = p
		case *PluginDecl:
			config.Plugins = append(config.Plugins, convertPlugin(v))
		case *DatabaseDecl:
			d := convertDatabase(v)
			config.Databases[d.Name] = d
		case *LoadDecl:
			// Handled by HelixLoader; a bare conversion ignores it.
		case *SectionDecl:
			config.Sections[v.Name] = propertiesToValues(v.Properties)
		default:
			return nil, fmt.Errorf("unknown declaration kind %s", decl.Kind)
		}
	}
	return config, nil
}

//// END_OF_PUBLIC

func propertiesToValues(props *Properties) map[string]Value {
	m := make(map[string]Value, props.Len())
	for _, key := range props.Keys() {
		e, _ := props.Get(key)
		m[key] = ExpressionToValue(e)
	}
	return m
}

func propString(props *Properties, key string) (string, bool) {
	e, ok := props.Get(key)
	if !ok {
		return "", false
	}
	return e.AsString()
}

func propNumber(props *Properties, key string) (float64, bool) {
	e, ok := props.Get(key)
	if !ok {
		return 0, false
	}
	return e.AsNumber()
}

func propBool(props *Properties, key string) (bool, bool) {
	e, ok := props.Get(key)
	if !ok {
		return false, false
	}
	return e.AsBool()
}

func propStringArray(props *Properties, key string) []string {
	e, ok := props.Get(key)
	if !ok {
		return nil
	}
	items, ok := e.AsArray()
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

func convertProject(d *ProjectDecl) *ProjectConfig {
	cfg := &ProjectConfig{Name: d.Name, Metadata: make(map[string]Value)}
	for _, key := range d.Properties.Keys() {
		e, _ := d.Properties.Get(key)
		switch key {
		case "version":
			cfg.Version, _ = e.AsString()
		case "author":
			cfg.Author, _ = e.AsString()
		case "description":
			cfg.Description, _ = e.AsString()
		default:
			cfg.Metadata[key] = ExpressionToValue(e)
		}
	}
	return cfg
}

func convertAgent(d *AgentDecl) *AgentConfig {
	cfg := &AgentConfig{
		Name:         d.Name,
		Capabilities: d.Capabilities,
		Backstory:    strings.Join(d.Backstory, "\n"),
	}
	cfg.Model, _ = propString(d.Properties, "model")
	cfg.Role, _ = propString(d.Properties, "role")
	if n, ok := propNumber(d.Properties, "temperature"); ok {
		cfg.Temperature = &n
	}
	if n, ok := propNumber(d.Properties, "max_tokens"); ok {
		mt := uint32(n)
		cfg.MaxTokens = &mt
	}
	cfg.Tools = propStringArray(d.Properties, "tools")
	cfg.Constraints = propStringArray(d.Properties, "constraints")
	return cfg
}

// ConvertTrigger resolves the trigger sugar: bare "manual", or a string
// carrying a schedule:/webhook:/event:/file: prefix. Anything else (missing
// trigger included) is manual.
func ConvertTrigger(e *Expression) TriggerConfig {
	if e == nil {
		return TriggerConfig{Kind: TriggerManual}
	}
	s, ok := e.AsString()
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

func convertWorkflow(d *WorkflowDecl) *WorkflowConfig {
	cfg := &WorkflowConfig{
		Name:    d.Name,
		Trigger: ConvertTrigger(d.Trigger),
	}
	for _, step := range d.Steps {
		cfg.Steps = append(cfg.Steps, convertStep(step))
	}
	if d.Pipeline != nil {
		cfg.Pipeline = convertPipeline(d.Pipeline)
	}
	cfg.Outputs = propStringArray(d.Properties, "outputs")
	cfg.OnError, _ = propString(d.Properties, "on_error")
	return cfg
}

func convertStep(d *StepDecl) *StepConfig {
	cfg := &StepConfig{
		Name:  d.Name,
		Agent: d.Agent,
		Crew:  d.Crew,
		Task:  d.Task,
	}
	if e, ok := d.Properties.Get("timeout"); ok {
		if dur, ok := e.AsDuration(); ok {
			cfg.Timeout = &dur
		}
	}
	cfg.Parallel, _ = propBool(d.Properties, "parallel")
	cfg.DependsOn = propStringArray(d.Properties, "depends_on")
	if e, ok := d.Properties.Get("retry"); ok {
		if obj, ok := e.AsObject(); ok {
			cfg.Retry = ConvertRetry(obj)
		}
	}
	return cfg
}

// ConvertRetry builds a retry policy from a retry block. Returns nil when
// max_attempts or delay is missing; backoff defaults to fixed.
func ConvertRetry(props *Properties) *RetryConfig {
	attempts, ok := propNumber(props, "max_attempts")
	if !ok {
		return nil
	}
	e, ok := props.Get("delay")
	if !ok {
		return nil
	}
	delay, ok := e.AsDuration()
	if !ok {
		return nil
	}
	backoff := BackoffFixed
	if s, ok := propString(props, "backoff"); ok {
		switch s {
		case "linear":
			backoff = BackoffLinear
		case "exponential":
			backoff = BackoffExponential
		}
	}
	return &RetryConfig{MaxAttempts: uint32(attempts), Delay: delay, Backoff: backoff}
}

func convertMemory(d *MemoryDecl) *MemoryConfig {
	cfg := &MemoryConfig{
		Provider:    d.Provider,
		Connection:  d.Connection,
		Persistence: true,
	}
	if d.Embeddings != nil {
		cfg.Embeddings = EmbeddingConfig{
			Model:      d.Embeddings.Model,
			Dimensions: d.Embeddings.Dimensions,
		}
		if n, ok := propNumber(d.Embeddings.Properties, "batch_size"); ok {
			bs := uint32(n)
			cfg.Embeddings.BatchSize = &bs
		}
	}
	if n, ok := propNumber(d.Properties, "cache_size"); ok {
		cs := int(n)
		cfg.CacheSize = &cs
	}
	if b, ok := propBool(d.Properties, "persistence"); ok {
		cfg.Persistence = b
	}
	return cfg
}

// ConvertSecretRef resolves the secrets sugar: $VAR is an environment
// lookup, "vault:path" a vault path, "file:path" a file path.
func ConvertSecretRef(e Expression) (SecretRef, bool) {
	switch e.Kind {
	case ExprVariable:
		name, _ := e.AsString()
		return SecretRef{Kind: SecretEnvironment, Value: name}, true
	case ExprString:
		s, _ := e.AsString()
		switch {
		case strings.HasPrefix(s, "vault:"):
			return SecretRef{Kind: SecretVault, Value: strings.TrimPrefix(s, "vault:")}, true
		case strings.HasPrefix(s, "file:"):
			return SecretRef{Kind: SecretFile, Value: strings.TrimPrefix(s, "file:")}, true
		}
	}
	return SecretRef{}, false
}

func convertContext(d *ContextDecl) *ContextConfig {
	cfg := &ContextConfig{
		Name:        d.Name,
		Environment: d.Environment,
		Secrets:     make(map[string]SecretRef),
		Variables:   make(map[string]Value),
	}
	if d.Secrets != nil {
		for _, key := range d.Secrets.Keys() {
			e, _ := d.Secrets.Get(key)
			if ref, ok := ConvertSecretRef(e); ok {
				cfg.Secrets[key] = ref
			}
		}
	}
	if d.Variables != nil {
		for _, key := range d.Variables.Keys() {
			e, _ := d.Variables.Get(key)
			cfg.Variables[key] = ExpressionToValue(e)
		}
	}
	cfg.Debug, _ = propBool(d.Properties, "debug")
	if n, ok := propNumber(d.Properties, "max_tokens"); ok {
		mt := uint64(n)
		cfg.MaxTokens = &mt
	}
	for _, key := range d.Properties.Keys() {
		if key == "debug" || key == "max_tokens" {
			continue
		}
		e, _ := d.Properties.Get(key)
		cfg.Variables[key] = ExpressionToValue(e)
	}
	return cfg
}

func convertCrew(d *CrewDecl) *CrewConfig {
	cfg := &CrewConfig{
		Name:        d.Name,
		Agents:      d.Agents,
		ProcessType: ParseProcessType(d.ProcessType),
	}
	cfg.Manager, _ = propString(d.Properties, "manager")
	if n, ok := propNumber(d.Properties, "max_iterations"); ok {
		mi := uint32(n)
		cfg.MaxIterations = &mi
	}
	cfg.Verbose, _ = propBool(d.Properties, "verbose")
	return cfg
}

func convertPipeline(d *PipelineDecl) *PipelineConfig {
	name := d.Name
	if name == "" {
		name = "default"
	}
	return &PipelineConfig{
		Name:   name,
		Stages: d.Flow,
		Flow:   strings.Join(d.Flow, " -> "),
	}
}

func convertPlugin(d *PluginDecl) *PluginConfig {
	version := d.Version
	if version == "" {
		version = "latest"
	}
	return &PluginConfig{
		Name:    d.Name,
		Source:  d.Source,
		Version: version,
		Config:  propertiesToValues(d.Config),
	}
}

func convertDatabase(d *DatabaseDecl) *DatabaseConfig {
	cfg := &DatabaseConfig{Name: d.Name, Properties: make(map[string]Value)}
	for _, key := range d.Properties.Keys() {
		e, _ := d.Properties.Get(key)
		switch key {
		case "path":
			cfg.Path, _ = e.AsString()
		case "shards":
			if n, ok := e.AsNumber(); ok {
				shards := int64(n)
				cfg.Shards = &shards
			}
		case "compression":
			if b, ok := e.AsBool(); ok {
				cfg.Compression = &b
			}
		case "cache_size":
			if n, ok := e.AsNumber(); ok {
				cs := int64(n)
				cfg.CacheSize = &cs
			}
		case "vector_index":
			if obj, ok := e.AsObject(); ok {
				cfg.VectorIndex = convertVectorIndex(obj)
			}
		default:
			cfg.Properties[key] = ExpressionToValue(e)
		}
	}
	return cfg
}

func convertVectorIndex(props *Properties) *VectorIndexConfig {
	cfg := &VectorIndexConfig{}
	cfg.IndexType, _ = propString(props, "type")
	if n, ok := propNumber(props, "dimensions"); ok {
		cfg.Dimensions = int64(n)
	}
	if n, ok := propNumber(props, "m"); ok {
		m := int64(n)
		cfg.M = &m
	}
	if n, ok := propNumber(props, "ef_construction"); ok {
		ef := int64(n)
		cfg.EfConstruction = &ef
	}
	cfg.DistanceMetric, _ = propString(props, "distance_metric")
	return cfg
}

/* ===========================
   PUBLIC API: loader
   =========================== */

// HelixLoader loads and caches configs from the filesystem.
type HelixLoader struct {
	configs map[string]*HelixConfig
}

// NewHelixLoader returns an empty loader.
func NewHelixLoader() *HelixLoader {
	return &HelixLoader{configs: make(map[string]*HelixConfig)}
}

// ParseConfig runs the full text path: tokenize, parse, validate, convert.
// Errors come back wrapped with a caret snippet of the offending source.
func ParseConfig(content string) (*HelixConfig, error) {
	ast, err := Parse(content)
	if err != nil {
		return nil, WrapErrorWithSource(err, content)
	}
	if err := Analyze(ast); err != nil {
		return nil, WrapErrorWithSource(err, content)
	}
	return AstToConfig(ast)
}

// LoadFile reads and parses one .hlx file.
func (l *HelixLoader) LoadFile(path string) (*HelixConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config, err := ParseConfig(string(content))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// LoadDirectory parses every .hlx file in dir, caching each config under
// the file's base name.
func (l *HelixLoader) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".hlx" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		config, err := l.LoadFile(path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(entry.Name(), ".hlx")
		l.configs[name] = config
	}
	return nil
}

// GetConfig returns a previously loaded config by name.
func (l *HelixLoader) GetConfig(name string) (*HelixConfig, bool) {
	c, ok := l.configs[name]
	return c, ok
}

// LoadDefaultConfig probes the candidate paths in order and loads the first
// file that exists. Candidates are injected by the caller; the library does
// not guess at home directories.
func (l *HelixLoader) LoadDefaultConfig(candidates ...string) (*HelixConfig, error) {
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return l.LoadFile(path)
		}
	}
	return nil, fmt.Errorf("no config found among %d candidate paths", len(candidates))
}

// MergeConfigs overlays configs left to right: later entries win per name,
// plugins append, a later memory block replaces an earlier one.
func MergeConfigs(configs ...*HelixConfig) *HelixConfig {
	merged := NewHelixConfig()
	for _, c := range configs {
		if c == nil {
			continue
		}
		for k, v := range c.Projects {
			merged.Projects[k] = v
		}
		for k, v := range c.Agents {
			merged.Agents[k] = v
		}
		for k, v := range c.Workflows {
			merged.Workflows[k] = v
		}
		for k, v := range c.Contexts {
			merged.Contexts[k] = v
		}
		for k, v := range c.Crews {
			merged.Crews[k] = v
		}
		for k, v := range c.Pipelines {
			merged.Pipelines[k] = v
		}
		for k, v := range c.Databases {
			merged.Databases[k] = v
		}
		for k, v := range c.Sections {
			merged.Sections[k] = v
		}
		merged.Plugins = append(merged.Plugins, c.Plugins...)
		if c.Memory != nil {
			merged.Memory = c.Memory
		}
	}
	return merged
}
