// compiler_test.go
package helix

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const compilerTestSource = `project "demo" {
	version = "1.0.0"
}

agent "bot" {
	model = "gpt-4"
	temperature = 0.7
	capabilities [coding, review]
}

workflow "deploy" {
	trigger = "schedule:0 2 * * *"
	step "build" {
		agent = "bot"
		task = "compile"
		timeout = 5m
	}
}
`

func writeSource(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func Test_Compiler_CompileProducesLoadableBinary(t *testing.T) {
	c := NewCompiler(DefaultCompilerOptions())
	data, err := c.Compile(compilerTestSource, "demo.hlx")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ir, meta, err := NewBinaryLoader().Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(ir.Instructions) == 0 {
		t.Fatalf("empty instruction stream")
	}
	if meta.SourcePath != "demo.hlx" || meta.SourceHash != SourceHash(compilerTestSource) {
		t.Fatalf("metadata: %+v", meta)
	}
}

func Test_Compiler_CompileRejectsParseErrors(t *testing.T) {
	_, err := NewCompiler(DefaultCompilerOptions()).Compile(`agent "broken" {
	model =
}`, "broken.hlx")
	if err == nil {
		t.Fatalf("expected a parse error")
	}
	if !strings.Contains(err.Error(), "broken.hlx") {
		t.Fatalf("error should carry the source name: %v", err)
	}
}

func Test_Compiler_CompileRejectsSemanticErrors(t *testing.T) {
	_, err := NewCompiler(DefaultCompilerOptions()).Compile(`agent "a" {
	temperature = 0.5
}`, "")
	if err == nil || !strings.Contains(err.Error(), "model") {
		t.Fatalf("expected the missing-model error, got: %v", err)
	}
}

func Test_Compiler_CompileFileWritesArtifactNextToSource(t *testing.T) {
	path := writeSource(t, "demo.hlx", compilerTestSource)
	out, err := CompileFile(path)
	if err != nil {
		t.Fatalf("CompileFile: %v", err)
	}
	if out != strings.TrimSuffix(path, ".hlx")+".hlxb" {
		t.Fatalf("artifact path: %q", out)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
}

func Test_Compiler_CompileFileKeepsForeignExtension(t *testing.T) {
	path := writeSource(t, "conf.txt", compilerTestSource)
	out, err := CompileFile(path)
	if err != nil {
		t.Fatalf("CompileFile: %v", err)
	}
	if out != path+".hlxb" {
		t.Fatalf("artifact path: %q", out)
	}
}

func Test_Compiler_CacheHitSkipsPipeline(t *testing.T) {
	// Plant an artifact that records the right source hash but a sentinel
	// source path. A cache hit returns it untouched; a recompile would
	// overwrite the sentinel with the real path.
	path := writeSource(t, "demo.hlx", compilerTestSource)
	artifact := strings.TrimSuffix(path, ".hlx") + ".hlxb"
	ir := generate(t, compilerTestSource, OptimizeStandard)
	err := NewBinarySerializer(true).WriteFile(ir, artifact, BinaryMetadata{
		SourceHash: SourceHash(compilerTestSource),
		SourcePath: "sentinel.hlx",
	})
	if err != nil {
		t.Fatalf("plant artifact: %v", err)
	}

	out, err := NewCompiler(DefaultCompilerOptions()).CompileFile(path)
	if err != nil {
		t.Fatalf("CompileFile: %v", err)
	}
	info, err := NewCompiler(DefaultCompilerOptions()).Info(out)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Metadata.SourcePath != "sentinel.hlx" {
		t.Fatalf("cache miss overwrote a fresh artifact: %+v", info.Metadata)
	}
}

func Test_Compiler_CacheMissOnChangedSource(t *testing.T) {
	path := writeSource(t, "demo.hlx", compilerTestSource)
	c := NewCompiler(DefaultCompilerOptions())
	out, err := c.CompileFile(path)
	if err != nil {
		t.Fatalf("CompileFile: %v", err)
	}
	changed := compilerTestSource + `
plugin "extra" {
	source = "github.com/x/extra"
}
`
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite source: %v", err)
	}
	if _, err := c.CompileFile(path); err != nil {
		t.Fatalf("recompile: %v", err)
	}
	info, err := c.Info(out)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Metadata.SourceHash != SourceHash(changed) {
		t.Fatalf("stale artifact survived a source change: %+v", info.Metadata)
	}
}

func Test_Compiler_CacheIgnoresCorruptArtifact(t *testing.T) {
	path := writeSource(t, "demo.hlx", compilerTestSource)
	artifact := strings.TrimSuffix(path, ".hlx") + ".hlxb"
	if err := os.WriteFile(artifact, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("plant garbage: %v", err)
	}
	out, err := NewCompiler(DefaultCompilerOptions()).CompileFile(path)
	if err != nil {
		t.Fatalf("CompileFile: %v", err)
	}
	if _, _, err := NewBinaryLoader().LoadFile(out); err != nil {
		t.Fatalf("artifact not rebuilt: %v", err)
	}
}

func Test_Compiler_CacheDisabledAlwaysRecompiles(t *testing.T) {
	path := writeSource(t, "demo.hlx", compilerTestSource)
	artifact := strings.TrimSuffix(path, ".hlx") + ".hlxb"
	ir := generate(t, compilerTestSource, OptimizeStandard)
	err := NewBinarySerializer(true).WriteFile(ir, artifact, BinaryMetadata{
		SourceHash: SourceHash(compilerTestSource),
		SourcePath: "sentinel.hlx",
	})
	if err != nil {
		t.Fatalf("plant artifact: %v", err)
	}
	options := DefaultCompilerOptions()
	options.Cache = false
	c := NewCompiler(options)
	out, err := c.CompileFile(path)
	if err != nil {
		t.Fatalf("CompileFile: %v", err)
	}
	info, err := c.Info(out)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Metadata.SourcePath != path {
		t.Fatalf("cache-off compile kept the planted artifact: %+v", info.Metadata)
	}
}

func Test_Compiler_DecompileRoundTrip(t *testing.T) {
	path := writeSource(t, "demo.hlx", compilerTestSource)
	out, err := CompileFile(path)
	if err != nil {
		t.Fatalf("CompileFile: %v", err)
	}
	text, err := NewCompiler(DefaultCompilerOptions()).Decompile(out)
	if err != nil {
		t.Fatalf("Decompile: %v", err)
	}
	// The rendering is canonical source: it must parse clean and already
	// be in pretty form.
	again, err := Pretty(text)
	if err != nil {
		t.Fatalf("decompiled source does not parse: %v\n%s", err, text)
	}
	if again != text {
		t.Fatalf("decompiled source is not canonical:\n%s\n--- vs ---\n%s", text, again)
	}

	original := parseConfig(t, compilerTestSource)
	rebuilt := parseConfig(t, text)
	if !reflect.DeepEqual(rebuilt.Agents, original.Agents) {
		t.Fatalf("agents changed:\n%+v\n%+v", original.Agents["bot"], rebuilt.Agents["bot"])
	}
	if !reflect.DeepEqual(rebuilt.Workflows, original.Workflows) {
		t.Fatalf("workflows changed")
	}
	if !reflect.DeepEqual(rebuilt.Projects, original.Projects) {
		t.Fatalf("projects changed")
	}
}

func Test_Compiler_DecompileMissingArtifact(t *testing.T) {
	_, err := NewCompiler(DefaultCompilerOptions()).Decompile(filepath.Join(t.TempDir(), "nope.hlxb"))
	if err == nil {
		t.Fatalf("expected an error for a missing artifact")
	}
}

func Test_Compiler_InfoReportsHeader(t *testing.T) {
	path := writeSource(t, "demo.hlx", compilerTestSource)
	out, err := CompileFile(path)
	if err != nil {
		t.Fatalf("CompileFile: %v", err)
	}
	info, err := NewCompiler(DefaultCompilerOptions()).Info(out)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Version != BinaryFormatVersion || !info.Compressed {
		t.Fatalf("info: %+v", info)
	}
	if info.Metadata.SourcePath != path {
		t.Fatalf("info metadata: %+v", info.Metadata)
	}
}

func Test_Compiler_InfoMissingFile(t *testing.T) {
	_, err := NewCompiler(DefaultCompilerOptions()).Info(filepath.Join(t.TempDir(), "nope.hlxb"))
	wantBinaryKind(t, err, BinaryIO)
}

func Test_Compiler_RenderConfigGroupsAndSorts(t *testing.T) {
	config := parseConfig(t, `agent "zeta" { model = "m" }
project "demo" { version = "1.0.0" }
agent "alpha" { model = "m" }
pipeline { a -> b }`)
	text := RenderConfig(config)

	project := strings.Index(text, `project "demo"`)
	alpha := strings.Index(text, `agent "alpha"`)
	zeta := strings.Index(text, `agent "zeta"`)
	pipe := strings.Index(text, "pipeline {")
	if project < 0 || alpha < 0 || zeta < 0 || pipe < 0 {
		t.Fatalf("rendering incomplete:\n%s", text)
	}
	if !(project < alpha && alpha < zeta && zeta < pipe) {
		t.Fatalf("declarations not grouped by kind and sorted:\n%s", text)
	}
}

func Test_Compiler_RenderConfigRestoresUnnamedPipeline(t *testing.T) {
	config := parseConfig(t, `pipeline { extract -> load-stage }`)
	text := RenderConfig(config)
	if !strings.Contains(text, "pipeline {") || strings.Contains(text, `pipeline "default"`) {
		t.Fatalf("default pipeline should render unnamed:\n%s", text)
	}
}

func Test_Compiler_DefaultOptions(t *testing.T) {
	options := DefaultCompilerOptions()
	if options.Optimize != OptimizeStandard || !options.Compress || !options.Cache || options.Verbose {
		t.Fatalf("defaults: %+v", options)
	}
}
