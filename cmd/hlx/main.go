package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/peterh/liner"

	helix "github.com/cyber-boost/helix"
)

const (
	appName     = "hlx"
	historyFile = ".helix_history"
	promptDebug = "(hlx) "
)

func red(s string) string   { return "\x1b[31m" + s + "\x1b[0m" }
func green(s string) string { return "\x1b[32m" + s + "\x1b[0m" }
func blue(s string) string  { return "\x1b[94m" + s + "\x1b[0m" }

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "compile":
		os.Exit(cmdCompile(os.Args[2:]))
	case "decompile":
		os.Exit(cmdDecompile(os.Args[2:]))
	case "validate":
		os.Exit(cmdValidate(os.Args[2:]))
	case "fmt":
		os.Exit(cmdFmt(os.Args[2:]))
	case "info":
		os.Exit(cmdInfo(os.Args[2:]))
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "ast":
		os.Exit(cmdAst(os.Args[2:]))
	case "debug":
		os.Exit(cmdDebug(os.Args[2:]))
	case "version":
		fmt.Println(helix.Version)
		return
	case "-h", "--help", "help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n", appName, cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Printf(`Helix %s

Usage:
  %s compile <file.hlx> [-o <out>] [-O <0-3>] [--no-compress] [--no-cache] [-v]
  %s decompile <file.hlxb>                 Rebuild canonical source from a binary
  %s validate <file.hlx> ...               Parse and analyze without compiling
  %s fmt [--check] <file.hlx> ...          Canonically format source files
  %s info <file.hlxb>                      Show a binary's header and metadata
  %s run <file>                            Execute a .hlx or .hlxb and print the config
  %s ast <file.hlx>                        Draw the declaration tree
  %s debug <file.hlxb>                     Interactive breakpoint debugger
  %s version                               Print the compiled version

`, helix.Version, appName, appName, appName, appName, appName, appName, appName, appName, appName)
}

// -----------------------------------------------------------------------------
// compile
// -----------------------------------------------------------------------------

func cmdCompile(args []string) int {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	out := fs.String("o", "", "output path (default: source with .hlxb extension)")
	level := fs.Int("O", int(helix.OptimizeStandard), "optimization level 0-3")
	noCompress := fs.Bool("no-compress", false, "disable zstd payload compression")
	noCache := fs.Bool("no-cache", false, "ignore the on-disk artifact cache")
	verbose := fs.Bool("v", false, "verbose compiler logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s compile <file.hlx>\n", appName)
		return 2
	}
	path := fs.Arg(0)

	options := helix.DefaultCompilerOptions()
	options.Optimize = helix.OptimizeLevel(*level)
	options.Compress = !*noCompress
	options.Cache = !*noCache
	options.Verbose = *verbose
	compiler := helix.NewCompiler(options)

	if *out == "" {
		artifact, err := compiler.CompileFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, red(err.Error()))
			return 1
		}
		fmt.Println(green(artifact))
		return 0
	}

	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot read %s: %v\n", appName, path, err)
		return 1
	}
	data, err := compiler.Compile(string(source), path)
	if err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return 1
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot write %s: %v\n", appName, *out, err)
		return 1
	}
	fmt.Println(green(*out))
	return 0
}

// -----------------------------------------------------------------------------
// decompile
// -----------------------------------------------------------------------------

func cmdDecompile(args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s decompile <file.hlxb>\n", appName)
		return 2
	}
	compiler := helix.NewCompiler(helix.DefaultCompilerOptions())
	source, err := compiler.Decompile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return 1
	}
	fmt.Print(source)
	return 0
}

// -----------------------------------------------------------------------------
// validate
// -----------------------------------------------------------------------------

func cmdValidate(args []string) int {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s validate <file.hlx> ...\n", appName)
		return 2
	}
	bad := 0
	for _, path := range args {
		source, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: cannot read %s: %v\n", appName, path, err)
			bad++
			continue
		}
		if _, err := helix.ParseConfig(string(source)); err != nil {
			fmt.Fprintln(os.Stderr, red(err.Error()))
			bad++
			continue
		}
		fmt.Printf("%s: %s\n", path, green("ok"))
	}
	if bad > 0 {
		return 1
	}
	return 0
}

// -----------------------------------------------------------------------------
// fmt
// -----------------------------------------------------------------------------

func cmdFmt(args []string) int {
	fs := flag.NewFlagSet("fmt", flag.ContinueOnError)
	check := fs.Bool("check", false, "check format; exit 1 if any file would change")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s fmt [--check] <file.hlx> ...\n", appName)
		return 2
	}

	changed := 0
	for _, path := range paths {
		source, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: cannot read %s: %v\n", appName, path, err)
			return 1
		}
		formatted, err := helix.Pretty(string(source))
		if err != nil {
			fmt.Fprintln(os.Stderr, red(err.Error()))
			return 1
		}
		if formatted == string(source) {
			continue
		}
		changed++
		if *check {
			fmt.Println(path)
			continue
		}
		if err := os.WriteFile(path, []byte(formatted), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "%s: cannot write %s: %v\n", appName, path, err)
			return 1
		}
	}
	if *check && changed > 0 {
		return 1
	}
	return 0
}

// -----------------------------------------------------------------------------
// info
// -----------------------------------------------------------------------------

func cmdInfo(args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s info <file.hlxb>\n", appName)
		return 2
	}
	compiler := helix.NewCompiler(helix.DefaultCompilerOptions())
	info, err := compiler.Info(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return 1
	}
	fmt.Printf("format version:    %d\n", info.Version)
	fmt.Printf("compressed:        %v\n", info.Compressed)
	fmt.Printf("uncompressed size: %d bytes\n", info.UncompressedSize)
	fmt.Printf("checksum:          %08x\n", info.Checksum)
	fmt.Printf("compiler version:  %s\n", info.Metadata.CompilerVersion)
	fmt.Printf("source hash:       %s\n", info.Metadata.SourceHash)
	if info.Metadata.SourcePath != "" {
		fmt.Printf("source path:       %s\n", info.Metadata.SourcePath)
	}
	return 0
}

// -----------------------------------------------------------------------------
// run
// -----------------------------------------------------------------------------

func cmdRun(args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s run <file.hlx|file.hlxb>\n", appName)
		return 2
	}
	path := args[0]

	var config *helix.HelixConfig
	if strings.HasSuffix(path, ".hlxb") {
		executor := helix.NewVMExecutor()
		c, err := executor.ExecuteFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, red(err.Error()))
			return 1
		}
		config = c
	} else {
		loader := helix.NewHelixLoader()
		c, err := loader.LoadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, red(err.Error()))
			return 1
		}
		config = c
	}
	fmt.Print(blue(helix.RenderConfig(config)))
	return 0
}

// -----------------------------------------------------------------------------
// ast
// -----------------------------------------------------------------------------

func cmdAst(args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s ast <file.hlx>\n", appName)
		return 2
	}
	source, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot read %s: %v\n", appName, args[0], err)
		return 1
	}
	ast, perr := helix.Parse(string(source))
	if perr != nil {
		fmt.Fprintln(os.Stderr, red(helix.WrapErrorWithSource(perr, string(source)).Error()))
		return 1
	}
	fmt.Println(helix.DrawAst(ast))
	return 0
}

// -----------------------------------------------------------------------------
// debug
// -----------------------------------------------------------------------------

func cmdDebug(args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s debug <file.hlxb>\n", appName)
		return 2
	}
	loader := helix.NewBinaryLoader()
	ir, meta, err := loader.LoadFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return 1
	}
	fmt.Printf("Helix %s debugger — %s (%d instructions, compiled by %s)\n",
		helix.Version, args[0], len(ir.Instructions), meta.CompilerVersion)
	fmt.Println("Type 'help' for commands, Ctrl+D to exit.")

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigc)
	go func() {
		<-sigc
		ln.Close()
		os.Exit(130)
	}()

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	vm := helix.NewHelixVM().WithDebug()
	session := &debugSession{vm: vm, ir: ir}

	for {
		line, err := ln.Prompt(promptDebug)
		if errors.Is(err, io.EOF) {
			fmt.Println()
			return 0
		}
		if err != nil {
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ln.AppendHistory(line)
		if quit := session.handle(line); quit {
			return 0
		}
	}
}

type debugSession struct {
	vm *helix.HelixVM
	ir *helix.HelixIR
}

// handle runs one debugger command; it reports whether the session ends.
func (s *debugSession) handle(line string) bool {
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]
	switch cmd {
	case "quit", "q", "exit":
		return true
	case "help", "h":
		fmt.Print(`Commands:
  run                 Start execution from the beginning
  continue, c         Resume after a breakpoint
  step, s             Execute one instruction
  break <pc>, b <pc>  Set a breakpoint
  clear <pc>          Remove a breakpoint
  breaks              List breakpoints with hit counts
  list, l             Disassemble around the program counter
  state               Show the execution state
  regs                Show the register file
  stats               Show execution statistics
  config              Print the config rebuilt so far
  quit, q             Exit
`)
	case "run", "r":
		s.report(s.vm.Execute(s.ir))
	case "continue", "c":
		s.report(s.vm.ContinueExecution())
	case "step", "s":
		if err := s.vm.Step(); err != nil {
			fmt.Println(red(err.Error()))
			return false
		}
		s.showState()
	case "break", "b":
		if pc, ok := parsePC(rest); ok {
			s.vm.SetBreakpoint(pc)
			fmt.Printf("breakpoint set at pc=%d\n", pc)
		}
	case "clear":
		if pc, ok := parsePC(rest); ok {
			s.vm.RemoveBreakpoint(pc)
			fmt.Printf("breakpoint cleared at pc=%d\n", pc)
		}
	case "breaks":
		for addr, bp := range s.vm.Breakpoints() {
			fmt.Printf("pc=%d active=%v hits=%d\n", addr, bp.Active, bp.HitCount)
		}
	case "list", "l":
		s.disassemble()
	case "state":
		s.showState()
	case "regs":
		regs := s.vm.Registers()
		fmt.Printf("pc=%d sp=%d fp=%d ret=%d flags{zero=%v overflow=%v error=%v halted=%v}\n",
			regs.PC, regs.SP, regs.FP, regs.ReturnAddress,
			regs.Flags.Zero, regs.Flags.Overflow, regs.Flags.Error, regs.Flags.Halted)
	case "stats":
		stats := s.vm.Stats()
		fmt.Printf("executed=%d stack=%d memory=%d frames=%d\n",
			stats.InstructionsExecuted, stats.StackSize, stats.MemoryUsage, stats.CallDepth)
	case "config":
		fmt.Print(blue(helix.RenderConfig(s.vm.Config())))
	default:
		fmt.Printf("unknown command %q; type 'help'\n", cmd)
	}
	return false
}

func (s *debugSession) report(config *helix.HelixConfig, err error) {
	if err != nil {
		fmt.Println(red(err.Error()))
		return
	}
	if config == nil {
		s.showState()
		return
	}
	fmt.Println(green("halted"))
	fmt.Print(blue(helix.RenderConfig(config)))
}

func (s *debugSession) showState() {
	regs := s.vm.Registers()
	fmt.Printf("%s at pc=%d\n", s.vm.State(), regs.PC)
	if msg := s.vm.StateMessage(); msg != "" {
		fmt.Println(red(msg))
	}
}

// disassemble prints a window of instructions around the program counter.
func (s *debugSession) disassemble() {
	lines := s.ir.Disassemble()
	pc := s.vm.Registers().PC
	lo, hi := pc-4, pc+5
	if lo < 0 {
		lo = 0
	}
	if hi > len(lines) {
		hi = len(lines)
	}
	for i := lo; i < hi; i++ {
		marker := "  "
		if i == pc {
			marker = "=>"
		}
		fmt.Printf("%s %s\n", marker, lines[i])
	}
}

func parsePC(args []string) (int, bool) {
	if len(args) != 1 {
		fmt.Println("usage: break|clear <pc>")
		return 0, false
	}
	pc, err := strconv.Atoi(args[0])
	if err != nil || pc < 0 {
		fmt.Printf("invalid pc %q\n", args[0])
		return 0, false
	}
	return pc, true
}
