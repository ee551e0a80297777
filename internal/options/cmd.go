package options

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
)

// Cmd couples a program invocation (program + args) with the Options that
// govern how it is run, plus a context map used for template expansion.
// Program, Args, and the Stdout/Stderr option values may all reference
// context variables as {{.NAME}} when Options.Templating is true (e.g. a
// slot injects {{.SLOT}} into its ManagedProcess's Cmd so one service
// definition can parameterize per-slot log file names).
type Cmd struct {
	Program string
	Args    []string
	Options Options
	// Context seeds template expansion. The process environment is merged
	// in underneath it, so Context entries take precedence over env vars of
	// the same name.
	Context map[string]string
}

// NewCmd builds a Cmd from a program, its arguments and Options, with a
// nil/empty context (just the process environment).
func NewCmd(program string, args []string, opts Options) Cmd {
	return Cmd{Program: program, Args: args, Options: opts, Context: map[string]string{}}
}

// MakeFromShellCmd splits a command line into program and arguments with
// strings.Fields. It is a plain whitespace split: quotes and backslash
// escapes are not interpreted, so a quoted argument containing spaces is
// split into several arguments.
func MakeFromShellCmd(shellCmd string, opts Options) Cmd {
	fields := strings.Fields(shellCmd)
	if len(fields) == 0 {
		return NewCmd("", nil, opts)
	}
	return NewCmd(fields[0], fields[1:], opts)
}

// CopyWithContext returns a deep copy of c with the given entries merged
// into (and overriding) its Context. Used by a slot to stamp its own
// ManagedProcess's Cmd with SLOT=<index> without mutating the Service-level
// template Cmd shared by every slot.
func (c Cmd) CopyWithContext(extra map[string]string) Cmd {
	clone := Cmd{
		Program: c.Program,
		Args:    append([]string(nil), c.Args...),
		Options: c.Options,
		Context: make(map[string]string, len(c.Context)+len(extra)),
	}
	for k, v := range c.Context {
		clone.Context[k] = v
	}
	for k, v := range extra {
		clone.Context[k] = v
	}
	return clone
}

func (c Cmd) renderContext() map[string]string {
	merged := make(map[string]string, len(c.Context)+16)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			merged[kv[:idx]] = kv[idx+1:]
		}
	}
	for k, v := range c.Context {
		merged[k] = v
	}
	return merged
}

func (c Cmd) render(value string) (string, error) {
	if !c.Options.Templating {
		return value, nil
	}
	tmpl, err := template.New("cmd").Option("missingkey=zero").Parse(value)
	if err != nil {
		return "", fmt.Errorf("parsing template %q: %w", value, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, c.renderContext()); err != nil {
		return "", fmt.Errorf("rendering template %q: %w", value, err)
	}
	return buf.String(), nil
}

// ResolvedProgram returns the program path with templating applied.
func (c Cmd) ResolvedProgram() (string, error) {
	return c.render(c.Program)
}

// ResolvedArgs returns the argument list with templating applied to each
// element.
func (c Cmd) ResolvedArgs() ([]string, error) {
	out := make([]string, len(c.Args))
	for i, a := range c.Args {
		r, err := c.render(a)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// ResolvedStdout and ResolvedStderr return the Options.Stdout/Stderr values
// with templating applied, for handlers that treat them as file paths.
func (c Cmd) ResolvedStdout() (string, error) { return c.render(c.Options.Stdout) }
func (c Cmd) ResolvedStderr() (string, error) { return c.render(c.Options.Stderr) }

// EffectiveHandler resolves StdxxxHandler, collapsing AUTO into a concrete
// decision: NULL/PIPE/STDOUT values need no external process, anything else
// (a file path) needs the rotation wrapper.
func (c Cmd) EffectiveHandler() StdxxxHandler {
	if c.Options.StdxxxHandler != HandlerAuto {
		return c.Options.StdxxxHandler
	}
	stdoutSimple := isSimpleSink(c.Options.Stdout)
	stderrSimple := isSimpleSink(c.Options.Stderr) || strings.EqualFold(c.Options.Stderr, "stdout")
	if stdoutSimple && stderrSimple {
		return HandlerAuto
	}
	return HandlerExternalWrapper
}

func isSimpleSink(v string) bool {
	switch strings.ToUpper(v) {
	case "NULL", "PIPE":
		return true
	default:
		return false
	}
}

// String renders the fully resolved command line, for logging.
func (c Cmd) String() string {
	program, err := c.ResolvedProgram()
	if err != nil {
		program = c.Program
	}
	args, err := c.ResolvedArgs()
	if err != nil {
		args = c.Args
	}
	return strings.Join(append([]string{program}, args...), " ")
}
