package process

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tomtom215/alwaysupgo/internal/logrotate"
)

// wireOutputs resolves Options.Stdout/Stderr into concrete io.Writers for
// exec.Cmd. A "NULL" or "PIPE" sink (nothing downstream yet consumes the
// pipe, so both currently discard) needs no extra resource; anything else
// is a file path and gets a rotating writer per Options' rotation settings.
// Returned closers must be closed once the process has exited.
func (p *ManagedProcess) wireOutputs(ctx context.Context) (stdout, stderr io.Writer, closers []io.Closer, err error) {
	stdoutSink, err := p.Cmd.ResolvedStdout()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolving stdout sink: %w", err)
	}
	stderrSink, err := p.Cmd.ResolvedStderr()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolving stderr sink: %w", err)
	}

	stdout, stdoutCloser, err := p.sinkWriter(stdoutSink)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening stdout sink %q: %w", stdoutSink, err)
	}
	if stdoutCloser != nil {
		closers = append(closers, stdoutCloser)
	}

	if strings.EqualFold(stderrSink, "stdout") {
		stderr = stdout
		return stdout, stderr, closers, nil
	}

	stderr, stderrCloser, err := p.sinkWriter(stderrSink)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening stderr sink %q: %w", stderrSink, err)
	}
	if stderrCloser != nil {
		closers = append(closers, stderrCloser)
	}
	return stdout, stderr, closers, nil
}

func (p *ManagedProcess) sinkWriter(sink string) (io.Writer, io.Closer, error) {
	switch strings.ToUpper(sink) {
	case "NULL", "PIPE":
		return io.Discard, nil, nil
	default:
		w, err := logrotate.New(sink,
			logrotate.WithMaxSize(p.Cmd.Options.StdxxxRotationSize),
			logrotate.WithMaxAge(p.Cmd.Options.StdxxxRotationTime),
		)
		if err != nil {
			return nil, nil, err
		}
		return w, w, nil
	}
}
