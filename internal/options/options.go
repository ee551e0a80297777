// SPDX-License-Identifier: MIT

// Package options defines the per-process configuration shared by every
// layer of the supervision tree (Service, ProcessSlot and ManagedProcess
// each carry a Cmd holding an Options value) and the Cmd value that bundles
// a program, its arguments and an Options, and resolves the program and
// arguments that ManagedProcess hands to exec.Command.
package options

import (
	"syscall"
	"time"
)

// Default values, named the way the originals are so the struct tags and
// CLI help text can refer back to them.
const (
	DefaultStdxxxRotationSize = 100 * 1024 * 1024
	DefaultStdxxxRotationTime = 24 * time.Hour
	DefaultStdout             = "NULL"
	DefaultStderr             = "STDOUT"
	DefaultStdxxxHandler      = "AUTO"
)

// StdxxxHandler selects how a ManagedProcess's stdout/stderr streams are
// wired up.
type StdxxxHandler string

const (
	// HandlerAuto lets Options decide based on Stdout/Stderr: NULL or PIPE
	// values need no external process, anything else needs one.
	HandlerAuto StdxxxHandler = "AUTO"
	// HandlerExternalWrapper always proxies stdout/stderr through the
	// rotation wrapper, even if NULL/PIPE would have worked without it.
	HandlerExternalWrapper StdxxxHandler = "EXTERNAL_WRAPPER"
)

// Options is the single configuration value shared by every entity in the
// supervision tree. A Service's Options seed the Options of each of its
// slots; a slot's Options seed the ManagedProcess it starts. Zero value is
// not meaningful; use New for defaults.
type Options struct {
	// SmartStop enables the two-phase (signal, then bounded wait, then
	// SIGKILL) termination sequence. When false, Stop sends SIGKILL
	// immediately.
	SmartStop bool `json:"smart_stop" yaml:"smart_stop"`
	// SmartStopSignal is sent first when SmartStop is true. Defaults to
	// SIGTERM (15).
	SmartStopSignal syscall.Signal `json:"smart_stop_signal" yaml:"smart_stop_signal"`
	// SmartStopTimeout bounds how long to wait after SmartStopSignal before
	// escalating to SIGKILL.
	SmartStopTimeout time.Duration `json:"smart_stop_timeout" yaml:"smart_stop_timeout"`
	// WaitingForRestartDelay is the backoff waited before an autorespawn
	// restart attempt.
	WaitingForRestartDelay time.Duration `json:"waiting_for_restart_delay" yaml:"waiting_for_restart_delay"`
	// Autorespawn restarts the process automatically when it exits on its
	// own (not via an explicit Stop/Shutdown).
	Autorespawn bool `json:"autorespawn" yaml:"autorespawn"`
	// Autostart starts the Service as soon as it is added to the Manager,
	// instead of waiting for an explicit start() call.
	Autostart bool `json:"autostart" yaml:"autostart"`
	// RecursiveSigkill, on escalation to SIGKILL, also signals the process's
	// descendant tree instead of only the direct child.
	RecursiveSigkill bool `json:"recursive_sigkill" yaml:"recursive_sigkill"`

	// Stdout and Stderr name where each stream goes: "NULL", "PIPE", or for
	// Stderr additionally "STDOUT" to merge into the stdout stream.
	Stdout string `json:"stdout" yaml:"stdout"`
	Stderr string `json:"stderr" yaml:"stderr"`
	// StdxxxHandler selects AUTO vs EXTERNAL_WRAPPER handling of the above.
	StdxxxHandler      StdxxxHandler `json:"stdxxx_handler" yaml:"stdxxx_handler"`
	StdxxxRotationSize int64         `json:"stdxxx_rotation_size" yaml:"stdxxx_rotation_size"`
	StdxxxRotationTime time.Duration `json:"stdxxx_rotation_time" yaml:"stdxxx_rotation_time"`

	// Templating enables text/template expansion of Program, Args, Stdout
	// and Stderr against the process's environment plus any per-slot
	// context (e.g. SLOT=<index>).
	Templating bool `json:"templating" yaml:"templating"`
	// CleanEnv starts the child with only ExtraEnvs, instead of inheriting
	// the daemon's environment.
	CleanEnv bool `json:"clean_env" yaml:"clean_env"`
	// ExtraEnvs are added on top of (or, with CleanEnv, instead of) the
	// inherited environment.
	ExtraEnvs map[string]string `json:"extra_envs" yaml:"extra_envs"`
}

// New returns Options populated with the documented defaults.
func New() Options {
	return Options{
		SmartStop:              true,
		SmartStopSignal:        syscall.SIGTERM,
		SmartStopTimeout:       5 * time.Second,
		WaitingForRestartDelay: time.Second,
		Autorespawn:            true,
		Autostart:              true,
		RecursiveSigkill:       true,
		Stdout:                 DefaultStdout,
		Stderr:                 DefaultStderr,
		StdxxxHandler:          HandlerAuto,
		StdxxxRotationSize:     DefaultStdxxxRotationSize,
		StdxxxRotationTime:     DefaultStdxxxRotationTime,
		Templating:             true,
		CleanEnv:               false,
		ExtraEnvs:              map[string]string{},
	}
}
