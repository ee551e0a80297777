// SPDX-License-Identifier: MIT

// Command alwaysupd is the process-supervisor daemon and its control CLI:
// a single binary that either runs the supervision tree (run-forever,
// start-daemon) or talks to a running daemon's HTTP control plane
// (shutdown-daemon, status, scale-service, add-service).
package main

import (
	"fmt"
	"os"
)

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run is the subcommand dispatcher, extracted from main for testability.
func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		printUsage()
		return nil
	case "run-forever":
		return runForever(commandArgs)
	case "start-daemon":
		return startDaemon(commandArgs)
	case "shutdown-daemon":
		return shutdownDaemon(commandArgs)
	case "status":
		return printStatus(commandArgs)
	case "scale-service":
		return scaleService(commandArgs)
	case "add-service":
		return addService(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Println("alwaysupd - process supervisor daemon")
	fmt.Println()
	fmt.Println("Usage: alwaysupd <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run-forever      run a single program forever, in the foreground or daemonized")
	fmt.Println("  start-daemon     start the daemon and its HTTP control plane, optionally with --config")
	fmt.Println("  shutdown-daemon  ask a running daemon to shut down gracefully")
	fmt.Println("  status           print the state of a running daemon and its services")
	fmt.Println("  scale-service    change the number of workers for a service")
	fmt.Println("  add-service      register a new service on a running daemon")
	fmt.Println()
	fmt.Println("Run 'alwaysupd <command> --help' for flags specific to a command.")
}
