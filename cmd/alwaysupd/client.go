// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/alwaysupgo/internal/manager"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func controlPlaneFlags(fs *flag.FlagSet) (host *string, port *int) {
	host = fs.String("host", "127.0.0.1", "daemon control-plane host")
	port = fs.Int("port", 8000, "daemon control-plane port")
	return
}

// shutdownDaemon asks a running daemon to shut down gracefully, mirroring
// the original CLI's shutdown_daemon command.
func shutdownDaemon(args []string) error {
	fs := flag.NewFlagSet("shutdown-daemon", flag.ContinueOnError)
	host, port := controlPlaneFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/manager/shutdown", *host, *port)
	resp, err := httpClient.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("requesting shutdown: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Println(result)
	return nil
}

// printStatus fetches GET /manager and prints the nested
// manager -> service -> slot tree, ported in shape from the original CLI's
// status command.
func printStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	host, port := controlPlaneFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/manager", *host, *port)
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("requesting status: %w", err)
	}
	defer resp.Body.Close()

	var summary manager.Summary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("Manager state: %s (since %s)\n", summary.State, summary.StateHumanize)
	fmt.Println()
	fmt.Println("Services:")
	for _, svc := range summary.Services {
		fmt.Printf("- service: %s (state: %s since %s)\n", svc.Name, svc.State, svc.StateHumanize)
		for _, slot := range svc.Slots {
			fmt.Printf("    - slot: %d, state: %s (since %s)\n", slot.SlotNumber, slot.State, slot.StateHumanize)
			if slot.PID != 0 {
				fmt.Printf("        - pid: %d, cmd_line: %s\n", slot.PID, slot.CmdLine)
			}
		}
	}
	return nil
}

// scaleService changes the worker count of a running service, mirroring
// the original CLI's scale_service command.
func scaleService(args []string) error {
	fs := flag.NewFlagSet("scale-service", flag.ContinueOnError)
	host, port := controlPlaneFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: scale-service <service-name> <workers>")
	}
	name := fs.Arg(0)
	var workers int
	if _, err := fmt.Sscanf(fs.Arg(1), "%d", &workers); err != nil {
		return fmt.Errorf("invalid workers value %q: %w", fs.Arg(1), err)
	}

	body, err := json.Marshal(map[string]int{"workers": workers})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/services/%s/scale", *host, *port, name)
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("requesting scale: %w", err)
	}
	defer resp.Body.Close()

	fmt.Println(resp.Status)
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		fmt.Println(result)
	}
	return nil
}
