// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
)

// addServiceBody mirrors internal/httpapi's serviceBody wire shape.
type addServiceBody struct {
	Name    string   `json:"name"`
	Workers int      `json:"workers"`
	Program string   `json:"program"`
	Args    []string `json:"args"`
}

// addService registers a new service on a running daemon. Given no flags
// it falls back to an interactive charmbracelet/huh wizard, the same
// dependency the teacher uses for its own setup menus.
func addService(args []string) error {
	fs := flag.NewFlagSet("add-service", flag.ContinueOnError)
	host, port := controlPlaneFlags(fs)
	name := fs.String("name", "", "service name")
	program := fs.String("program", "", "program to run")
	cmdArgs := fs.String("args", "", "space-separated program arguments")
	workers := fs.Int("workers", 1, "number of worker slots")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body := addServiceBody{Name: *name, Program: *program, Workers: *workers}
	if *cmdArgs != "" {
		body.Args = strings.Fields(*cmdArgs)
	}

	if body.Name == "" || body.Program == "" {
		if err := runAddServiceWizard(&body); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/services/add", *host, *port)
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("requesting add-service: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("add-service failed: %s: %v", resp.Status, result)
	}
	fmt.Println(result)
	return nil
}

func runAddServiceWizard(body *addServiceBody) error {
	var workersStr string
	if body.Workers > 0 {
		workersStr = strconv.Itoa(body.Workers)
	} else {
		workersStr = "1"
	}
	var argsStr string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Service name").Value(&body.Name),
			huh.NewInput().Title("Program").Value(&body.Program),
			huh.NewInput().Title("Arguments (space-separated)").Value(&argsStr),
			huh.NewInput().Title("Workers").Value(&workersStr),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("wizard cancelled: %w", err)
	}

	if argsStr != "" {
		body.Args = strings.Fields(argsStr)
	}
	n, err := strconv.Atoi(workersStr)
	if err != nil || n < 1 {
		n = 1
	}
	body.Workers = n

	if body.Name == "" {
		return fmt.Errorf("missing name property in the body")
	}
	if body.Program == "" {
		return fmt.Errorf("missing program property in the body")
	}
	return nil
}
