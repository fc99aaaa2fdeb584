package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"memsci/internal/types"
)

// codeAllowedImports whitelists the stdlib packages a code node may use.
// Filesystem, network, exec, and unsafe stay blocked.
var codeAllowedImports = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"unicode":         true,
}

// runCode interprets a code node's Go source in a sandbox. The source must
// define Main(vars map[string]interface{}) map[string]interface{}; the
// returned map becomes the node's outputs.
func runCode(ctx context.Context, cfg CodeConfig, pool *Pool) (map[string]interface{}, error) {
	if err := validateCodeImports(cfg.Code); err != nil {
		return nil, err
	}

	vars := make(map[string]interface{}, len(cfg.Variables))
	for name, selector := range cfg.Variables {
		if v, ok := pool.Get(selector); ok {
			vars[name] = v.Data
		}
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load interpreter symbols: %w", err)
	}

	source := cfg.Code
	if !strings.Contains(source, "package ") {
		source = "package main\n\n" + source
	}
	if _, err := i.Eval(source); err != nil {
		return nil, types.Kindf(types.ErrInvalidInput, "code node evaluation failed: %v", err)
	}

	mainVal, err := i.Eval("main.Main")
	if err != nil {
		return nil, types.Kindf(types.ErrInvalidInput, "code node must define Main: %v", err)
	}
	mainFunc, ok := mainVal.Interface().(func(map[string]interface{}) map[string]interface{})
	if !ok {
		return nil, types.Kindf(types.ErrInvalidInput,
			"Main must be func(map[string]interface{}) map[string]interface{}")
	}

	resultCh := make(chan map[string]interface{}, 1)
	panicCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicCh <- fmt.Errorf("code node panicked: %v", r)
			}
		}()
		resultCh <- mainFunc(vars)
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-panicCh:
		return nil, err
	case <-ctx.Done():
		return nil, types.Kindf(types.ErrWorkflowNodeTimeout, "code node timed out: %v", ctx.Err())
	}
}

// validateCodeImports rejects source importing anything outside the
// whitelist.
func validateCodeImports(code string) error {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			pkg := strings.Trim(strings.Trim(trimmed, `"`), "`")
			if pkg != "" && !codeAllowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
			if !codeAllowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return types.Kindf(types.ErrInvalidInput, "code node imports forbidden packages: %v", forbidden)
	}
	return nil
}
