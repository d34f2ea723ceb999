// Package coderunner implements toolport.CodeRunner as a WASM sandbox via
// tetratelabs/wazero: no network, no filesystem, wall-clock capped.
package coderunner

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/deepresearch/agent/internal/toolport"
)

// Runner executes precompiled WASM code modules in an isolated runtime
// instantiated fresh per call, so no state or capability leaks between
// sessions.
type Runner struct {
	runtimeConfig wazero.RuntimeConfig
}

// New returns a Runner. Programs passed to Run must already be compiled to
// WASM bytes. The Step Executor's "code" handler passes the program the LLM
// proposed to Run unchanged, so a program that is not a WASM binary fails
// at the compile step.
func New() *Runner {
	return &Runner{
		runtimeConfig: wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	}
}

// Run executes a WASM module with no network or filesystem access, under
// the given wall-clock cap. limits.CPU is not read: execution time is
// bounded by the wall-clock cap alone.
func (r *Runner) Run(ctx context.Context, program string, inputs string, limits toolport.CodeLimits) (toolport.CodeResult, error) {
	wallClock := limits.WallClock
	if wallClock <= 0 {
		wallClock = toolport.CodeWallClock
	}

	runCtx, cancel := context.WithTimeout(ctx, wallClock)
	defer cancel()

	runtime := wazero.NewRuntimeWithConfig(runCtx, r.runtimeConfig)
	defer runtime.Close(runCtx)

	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, runtime); err != nil {
		return toolport.CodeResult{}, fmt.Errorf("instantiating wasi: %w", err)
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader([]byte(inputs))).
		WithStdout(&stdout).
		WithStderr(&stderr)
		// No WithFS / WithFSConfig call: the module has no filesystem view.
		// No network host function exports are registered: no network access.

	compiled, err := runtime.CompileModule(runCtx, []byte(program))
	if err != nil {
		return toolport.CodeResult{}, fmt.Errorf("compiling module: %w", err)
	}

	mod, err := runtime.InstantiateModule(runCtx, compiled, moduleConfig)
	exitCode := 0
	if err != nil {
		if runCtx.Err() != nil {
			return toolport.CodeResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
				fmt.Errorf("code execution exceeded %s wall-clock cap: %w", wallClock, runCtx.Err())
		}
		exitCode = -1
	} else {
		defer mod.Close(runCtx)
	}

	return toolport.CodeResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}
