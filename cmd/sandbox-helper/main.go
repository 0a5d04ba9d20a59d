// Command sandbox-helper is the privileged-ish subprocess a worker spawns
// for every sandboxed execution (spec.md §4.C, §6). It reads a JSON
// Configuration on stdin, runs exactly one process under the requested
// isolation and resource limits, and writes a JSON Result on stdout. It
// is intentionally tiny: any bug here is isolated from the long-lived
// worker process that spawned it.
package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/dreamware/taskexec/internal/sandbox"
)

func main() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		writeError("read configuration: " + err.Error())
		os.Exit(1)
	}

	var cfg sandbox.Configuration
	if err := json.Unmarshal(input, &cfg); err != nil {
		writeError("parse configuration: " + err.Error())
		os.Exit(1)
	}

	result := sandbox.Execute(cfg)
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(result); err != nil {
		os.Exit(1)
	}
}

func writeError(msg string) {
	json.NewEncoder(os.Stdout).Encode(sandbox.Result{Error: msg})
}
