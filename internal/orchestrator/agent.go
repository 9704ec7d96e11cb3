package orchestrator

import (
	"fmt"
	"os"
	"os/exec"
)

// Agent binary discovery, tried in order after the explicit config
// override: environment variable, PATH lookup, fixed install location.
const (
	agentPathEnv     = "OPENCODE_PATH"
	agentBinaryName  = "opencode"
	agentDefaultPath = "/root/.opencode/bin/opencode"
)

// ResolveAgentBinary locates the codegen/analysis agent. An explicit
// override is trusted as-is; the other candidates are verified.
func ResolveAgentBinary(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv(agentPathEnv); env != "" {
		return env, nil
	}
	if path, err := exec.LookPath(agentBinaryName); err == nil {
		return path, nil
	}
	if _, err := os.Stat(agentDefaultPath); err == nil {
		return agentDefaultPath, nil
	}
	return "", fmt.Errorf("agent binary not found: set agent.path in config or %s in the environment", agentPathEnv)
}
