// ABOUTME: Launching seance-broker child processes for the bootstrap protocol
// ABOUTME: Resolves the broker binary, detaches the child, and hands back a handle

package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BinaryName is the broker executable resolution looks for.
const BinaryName = "seance-broker"

// EnvBinary overrides broker binary resolution.
const EnvBinary = "SEANCE_BROKER"

// EnvToken carries the shared secret to a spawned broker.
const EnvToken = "SEANCE_TOKEN"

// EnvLog names a file the spawned broker appends its output to. Without it
// the child's output is discarded.
const EnvLog = "SEANCE_BROKER_LOG"

// Handle references a broker child process this client launched. A broker
// outliving its spawner is expected and correct; Stop exists for callers
// that want to tear the broker down, not as a lifetime tie.
type Handle struct {
	proc *os.Process
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.proc.Pid
}

// Stop terminates the broker process. On unix it asks for a clean shutdown
// with SIGTERM; elsewhere it kills. Stopping an already-exited child returns
// the os error for a finished process.
func (h *Handle) Stop() error {
	return terminate(h.proc)
}

// Spawn launches a broker serving identity at addr. The binary argument may
// be empty, in which case resolution follows the package documentation. The
// child is detached into its own session so it survives the spawning process
// and its terminal group.
func Spawn(identity, addr, token, binary string) (*Handle, error) {
	bin, err := resolveBinary(binary)
	if err != nil {
		return nil, fmt.Errorf("locating broker binary: %w", err)
	}

	cmd := newCommand(bin, identity, addr, token)

	var logFile *os.File
	if path := os.Getenv(EnvLog); path != "" {
		logFile, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening broker log %s: %w", path, err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("starting broker: %w", err)
	}
	if logFile != nil {
		// The child holds its own descriptor now.
		logFile.Close()
	}

	// Reap the child in the background so a broker that exits early, for
	// example after losing a bind race, does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	return &Handle{proc: cmd.Process}, nil
}

// newCommand builds the exec.Cmd for a broker child without starting it.
// Stdin and, absent SEANCE_BROKER_LOG, stdout/stderr go to the null device.
func newCommand(bin, identity, addr, token string) *exec.Cmd {
	cmd := exec.Command(bin, "serve", "--db", identity, "--addr", addr)
	cmd.Env = childEnv(os.Environ(), token)
	cmd.SysProcAttr = sessionAttr()
	return cmd
}

// childEnv strips any inherited token and injects the client's own, so a
// broker spawned without a token never picks up a guard from the caller's
// environment.
func childEnv(env []string, token string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvToken+"=") {
			continue
		}
		out = append(out, kv)
	}
	if token != "" {
		out = append(out, EnvToken+"="+token)
	}
	return out
}

// resolveBinary picks the broker executable to launch.
func resolveBinary(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv(EnvBinary); env != "" {
		return env, nil
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), BinaryName)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	return exec.LookPath(BinaryName)
}
