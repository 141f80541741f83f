package script

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Executor materializes script specifications into transient executable
// files and runs them as subprocesses under the requested identity.
type Executor struct {
	// Dir is where transient script files are created.
	// Empty means os.TempDir().
	Dir string
}

// Run executes one spec and returns its outcome. Terminal setup and
// spawn failures come back as *Error; a timed out run is not an error,
// it is an Outcome carrying the partial output. The script file is
// removed on every exit path.
func (e *Executor) Run(ctx context.Context, spec Spec) (Outcome, error) {
	var cred *syscall.Credential
	var workDir string
	if spec.RunAs != "" {
		ident, err := LookupIdentity(spec.RunAs)
		if err != nil {
			return Outcome{}, &Error{Kind: KindIdentityLookupFailure, Err: err}
		}
		cred = &syscall.Credential{Uid: ident.UID, Gid: ident.GID}
		workDir = ident.Home
		if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
			workDir = os.TempDir()
		}
	}

	// checked before any file is created
	if info, err := os.Stat(spec.Interpreter); err != nil || info.IsDir() {
		return Outcome{}, &Error{
			Kind: KindUnknownInterpreter,
			Err:  fmt.Errorf("interpreter %q does not exist", spec.Interpreter),
		}
	}

	path, err := e.materialize(spec, cred)
	if err != nil {
		return Outcome{}, &Error{Kind: KindSpawnFailure, Err: err}
	}
	defer removeScript(ctx, path)

	sink := NewSink(spec.OutputLimit)
	cmd := exec.Command(path)
	cmd.Dir = workDir
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if cred != nil {
		cmd.SysProcAttr.Credential = cred
	}

	if err := cmd.Start(); err != nil {
		return Outcome{}, &Error{Kind: KindSpawnFailure, Err: err}
	}
	pid := cmd.Process.Pid
	sink.OnKill(func() {
		// the whole process group, scripts tend to spawn children
		_ = unix.Kill(-pid, unix.SIGKILL)
	})

	var timer *time.Timer
	if spec.TimeLimit > 0 {
		timer = time.AfterFunc(spec.TimeLimit, sink.Cancel)
	}
	stop := context.AfterFunc(ctx, sink.Cancel)

	waitErr := cmd.Wait()

	// sealing first: a limit firing between Wait returning and Stop
	// must not flip a naturally completed run to a timeout
	outcome := sink.Resolve()
	stop()
	if timer != nil {
		timer.Stop()
	}

	if waitErr != nil && outcome.Status == StatusSucceeded {
		slog.DebugContext(ctx, "script exited with error", "path", path, "error", waitErr)
	}
	return outcome, nil
}

// materialize writes the script file. Ownership and permission bits are
// fixed strictly before any content is written, the code may carry
// secrets and must not be readable by other users.
func (e *Executor) materialize(spec Spec, cred *syscall.Credential) (string, error) {
	dir := e.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "hostbeat-script-"+uuid.NewString())

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o700)
	if err != nil {
		return "", fmt.Errorf("creating script file: %w", err)
	}
	abort := func(err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}

	if cred != nil {
		if err := f.Chown(int(cred.Uid), int(cred.Gid)); err != nil {
			return abort(fmt.Errorf("chowning script file: %w", err))
		}
	}
	if err := f.Chmod(0o700); err != nil {
		return abort(fmt.Errorf("restricting script file: %w", err))
	}
	if _, err := io.WriteString(f, FileBody(spec.Interpreter, spec.Code)); err != nil {
		return abort(fmt.Errorf("writing script file: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("closing script file: %w", err)
	}
	return path, nil
}

// removeScript makes the file writable first, it may be owned by
// another user.
func removeScript(ctx context.Context, path string) {
	_ = os.Chmod(path, 0o700)
	if err := os.Remove(path); err != nil {
		slog.WarnContext(ctx, "removing script file failed", "path", path, "error", err)
	}
}
