// Package worker spawns the external stage programs (diarizer, translator,
// cloner, stitcher) and relays their progress lines and result documents.
// Each stage targets its own isolated runtime, selected by profile.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/voxdub/voxdub/internal/config"
	"github.com/voxdub/voxdub/internal/models"
)

// stderrTailLines bounds how much worker stderr is kept for error messages.
const stderrTailLines = 40

// ProgressFunc receives parsed progress observations in emission order.
type ProgressFunc func(obs ProgressObservation)

// Adapter invokes external stage workers per their runtime profile.
type Adapter struct {
	workers config.WorkersConfig
	logger  *slog.Logger
}

// NewAdapter creates an Adapter from the per-stage worker configuration.
func NewAdapter(workers config.WorkersConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		workers: workers,
		logger:  logger.With(slog.String("component", "worker_adapter")),
	}
}

// ProfileFor selects the runtime profile for a stage. Export has no worker
// profile; it goes through the media toolchain instead.
func (a *Adapter) ProfileFor(stage models.Stage) (config.WorkerProfile, error) {
	switch stage {
	case models.StageSpeakerDiarization:
		return a.workers.Diarization, nil
	case models.StageTranslation:
		return a.workers.Translation, nil
	case models.StageVoiceCloning:
		return a.workers.Cloning, nil
	case models.StageStitch:
		return a.workers.Stitch, nil
	}
	return config.WorkerProfile{}, newError(KindUnavailable,
		fmt.Sprintf("no worker profile for stage %q", stage), nil)
}

// Invoke runs the stage worker with the request file path as its sole
// extra argument and returns the trailing JSON result document.
//
// Cancelling ctx terminates the child and yields a cancelled error; the
// profile's wall-clock timeout yields a timeout error. Both termination
// paths send SIGTERM first and escalate to SIGKILL after the grace period.
func (a *Adapter) Invoke(ctx context.Context, stage models.Stage, requestPath string, onProgress ProgressFunc) (json.RawMessage, error) {
	profile, err := a.ProfileFor(stage)
	if err != nil {
		return nil, err
	}
	if onProgress == nil {
		onProgress = func(ProgressObservation) {}
	}

	args := append(append([]string{}, profile.Args...), requestPath)
	cmd := exec.Command(profile.Executable, args...)
	cmd.Dir = profile.WorkDir
	cmd.Env = append(os.Environ(), profile.Env...)
	// Workers are launcher scripts that fork interpreter processes; the
	// whole group must die together or the children keep the pipes open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, newError(KindInternal, "opening worker stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, newError(KindInternal, "opening worker stderr", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, newError(KindUnavailable,
				fmt.Sprintf("worker %q is not runnable", profile.Executable), err)
		}
		return nil, newError(KindUnavailable, "starting worker", err)
	}

	a.logger.Debug("worker started",
		slog.String("stage", string(stage)),
		slog.String("executable", profile.Executable),
		slog.Int("pid", cmd.Process.Pid),
	)

	// Both streams are drained concurrently. Reading them one after the
	// other deadlocks once the unread pipe's buffer fills.
	var (
		wg         sync.WaitGroup
		stdoutBuf  strings.Builder
		stderrTail []string
	)
	var progressMu sync.Mutex
	emit := func(obs ProgressObservation) {
		progressMu.Lock()
		defer progressMu.Unlock()
		onProgress(obs)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			stdoutBuf.WriteString(line)
			stdoutBuf.WriteByte('\n')
			if obs, ok := parseProgressLine(line); ok {
				emit(obs)
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			stderrTail = append(stderrTail, line)
			if len(stderrTail) > stderrTailLines {
				stderrTail = stderrTail[1:]
			}
			if obs, ok := parseProgressLine(line); ok {
				emit(obs)
			}
		})
	}()

	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	timeout := time.NewTimer(profile.Timeout)
	defer timeout.Stop()

	var waitErr error
	var failure *Error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		a.terminate(cmd)
		waitErr = <-waitDone
		failure = newError(KindCancelled, "cancelled", ctx.Err())
	case <-timeout.C:
		a.terminate(cmd)
		waitErr = <-waitDone
		failure = newError(KindTimeout,
			fmt.Sprintf("worker exceeded %s wall-clock limit", profile.Timeout), nil)
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	if failure != nil {
		a.logger.Warn("worker terminated",
			slog.String("stage", string(stage)),
			slog.String("kind", string(failure.Kind)),
			slog.Duration("elapsed", elapsed),
		)
		return nil, failure
	}

	if waitErr != nil {
		msg := "worker failed"
		if tail := strings.TrimSpace(strings.Join(stderrTail, "\n")); tail != "" {
			msg = fmt.Sprintf("worker failed: %s", tail)
		}
		return nil, newError(KindFailed, msg, waitErr)
	}

	result, ok := extractTrailingJSON(stdoutBuf.String())
	if !ok {
		return nil, newError(KindFailed, "worker produced no result", nil)
	}

	a.logger.Info("worker finished",
		slog.String("stage", string(stage)),
		slog.Duration("elapsed", elapsed),
	)
	return result, nil
}

// terminate asks the worker's process group to exit and force-kills it
// after the grace period.
func (a *Adapter) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return
	}

	grace := a.workers.GracePeriod
	if grace <= 0 {
		grace = time.Second
	}
	time.AfterFunc(grace, func() {
		// Signalling an already-gone group returns ESRCH, which is fine.
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}

// scanLines feeds each output line to fn, replacing invalid UTF-8 rather
// than dropping the line.
func scanLines(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(strings.ToValidUTF8(scanner.Text(), "�"))
	}
}
