package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

// DefaultLoaderTemplate loads a component into a running container.
// Placeholders: {container}, {package}, {plugin}, {name}.
var DefaultLoaderTemplate = []string{"ros2", "component", "load", "/{container}", "{package}", "{plugin}"}

// DefaultRunCommand prefixes steps that name a providing package.
var DefaultRunCommand = []string{"ros2", "run"}

// DefaultContainerArgs name the container a create_container step starts.
// Placeholders: {container}, {name}.
var DefaultContainerArgs = []string{"-r", "__node:={container}"}

// DefaultParamFileFlag passes a parameter file to the component loader.
const DefaultParamFileFlag = "--param-file"

const (
	// maxLineLength bounds a logged output line. Longer lines are truncated.
	maxLineLength = 1024 * 1024

	// outputWaitDelay bounds how long output is drained after the process
	// exits, for descendants that keep its stdout or stderr open.
	outputWaitDelay = 2 * time.Second
)

// Config configures a LocalLauncher.
type Config struct {
	// LoaderTemplate is the command used for load_component steps.
	LoaderTemplate []string

	// RunCommand prefixes package executables. Empty runs executables directly.
	RunCommand []string

	// ContainerArgs are ROS arguments added to create_container steps so the
	// started process is addressable by its container tag.
	ContainerArgs []string

	// ParamFileFlag precedes each parameter file of a load_component step.
	ParamFileFlag string

	// Environ returns the base environment. Defaults to os.Environ.
	Environ func() []string

	// Dir is the working directory for started processes.
	Dir string
}

// LocalLauncher starts plan steps on the local machine.
type LocalLauncher struct {
	config Config
	logger zerolog.Logger
}

// NewLocalLauncher creates a launcher. Zero-valued config fields take defaults.
func NewLocalLauncher(cfg Config, logger zerolog.Logger) *LocalLauncher {
	if len(cfg.LoaderTemplate) == 0 {
		cfg.LoaderTemplate = DefaultLoaderTemplate
	}
	if cfg.RunCommand == nil {
		cfg.RunCommand = DefaultRunCommand
	}
	if cfg.ContainerArgs == nil {
		cfg.ContainerArgs = DefaultContainerArgs
	}
	if cfg.ParamFileFlag == "" {
		cfg.ParamFileFlag = DefaultParamFileFlag
	}
	if cfg.Environ == nil {
		cfg.Environ = os.Environ
	}
	return &LocalLauncher{config: cfg, logger: logger}
}

// CommandLine returns the argv a step is started with.
func (l *LocalLauncher) CommandLine(step engine.PlanStep) []string {
	if step.Kind == engine.StepLoadComponent {
		return l.loaderCommand(step)
	}

	var argv []string
	if step.Package != "" && len(l.config.RunCommand) > 0 && !strings.ContainsRune(step.Executable, os.PathSeparator) {
		argv = append(argv, l.config.RunCommand...)
		argv = append(argv, step.Package)
	}
	argv = append(argv, step.Executable)
	argv = append(argv, step.Arguments...)

	var rosArgs []string
	if step.Kind == engine.StepCreateContainer && step.Container != "" {
		rosArgs = append(rosArgs, expand(l.config.ContainerArgs, step)...)
	}
	for _, f := range step.ParameterFiles {
		rosArgs = append(rosArgs, "--params-file", f)
	}
	for _, p := range step.Parameters {
		rosArgs = append(rosArgs, "-p", p.Name+":="+p.Value)
	}
	if len(rosArgs) > 0 {
		argv = append(argv, "--ros-args")
		argv = append(argv, rosArgs...)
	}
	return argv
}

func (l *LocalLauncher) loaderCommand(step engine.PlanStep) []string {
	argv := expand(l.config.LoaderTemplate, step)
	argv = append(argv, step.Arguments...)
	for _, f := range step.ParameterFiles {
		argv = append(argv, l.config.ParamFileFlag, f)
	}
	for _, p := range step.Parameters {
		argv = append(argv, "-p", p.Name+":="+p.Value)
	}
	return argv
}

// expand substitutes step fields into a command template.
func expand(template []string, step engine.PlanStep) []string {
	r := strings.NewReplacer(
		"{container}", step.Container,
		"{package}", step.Package,
		"{plugin}", step.Plugin,
		"{name}", step.Action,
	)
	out := make([]string, 0, len(template))
	for _, tok := range template {
		out = append(out, r.Replace(tok))
	}
	return out
}

// Environment returns the base environment merged with the step's additions.
func (l *LocalLauncher) Environment(step engine.PlanStep) []string {
	env := l.config.Environ()
	if len(step.Environment) == 0 {
		return env
	}
	keys := make([]string, 0, len(step.Environment))
	for k := range step.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := make([]string, 0, len(env)+len(keys))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if _, override := step.Environment[name]; override {
			continue
		}
		merged = append(merged, kv)
	}
	for _, k := range keys {
		merged = append(merged, k+"="+step.Environment[k])
	}
	return merged
}

// Start starts the step and returns without waiting for it to exit.
// The process is not bound to ctx; the caller stops it through the handle.
func (l *LocalLauncher) Start(ctx context.Context, step engine.PlanStep) (engine.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv := l.CommandLine(step)
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("step %s has no command", step.ID)
	}

	var pattern *regexp.Regexp
	if step.ReadyPattern != "" {
		p, err := regexp.Compile(step.ReadyPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid ready pattern for %s: %w", step.ID, err)
		}
		pattern = p
	}

	// Output is copied by exec through in-memory pipes, so Wait returns once
	// the process has exited and outputWaitDelay bounds the copy.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = l.Environment(step)
	cmd.Dir = l.config.Dir
	cmd.SysProcAttr = newProcessGroup()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = outputWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	level := zerolog.InfoLevel
	if step.Output == engine.OutputLog {
		level = zerolog.DebugLevel
	}

	h := &Handle{
		cmd:     cmd,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		pattern: pattern,
		level:   level,
		writers: []*io.PipeWriter{stdoutW, stderrW},
		logger: l.logger.With().
			Str("step", step.ID).
			Str("action", step.QualifiedName()).
			Int("pid", cmd.Process.Pid).
			Logger(),
	}

	h.logger.Debug().Strs("argv", argv).Msg("Process started")
	if pattern == nil {
		h.markReady()
	}

	h.output.Add(2)
	go h.stream("stdout", stdoutR)
	go h.stream("stderr", stderrR)
	go h.wait()

	return h, nil
}

// Handle is a started process.
type Handle struct {
	cmd     *exec.Cmd
	logger  zerolog.Logger
	level   zerolog.Level
	pattern *regexp.Regexp

	ready     chan struct{}
	readyOnce sync.Once
	output    sync.WaitGroup
	writers   []*io.PipeWriter

	done     chan struct{}
	exitCode int
	waitErr  error
}

// PID returns the process ID.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Ready is closed once the ready pattern matched, or right after start when
// the step has no pattern.
func (h *Handle) Ready() <-chan struct{} {
	return h.ready
}

// Wait blocks until the process exits.
func (h *Handle) Wait() (int, error) {
	<-h.done
	return h.exitCode, h.waitErr
}

// Terminate sends SIGINT to the process group.
func (h *Handle) Terminate() error {
	if h.exited() {
		return nil
	}
	return interruptGroup(h.cmd.Process)
}

// Kill sends SIGKILL to the process group.
func (h *Handle) Kill() error {
	if h.exited() {
		return nil
	}
	return killGroup(h.cmd.Process)
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) markReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}

func (h *Handle) stream(name string, r io.Reader) {
	defer h.output.Done()

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, truncated, err := readLine(br, maxLineLength)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				h.logger.Warn().Err(err).Str("stream", name).Msg("Output stream error")
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}

		ev := h.logger.WithLevel(h.level).Str("stream", name)
		if truncated {
			ev = ev.Bool("truncated", true)
		}
		ev.Msg(string(line))

		if h.pattern != nil && h.pattern.Match(line) {
			h.markReady()
		}
	}
}

// readLine reads one line without its terminator. Bytes past limit are read
// and discarded.
func readLine(br *bufio.Reader, limit int) (line []byte, truncated bool, err error) {
	for {
		frag, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 || truncated {
				return line, truncated, nil
			}
			return nil, false, err
		}
		room := limit - len(line)
		if len(frag) > room {
			frag = frag[:room]
			truncated = true
		}
		line = append(line, frag...)
		if !isPrefix {
			return line, truncated, nil
		}
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	for _, w := range h.writers {
		_ = w.Close()
	}
	h.output.Wait()

	code, waitErr := exitStatus(h.cmd.ProcessState, err)
	h.exitCode = code
	h.waitErr = waitErr

	h.logger.Debug().Int("exit_code", code).Msg("Process exited")
	close(h.done)
}

// exitStatus converts the result of cmd.Wait into an exit code. A process
// ended by a signal reports 128 plus the signal number.
func exitStatus(state *os.ProcessState, err error) (int, error) {
	if state == nil {
		return -1, err
	}
	if sig, ok := signalNumber(state); ok {
		return 128 + sig, nil
	}
	var exitErr *exec.ExitError
	if errors.Is(err, exec.ErrWaitDelay) {
		// Descendants still held the output open; the process itself exited.
		err = nil
	}
	if err != nil && !errors.As(err, &exitErr) {
		return state.ExitCode(), err
	}
	return state.ExitCode(), nil
}
