// Package container runs a short-lived, containerized agent process per
// group turn and speaks its NDJSON streaming wire protocol over stdio.
package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/groupgate/internal/bus"
	otelgroupgate "github.com/basket/groupgate/internal/otel"
)

// maxScanTokenSize raises bufio.Scanner's default 64KB line limit: a
// structured `result` payload can legitimately exceed it.
const maxScanTokenSize = 8 * 1024 * 1024

// internalTagPattern strips non-greedy <internal>...</internal> spans from
// agent output before it is ever shown to a user.
var internalTagPattern = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>...</internal> spans from s.
func StripInternal(s string) string {
	return internalTagPattern.ReplaceAllString(s, "")
}

// EventType enumerates the wire protocol's line-delimited JSON event kinds.
type EventType string

const (
	EventResult        EventType = "result"
	EventSessionUpdate EventType = "session-update"
	EventStatus        EventType = "status"
)

// wireEvent mirrors one NDJSON line from the agent process.
type wireEvent struct {
	Type      EventType       `json:"type"`
	Result    json.RawMessage `json:"result,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Output is a single streamed unit of agent output delivered to onOutput.
type Output struct {
	Text      string // rendered, <internal> stripped; empty if nothing user-visible
	SessionID string // most recent session id observed so far, possibly unchanged
}

// Result is the terminal outcome of a container run.
type Result struct {
	Status    string // "success" or "error"
	Error     string
	SessionID string
}

// Spec describes a single container invocation.
type Spec struct {
	Prompt          string
	SessionID       string // resume token; empty starts a fresh agent session
	GroupFolder     string // validated by the caller (internal/registry) before Spawn
	ChatJID         string
	IsMain          bool
	IsScheduledTask bool
	AssistantName   string
}

// Process is the live handle to a spawned container, installed into the
// group queue's InFlightWorker record by RegisterProcess.
type Process struct {
	ContainerID string

	mu       sync.Mutex
	stdin    io.WriteCloser
	closed   bool
	cli      *client.Client
}

// NewProcess builds a Process around an already-open stdin stream. Production
// code only gets one from runOnce after a real ContainerAttach; tests use it
// to exercise SendMessage/CloseStdin against a fake io.WriteCloser without a
// Docker daemon.
func NewProcess(containerID string, stdin io.WriteCloser) *Process {
	return &Process{ContainerID: containerID, stdin: stdin}
}

// SendMessage writes a formatted payload followed by a newline terminator
// to the container's stdin. Returns false if stdin is already closed.
func (p *Process) SendMessage(payload string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdin == nil {
		return false
	}
	if _, err := io.WriteString(p.stdin, payload+"\n"); err != nil {
		return false
	}
	return true
}

// CloseStdin closes the attached stdin stream, a best-effort hint that lets
// the agent observe EOF and shut down cleanly.
func (p *Process) CloseStdin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdin == nil {
		return
	}
	_ = p.stdin.Close()
	p.closed = true
}

// Kill force-stops the container. Used when CloseStdin does not cause exit
// before a shutdown deadline.
func (p *Process) Kill(ctx context.Context) error {
	if p.cli == nil {
		return nil
	}
	return p.cli.ContainerKill(ctx, p.ContainerID, "SIGKILL")
}

// CredentialService is the minimal out-of-process collaborator the runner
// consults on terminal errors; issuance itself happens outside this package.
type CredentialService interface {
	IsAuthError(errText string) bool
	Refresh(ctx context.Context) error
}

// Runner launches containerized agent processes and speaks the NDJSON
// wire protocol over an attached stdio stream.
type Runner struct {
	cli         *client.Client
	image       string
	memoryBytes int64
	cpuQuota    int64
	networkMode string
	workspace   string
	logger      *slog.Logger
	bus         *bus.Bus
	creds       CredentialService
	tracer      trace.Tracer
}

// Config configures a new Runner.
type Config struct {
	Host        string
	Image       string
	MemoryMB    int64
	CPUQuota    int64
	Network     string
	Workspace   string
	Logger      *slog.Logger
	Bus         *bus.Bus
	Credentials CredentialService
	Tracer      trace.Tracer
}

// New creates a Runner backed by the real Docker Engine API client.
func New(cfg Config) (*Runner, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	image := cfg.Image
	if image == "" {
		image = "groupgate-agent:latest"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 1024
	}
	network := cfg.Network
	if network == "" {
		network = "none"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelgroupgate.TracerName)
	}

	return &Runner{
		cli:         cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		cpuQuota:    cfg.CPUQuota,
		networkMode: network,
		workspace:   cfg.Workspace,
		logger:      logger,
		bus:         cfg.Bus,
		creds:       cfg.Credentials,
		tracer:      tracer,
	}, nil
}

// Close releases the Docker client.
func (r *Runner) Close() error {
	return r.cli.Close()
}

// Run spawns a container for spec, attaches its stdio, streams parsed
// Output events to onOutput, and returns the terminal Result. onProcess is
// invoked synchronously right after spawn so the caller (the group queue)
// can register stdin/kill handles before any output arrives.
//
// On a terminal error matching the credential service's IsAuthError, Run
// refreshes credentials and retries the spawn exactly once with the same
// prompt and session id.
// onStatus, when non-nil, is invoked the instant the container's terminal
// status line is parsed off stdout — before Run waits on ContainerWait or
// removes the container. This lets the caller start the group's next
// queued job while this job's own container teardown and cursor/session
// bookkeeping still run, rather than after Run returns.
func (r *Runner) Run(ctx context.Context, spec Spec, onProcess func(*Process), onOutput func(Output), onStatus func(Result)) (Result, error) {
	res, err := r.runOnce(ctx, spec, onProcess, onOutput, onStatus)
	if err != nil {
		return Result{}, err
	}
	if res.Status != "error" || r.creds == nil || !r.creds.IsAuthError(res.Error) {
		return res, nil
	}

	r.bus.Publish(bus.TopicCredentialRefreshing, bus.QueueJobEvent{ChatJID: spec.ChatJID, JobKind: "credential_refresh"})
	if refreshErr := r.creds.Refresh(ctx); refreshErr != nil {
		return res, nil // propagate the original terminal error; retry not possible
	}
	r.bus.Publish(bus.TopicCredentialRestored, bus.QueueJobEvent{ChatJID: spec.ChatJID, JobKind: "credential_refresh"})

	retrySpec := spec
	retrySpec.SessionID = res.SessionID
	return r.runOnce(ctx, retrySpec, onProcess, onOutput, onStatus)
}

func (r *Runner) runOnce(ctx context.Context, spec Spec, onProcess func(*Process), onOutput func(Output), onStatus func(Result)) (Result, error) {
	ctx, span := otelgroupgate.StartClientSpan(ctx, r.tracer, "container.run",
		otelgroupgate.AttrChatJID.String(spec.ChatJID), otelgroupgate.AttrGroupFolder.String(spec.GroupFolder))
	defer span.End()

	containerName := fmt.Sprintf("groupgate-%s", uuid.NewString())

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:        r.image,
		Env:          r.envFor(spec),
		WorkingDir:   "/workspace",
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   r.memoryBytes,
			CPUQuota: r.cpuQuota,
		},
		NetworkMode: container.NetworkMode(r.networkMode),
		Binds:       r.binds(spec),
		AutoRemove:  false, // removed explicitly after Wait so logs remain readable on crash
	}, nil, nil, containerName)
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	span.SetAttributes(otelgroupgate.AttrContainerID.String(containerID))
	defer func() {
		_ = r.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	attach, err := r.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}
	r.bus.Publish(bus.TopicContainerSpawned, bus.ContainerStatusEvent{ChatJID: spec.ChatJID, ContainerID: containerID})

	proc := &Process{ContainerID: containerID, stdin: attach.Conn, cli: r.cli}
	if onProcess != nil {
		onProcess(proc)
	}

	if spec.Prompt != "" {
		proc.SendMessage(formatInitialPrompt(spec))
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		_ = stdoutW.Close()
		_ = stderrW.Close()
	}()
	go drainStderr(stderrR, r.logger, containerID)

	result := readNDJSON(stdoutR, spec.SessionID, r.logger, onOutput, onStatus)

	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if result.Status == "" {
			result.Status = "error"
			result.Error = fmt.Sprintf("container wait: %v", err)
		}
	case <-statusCh:
	case <-ctx.Done():
		_ = proc.Kill(context.Background())
		if result.Status == "" {
			result.Status = "error"
			result.Error = "context canceled"
		}
	}

	r.bus.Publish(bus.TopicContainerStatus, bus.ContainerStatusEvent{
		ChatJID: spec.ChatJID, ContainerID: containerID, Status: result.Status, Error: result.Error,
	})
	return result, nil
}

func (r *Runner) envFor(spec Spec) []string {
	env := []string{
		"GROUPGATE_CHAT_JID=" + spec.ChatJID,
		"GROUPGATE_GROUP_FOLDER=" + spec.GroupFolder,
	}
	if spec.SessionID != "" {
		env = append(env, "GROUPGATE_SESSION_ID="+spec.SessionID)
	}
	if spec.IsMain {
		env = append(env, "GROUPGATE_IS_MAIN=1")
	}
	if spec.IsScheduledTask {
		env = append(env, "GROUPGATE_SCHEDULED_TASK=1")
	}
	if spec.AssistantName != "" {
		env = append(env, "GROUPGATE_ASSISTANT_NAME="+spec.AssistantName)
	}
	return env
}

func (r *Runner) binds(spec Spec) []string {
	if r.workspace == "" || spec.GroupFolder == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s/%s:/workspace", r.workspace, spec.GroupFolder)}
}

func formatInitialPrompt(spec Spec) string {
	return spec.Prompt
}

func drainStderr(r io.Reader, logger *slog.Logger, containerID string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		logger.Warn("container stderr", "container_id", containerID, "line", scanner.Text())
	}
}

// readNDJSON scans stdout line by line, parsing each as a wireEvent and
// invoking onOutput for result events and onStatus the instant the
// terminal status line is parsed — while the container process has
// exited from the agent's point of view, Docker teardown (ContainerWait,
// ContainerRemove) has not happened yet; onStatus fires before that, not
// after it, so a caller that starts the next job from onStatus is
// genuinely racing container teardown rather than running after it.
// Malformed lines are logged and discarded; they never terminate the
// stream.
func readNDJSON(r io.Reader, initialSessionID string, logger *slog.Logger, onOutput func(Output), onStatus func(Result)) Result {
	sessionID := initialSessionID
	result := Result{SessionID: sessionID}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			logger.Warn("malformed agent output line discarded", "error", err)
			continue
		}

		switch ev.Type {
		case EventSessionUpdate:
			sessionID = ev.SessionID
			result.SessionID = sessionID
		case EventResult:
			text := renderResult(ev.Result)
			text = StripInternal(text)
			if text == "" {
				continue // idle timer still resets in the caller via the mere act of reading a line
			}
			if onOutput != nil {
				onOutput(Output{Text: text, SessionID: sessionID})
			}
		case EventStatus:
			result.Status = ev.Status
			result.Error = ev.Error
			result.SessionID = sessionID
			if onStatus != nil {
				onStatus(result)
			}
		default:
			logger.Warn("unknown agent event type discarded", "type", ev.Type)
		}
	}
	if result.Status == "" {
		result.Status = "error"
		result.Error = "agent process exited without a terminal status event"
	}
	return result
}

// renderResult converts a `result` field that may be a JSON string or an
// arbitrary structured value into display text.
func renderResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	return string(raw)
}
