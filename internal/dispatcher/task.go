package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/groupgate/internal/bus"
	"github.com/basket/groupgate/internal/channels"
	"github.com/basket/groupgate/internal/container"
	"github.com/basket/groupgate/internal/persistence"
	"github.com/basket/groupgate/internal/registry"
)

// TaskExecutorConfig bundles TaskExecutor's collaborators.
type TaskExecutorConfig struct {
	Store      *persistence.Store
	Registry   *registry.Registry
	Runner     ContainerRunner
	Channel    channels.ChannelDriver
	CloseDelay time.Duration
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// TaskExecutor satisfies scheduler.TaskRunner: it turns one due scheduled
// task into a single container invocation, distinct from
// Dispatcher.ProcessGroupMessages in two ways — it runs outside the
// group's live message cursor, and it closes stdin a fixed short delay
// after the first result rather than waiting out the interactive idle
// timeout, since a task is single-turn by construction.
type TaskExecutor struct {
	store      *persistence.Store
	registry   *registry.Registry
	runner     ContainerRunner
	channel    channels.ChannelDriver
	closeDelay time.Duration
	bus        *bus.Bus
	logger     *slog.Logger
}

// NewTaskExecutor creates a TaskExecutor.
func NewTaskExecutor(cfg TaskExecutorConfig) *TaskExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	closeDelay := cfg.CloseDelay
	if closeDelay <= 0 {
		closeDelay = 3 * time.Second
	}
	return &TaskExecutor{
		store:      cfg.Store,
		registry:   cfg.Registry,
		runner:     cfg.Runner,
		channel:    cfg.Channel,
		closeDelay: closeDelay,
		bus:        cfg.Bus,
		logger:     logger,
	}
}

// RunTask validates the task's group, spawns one container turn for its
// prompt, and records the outcome as a task_runs row. A once task is
// marked completed on success; every other outcome leaves status
// untouched (the scheduler already advanced next_run before calling in).
func (e *TaskExecutor) RunTask(ctx context.Context, task persistence.ScheduledTask) error {
	group, ok := e.registry.Get(task.ChatJID)
	if !ok || group.Folder != task.GroupFolder {
		if err := e.store.SetTaskStatus(ctx, task.ID, "paused"); err != nil {
			e.logger.Error("task executor: pause invalid task failed", "task_id", task.ID, "error", err)
		}
		runID, startErr := e.store.StartTaskRun(ctx, task.ID)
		if startErr == nil {
			_ = e.store.FinishTaskRun(ctx, runID, "error", "group folder no longer registered")
		}
		e.publish(bus.TopicScheduleSkipped, task.ID)
		return nil
	}

	runID, err := e.store.StartTaskRun(ctx, task.ID)
	if err != nil {
		e.logger.Error("task executor: start task run failed", "task_id", task.ID, "error", err)
		return err
	}

	sessionID := ""
	if task.ContextMode == persistence.ContextGroup {
		if sid, err := e.store.GetSessionID(ctx, group.Folder); err == nil {
			sessionID = sid
		}
	}

	spec := container.Spec{
		Prompt:          task.Prompt,
		SessionID:       sessionID,
		GroupFolder:     group.Folder,
		ChatJID:         task.ChatJID,
		IsMain:          group.IsMain,
		IsScheduledTask: true,
		AssistantName:   group.AssistantName,
	}

	var proc *container.Process
	var once bool
	onProcess := func(p *container.Process) {
		proc = p
	}
	onOutput := func(out container.Output) {
		if once || out.Text == "" {
			return
		}
		once = true
		// A task is single-turn: close stdin shortly after the first
		// result rather than waiting out the interactive idle timeout.
		time.AfterFunc(e.closeDelay, func() {
			if proc != nil {
				proc.CloseStdin()
			}
		})
		if e.channel != nil {
			if sendErr := e.channel.SendMessage(ctx, task.ChatJID, out.Text); sendErr != nil {
				e.logger.Warn("task executor: send message failed", "chat_jid", task.ChatJID, "error", sendErr)
			}
		}
	}

	// Scheduled tasks run outside the per-group queue's early-start
	// shortcut (TaskExecutor has no NotifyIdle to call), so no onStatus
	// callback is needed here.
	res, runErr := e.runner.Run(ctx, spec, onProcess, onOutput, nil)

	if runErr != nil {
		_ = e.store.FinishTaskRun(ctx, runID, "error", runErr.Error())
		e.notifyFailure(ctx, task, runErr.Error())
		return runErr
	}

	switch res.Status {
	case "success":
		if err := e.store.FinishTaskRun(ctx, runID, "success", ""); err != nil {
			e.logger.Warn("task executor: finish task run failed", "run_id", runID, "error", err)
		}
		if res.SessionID != "" {
			if err := e.store.SetSessionID(ctx, group.Folder, res.SessionID); err != nil {
				e.logger.Warn("task executor: persist session id failed", "group_folder", group.Folder, "error", err)
			}
		}
		if task.ScheduleType == persistence.ScheduleOnce {
			if err := e.store.SetTaskStatus(ctx, task.ID, "completed"); err != nil {
				e.logger.Warn("task executor: mark once-task completed failed", "task_id", task.ID, "error", err)
			}
		}
		e.publish(bus.TopicScheduleFired, task.ID)
	default:
		_ = e.store.FinishTaskRun(ctx, runID, "error", res.Error)
		e.notifyFailure(ctx, task, res.Error)
	}
	return nil
}

func (e *TaskExecutor) notifyFailure(ctx context.Context, task persistence.ScheduledTask, reason string) {
	e.publish(bus.TopicScheduleSkipped, task.ID)
	if e.channel == nil {
		return
	}
	group, ok := e.registry.Main()
	if !ok {
		return
	}
	msg := "Scheduled task " + task.ID + " failed: " + reason
	if err := e.channel.SendMessage(ctx, group.JID, msg); err != nil {
		e.logger.Warn("task executor: main group failure notice failed", "error", err)
	}
}

func (e *TaskExecutor) publish(topic string, payload interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, payload)
}
