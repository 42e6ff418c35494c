package bus

import (
	"testing"
)

func TestEventTopics_Constants(t *testing.T) {
	topics := map[string]bool{
		TopicQueueJobStarted:      true,
		TopicQueueJobFinished:     true,
		TopicQueueNotifyIdle:      true,
		TopicContainerSpawned:     true,
		TopicContainerResult:      true,
		TopicContainerStatus:      true,
		TopicStatusTransition:     true,
		TopicStatusFailed:         true,
		TopicScheduleFired:        true,
		TopicScheduleSkipped:      true,
		TopicCredentialRefreshing: true,
		TopicCredentialRestored:   true,
		TopicCredentialManualReauth: true,
		TopicDispatchRollback:     true,
		TopicDispatchRetry:        true,
		TopicRecoveryRolledBack:   true,
		TopicQuietEntered:         true,
		TopicQuietExited:          true,
	}
	for topic := range topics {
		if topic == "" {
			t.Fatal("found empty topic constant")
		}
	}
	if len(topics) != 18 {
		t.Fatalf("expected 18 unique topics, got %d", len(topics))
	}
}

func TestQueueJobEvent_Fields(t *testing.T) {
	ev := QueueJobEvent{ChatJID: "g1@chat", JobKind: "task", JobID: "t1"}
	if ev.ChatJID == "" || ev.JobKind == "" || ev.JobID == "" {
		t.Fatal("expected all fields populated")
	}
}

func TestContainerStatusEvent_Fields(t *testing.T) {
	ev := ContainerStatusEvent{ChatJID: "g1@chat", ContainerID: "c1", Status: "error", Error: "boom"}
	if ev.Status != "error" || ev.Error != "boom" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestStatusTransitionEvent_Fields(t *testing.T) {
	ev := StatusTransitionEvent{MessageID: "m1", ChatJID: "g1@chat", State: "thinking"}
	if ev.State != "thinking" {
		t.Fatalf("unexpected state: %s", ev.State)
	}
}

func TestScheduleFiredEvent_Fields(t *testing.T) {
	ev := ScheduleFiredEvent{TaskID: "task-1", GroupFolder: "main", NextRun: "2026-08-01T00:00:00Z"}
	if ev.TaskID == "" || ev.GroupFolder == "" || ev.NextRun == "" {
		t.Fatal("expected all fields populated")
	}
}

func TestDispatchRollbackEvent_Fields(t *testing.T) {
	ev := DispatchRollbackEvent{ChatJID: "g1@chat", Restored: "12", Reason: "no output delivered"}
	if ev.Restored != "12" {
		t.Fatalf("unexpected restored value: %s", ev.Restored)
	}
}

func TestQuietTransitionEvent_Fields(t *testing.T) {
	ev := QuietTransitionEvent{Quiet: true}
	if !ev.Quiet {
		t.Fatal("expected Quiet true")
	}
}
