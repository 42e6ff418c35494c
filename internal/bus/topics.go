package bus

// Dispatcher rollback/retry topics.
const (
	TopicDispatchRollback = "dispatch.rollback"
	TopicDispatchRetry    = "dispatch.retry"
)

// Recovery topics, published once at router boot.
const (
	TopicRecoveryRolledBack = "recovery.rolled_back"
)

// Quiet-period gate topics.
const (
	TopicQuietEntered = "quiet.entered"
	TopicQuietExited  = "quiet.exited"
)

// DispatchRollbackEvent is published when the dispatcher rolls back
// lastAgentTimestamp[G] after a failed container run.
type DispatchRollbackEvent struct {
	ChatJID  string
	Restored string // cursor value restored to
	Reason   string
}

// RecoveryEvent is published for each group rolled back during boot recovery.
type RecoveryEvent struct {
	ChatJID    string
	RolledBack string
}

// QuietTransitionEvent is published on quiet<->active edges.
type QuietTransitionEvent struct {
	Quiet bool
}
