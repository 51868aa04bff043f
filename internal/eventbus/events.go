package eventbus

// Event types published by the scheduling engine. The journal and daemon
// match on these.
const (
	TaskStarted   = "task.started"
	TaskFinished  = "task.finished"
	TaskFailed    = "task.failed"
	TaskCancelled = "task.cancelled"
	TaskLagging   = "task.lagging"

	SchedulerStarted  = "scheduler.started"
	SchedulerShutdown = "scheduler.shutdown"
)
