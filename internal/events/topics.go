package events

const (
	TopicConnStatus   = "conn.status"
	TopicStepComplete = "step.complete"
)
