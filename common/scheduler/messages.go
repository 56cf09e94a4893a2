package scheduler

import "encoding/json"

// Queue naming. One workflow queue per workflow name, one step queue per
// step name; consumers subscribe by prefix.
const (
	RunQueuePrefix  = "wf.run."
	StepQueuePrefix = "wf.step."
)

// RunQueue returns the queue a workflow's run messages travel on.
func RunQueue(workflow string) string { return RunQueuePrefix + workflow }

// StepQueue returns the queue a step's dispatch messages travel on.
func StepQueue(step string) string { return StepQueuePrefix + step }

// RunMessage asks a worker to replay one run.
type RunMessage struct {
	RunID string `json:"runId"`
}

// StepMessage asks a worker to execute one step invocation. Arguments are
// not carried here; they live on the step_started event.
type StepMessage struct {
	RunID         string `json:"runId"`
	CorrelationID string `json:"cid"`
	Name          string `json:"step"`
}

func marshalMessage(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
