package chat

import "encoding/json"

// ContextMessage is the enqueue-time snapshot of one prior message. The job
// payload carries the trimmed context so the worker does not re-read history
// from the database.
type ContextMessage struct {
	Content string `json:"content"`
	Type    string `json:"type"` // "user" or "ai"
}

// Job is the queue payload for one message-processing run. It exists only on
// the wire; job state lives on the Message row's processing_status.
type Job struct {
	MessageID string           `json:"message_id"`
	Content   string           `json:"content"`
	Context   []ContextMessage `json:"context"`
}

func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

func DecodeJob(body []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(body, &j)
	return j, err
}
