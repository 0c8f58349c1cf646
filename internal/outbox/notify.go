package outbox

import (
	"encoding/json"
)

// completionBody is the callback payload for a completed task. Field order
// matches the wire format receivers already parse.
type completionBody struct {
	TaskID         string  `json:"task_id"`
	DocumentID     string  `json:"document_id"`
	Status         string  `json:"status"`
	Result         string  `json:"result"`
	ProcessingTime float64 `json:"processing_time"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
}

type failureBody struct {
	TaskID     string `json:"task_id"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Error      string `json:"error"`
}

// CompletionParams carries the result fields of a completion notification.
type CompletionParams struct {
	TaskID         string
	DocumentID     string
	CallbackURL    string
	Result         string
	ProcessingTime float64
	InputTokens    int64
	OutputTokens   int64
}

// NewCompletionMessage builds the notification for a completed task. The
// payload is serialized here so the relay can sign and send it byte for
// byte without re-encoding.
func NewCompletionMessage(p CompletionParams) *Message {
	body, _ := json.Marshal(completionBody{
		TaskID:         p.TaskID,
		DocumentID:     p.DocumentID,
		Status:         string(StatusCompleted),
		Result:         p.Result,
		ProcessingTime: p.ProcessingTime,
		InputTokens:    p.InputTokens,
		OutputTokens:   p.OutputTokens,
	})
	return &Message{
		TaskID:      p.TaskID,
		DocumentID:  p.DocumentID,
		Status:      StatusCompleted,
		Payload:     string(body),
		CallbackURL: p.CallbackURL,
	}
}

// NewFailureMessage builds the notification for a permanently failed task.
func NewFailureMessage(taskID, documentID, callbackURL, reason string) *Message {
	body, _ := json.Marshal(failureBody{
		TaskID:     taskID,
		DocumentID: documentID,
		Status:     string(StatusFailed),
		Error:      reason,
	})
	return &Message{
		TaskID:      taskID,
		DocumentID:  documentID,
		Status:      StatusFailed,
		Payload:     string(body),
		CallbackURL: callbackURL,
	}
}
