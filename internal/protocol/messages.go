package protocol

import "encoding/json"

// Envelope is a job submission as received over HTTP or the bus.
type Envelope struct {
	ID    string `json:"id,omitempty"`
	Input Input  `json:"input"`
}

type Input struct {
	APIKey   string          `json:"api_key"`
	Endpoint string          `json:"endpoint"`
	Params   json.RawMessage `json:"params,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusQueued  = "queued"
	StatusRunning = "running"

	StatusCancelRequested = "cancel_requested"
)

// Response is the caller-facing rendering of a job.
type Response struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  *ErrorBody      `json:"error"`
}

type ErrorBody struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

// JobRef names a job in status and cancel requests on the bus.
type JobRef struct {
	ID     string `json:"id"`
	APIKey string `json:"api_key"`
}

const (
	SubjectJobRun       = "loqa.gateway.jobs.run"
	SubjectJobRunSync   = "loqa.gateway.jobs.runsync"
	SubjectJobStream    = "loqa.gateway.jobs.stream"
	SubjectJobStatus    = "loqa.gateway.jobs.status"
	SubjectJobCancel    = "loqa.gateway.jobs.cancel"
	SubjectStreamPrefix = "loqa.gateway.stream"
)

// StreamSubject is where chunks for jobID are published.
func StreamSubject(jobID string) string {
	return SubjectStreamPrefix + "." + jobID
}
