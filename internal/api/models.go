package api

// Common request/response structures

// SubmitJobRequest defines the payload for the job submission endpoint.
type SubmitJobRequest struct {
	UserID   string `json:"user_id"  validate:"required"`
	Username string `json:"username" validate:"required"`
	Prompt   string `json:"prompt"   validate:"required,min=1"`
}

// SubmitJobResponse defines the successful response for job submission.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

// StatsResponse defines the queue statistics payload.
type StatsResponse struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Total      int64 `json:"total"`
}
