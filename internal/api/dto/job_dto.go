package dto

type SendEmailRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type SendMarketingRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// GenerateReportRequest may be empty; a report id is generated when missing
type GenerateReportRequest struct {
	ReportID string `json:"reportId"`
}

type JobAcceptedResponse struct {
	Message     string `json:"message"`
	JobID       string `json:"job_id"`
	Class       string `json:"class"`
	Queue       string `json:"queue"`
	SubmittedAt string `json:"submitted_at"`
	ReportID    string `json:"reportId,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
