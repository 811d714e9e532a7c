package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/resilient-worker/internal/api/dto"
	"github.com/cuongbtq/resilient-worker/internal/worker/domain"
	"github.com/gin-gonic/gin"
)

// SendEmail handles POST /api/v1/email/send
func (h *JobHandler) SendEmail(c *gin.Context) {
	var req dto.SendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	h.submit(c, domain.EmailJob{Email: req.Email}, "Email request queued")
}

// SendMarketing handles POST /api/v1/marketing
func (h *JobHandler) SendMarketing(c *gin.Context) {
	var req dto.SendMarketingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	h.submit(c, domain.MarketingEmailJob{Email: req.Email}, "Marketing email queued")
}

// GenerateReport handles POST /api/v1/reporting/generate
// The body is optional; a report id is generated when none is given.
func (h *JobHandler) GenerateReport(c *gin.Context) {
	var req dto.GenerateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, err)
		return
	}

	if req.ReportID == "" {
		req.ReportID = h.newID()
	}

	h.logger.Info("Requesting report generation", slog.String("report_id", req.ReportID))

	h.submit(c, domain.ReportJob{ReportID: req.ReportID}, "Report generation requested")
}

func (h *JobHandler) submit(c *gin.Context, job domain.Job, message string) {
	if err := job.Validate(); err != nil {
		h.badRequest(c, err)
		return
	}

	receipt, err := h.submitter.Submit(c.Request.Context(), job)
	if err != nil {
		h.logger.Error("Failed to queue job",
			slog.String("class", string(job.Class())),
			slog.String("error", err.Error()),
		)
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error: "Failed to queue job",
		})
		return
	}

	resp := dto.JobAcceptedResponse{
		Message:     message,
		JobID:       receipt.JobID,
		Class:       string(receipt.Class),
		Queue:       receipt.Queue,
		SubmittedAt: receipt.SubmittedAt.Format(time.RFC3339Nano),
	}
	if report, ok := job.(domain.ReportJob); ok {
		resp.ReportID = report.ReportID
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *JobHandler) badRequest(c *gin.Context, err error) {
	h.logger.Warn("Invalid request body",
		slog.String("path", c.Request.URL.Path),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Error:   "Invalid request body",
		Details: err.Error(),
	})
}
