package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/laurels/internal/competition"
	"github.com/MarcoPoloResearchLab/laurels/internal/roster"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	kind   error
	status int
	reason string
}

// Ordered so that the most specific kinds win.
var errorMappings = []errorMapping{
	{kind: competition.ErrUnauthorized, status: http.StatusForbidden, reason: "forbidden"},
	{kind: competition.ErrResultsSealed, status: http.StatusForbidden, reason: "results_sealed"},
	{kind: competition.ErrInvalidLifecycleTransition, status: http.StatusConflict, reason: "invalid_lifecycle_transition"},
	{kind: competition.ErrMissingRubric, status: http.StatusUnprocessableEntity, reason: "missing_rubric"},
	{kind: competition.ErrNoSubmissions, status: http.StatusUnprocessableEntity, reason: "no_submissions"},
	{kind: competition.ErrNoComputedResults, status: http.StatusUnprocessableEntity, reason: "no_computed_results"},
	{kind: competition.ErrEventNotFound, status: http.StatusNotFound, reason: "event_not_found"},
	{kind: competition.ErrSubmissionNotFound, status: http.StatusNotFound, reason: "submission_not_found"},
	{kind: competition.ErrCredentialNotFound, status: http.StatusNotFound, reason: "credential_not_found"},
	{kind: competition.ErrInvalidRubric, status: http.StatusBadRequest, reason: "invalid_rubric"},
	{kind: competition.ErrInvalidScore, status: http.StatusBadRequest, reason: "invalid_score"},
	{kind: competition.ErrInvalidEvent, status: http.StatusBadRequest, reason: "invalid_event"},
	{kind: competition.ErrInvalidSubmission, status: http.StatusBadRequest, reason: "invalid_submission"},
	{kind: competition.ErrInvalidEventID, status: http.StatusBadRequest, reason: "invalid_event_id"},
	{kind: competition.ErrInvalidSubmissionID, status: http.StatusBadRequest, reason: "invalid_submission_id"},
	{kind: roster.ErrInvalidProfile, status: http.StatusBadRequest, reason: "invalid_profile"},
}

func classifyError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.kind) {
			return mapping.status, mapping.reason
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, reason := classifyError(err)
	body := gin.H{"error": reason}
	var serviceErr *competition.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func invalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
