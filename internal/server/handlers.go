package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/laurels/internal/competition"
	"github.com/MarcoPoloResearchLab/laurels/internal/roster"
	"github.com/gin-gonic/gin"
)

type eventPayload struct {
	EventID            string `json:"event_id"`
	Name               string `json:"name"`
	ResultsStatus      string `json:"results_status"`
	PublicVoteWeight   int    `json:"public_vote_weight"`
	ResultsPublishedAt *int64 `json:"results_published_at_s,omitempty"`
	CreatedAtSeconds   int64  `json:"created_at_s"`
	UpdatedAtSeconds   int64  `json:"updated_at_s"`
}

type createEventRequest struct {
	Name             string `json:"name" binding:"required"`
	PublicVoteWeight *int   `json:"public_vote_weight"`
}

type criterionRequest struct {
	Title    string  `json:"title" binding:"required"`
	MaxScore float64 `json:"max_score" binding:"required,gt=0"`
	Weight   float64 `json:"weight" binding:"gte=0"`
}

type defineRubricRequest struct {
	Criteria []criterionRequest `json:"criteria" binding:"required,min=1,dive"`
}

type criterionPayload struct {
	CriterionID string  `json:"criterion_id"`
	Position    int     `json:"position"`
	Title       string  `json:"title"`
	MaxScore    float64 `json:"max_score"`
	Weight      float64 `json:"weight"`
}

type registerSubmissionRequest struct {
	StudentID string `json:"student_id" binding:"required"`
	Title     string `json:"title" binding:"required"`
}

type submissionPayload struct {
	SubmissionID     string `json:"submission_id"`
	EventID          string `json:"event_id"`
	StudentID        string `json:"student_id"`
	Title            string `json:"title"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

type scoreEntryRequest struct {
	CriterionID string   `json:"criterion_id" binding:"required"`
	Score       *float64 `json:"score" binding:"required"`
	Feedback    string   `json:"feedback"`
}

type submitScoresRequest struct {
	Scores []scoreEntryRequest `json:"scores" binding:"required,min=1,dive"`
}

type studentProfileRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	SchoolName  string `json:"school_name"`
}

type resultPayload struct {
	ResultID        string  `json:"result_id"`
	SubmissionID    string  `json:"submission_id"`
	StudentID       string  `json:"student_id"`
	RawScore        float64 `json:"raw_score"`
	JudgeScore      float64 `json:"judge_score"`
	PublicVoteScore float64 `json:"public_vote_score"`
	WeightedScore   float64 `json:"weighted_score"`
	Rank            int     `json:"rank"`
	Tier            string  `json:"tier"`
	JudgeCount      int     `json:"judge_count"`
	PublicVoteCount int     `json:"public_vote_count"`
	ComputedAt      int64   `json:"computed_at_s"`
}

type credentialPayload struct {
	CredentialID  string  `json:"credential_id"`
	StudentID     string  `json:"student_id"`
	StudentName   string  `json:"student_name"`
	SchoolName    string  `json:"school_name"`
	EventID       string  `json:"event_id"`
	EventName     string  `json:"event_name"`
	Tier          string  `json:"tier"`
	Rank          int     `json:"rank"`
	WeightedScore float64 `json:"weighted_score"`
	IssuedAt      string  `json:"issued_at"`
	IsPublic      bool    `json:"is_public"`
}

type verificationPayload struct {
	CredentialID string             `json:"credential_id"`
	Found        bool               `json:"found"`
	Valid        bool               `json:"valid"`
	Credential   *credentialPayload `json:"credential,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateEvent(c *gin.Context) {
	var request createEventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	event, err := h.competition.CreateEvent(c.Request.Context(), actorFromContext(c), competition.EventDraft{
		Name:             request.Name,
		PublicVoteWeight: request.PublicVoteWeight,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newEventPayload(event))
}

func (h *httpHandler) handleGetEvent(c *gin.Context) {
	eventID, ok := h.eventIDParam(c)
	if !ok {
		return
	}
	event, err := h.competition.GetEvent(c.Request.Context(), eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventPayload(event))
}

func (h *httpHandler) handleDefineRubric(c *gin.Context) {
	eventID, ok := h.eventIDParam(c)
	if !ok {
		return
	}
	var request defineRubricRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	drafts := make([]competition.CriterionDraft, 0, len(request.Criteria))
	for _, criterion := range request.Criteria {
		drafts = append(drafts, competition.CriterionDraft{
			Title:    criterion.Title,
			MaxScore: criterion.MaxScore,
			Weight:   criterion.Weight,
		})
	}
	criteria, err := h.competition.DefineRubric(c.Request.Context(), actorFromContext(c), eventID, drafts)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]criterionPayload, 0, len(criteria))
	for _, criterion := range criteria {
		response = append(response, criterionPayload{
			CriterionID: criterion.CriterionID,
			Position:    criterion.Position,
			Title:       criterion.Title,
			MaxScore:    criterion.MaxScore,
			Weight:      criterion.Weight,
		})
	}
	c.JSON(http.StatusOK, gin.H{"criteria": response})
}

func (h *httpHandler) handleRegisterSubmission(c *gin.Context) {
	eventID, ok := h.eventIDParam(c)
	if !ok {
		return
	}
	var request registerSubmissionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	submission, err := h.competition.RegisterSubmission(c.Request.Context(), actorFromContext(c), competition.SubmissionDraft{
		EventID:   eventID,
		StudentID: request.StudentID,
		Title:     request.Title,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, submissionPayload{
		SubmissionID:     submission.SubmissionID,
		EventID:          submission.EventID,
		StudentID:        submission.StudentID,
		Title:            submission.Title,
		CreatedAtSeconds: submission.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleRecordVote(c *gin.Context) {
	submissionID, ok := h.submissionIDParam(c)
	if !ok {
		return
	}
	stored, err := h.competition.RecordVote(c.Request.Context(), actorFromContext(c), submissionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submission_id": submissionID.String(), "counted": stored})
}

func (h *httpHandler) handleUpsertStudent(c *gin.Context) {
	actor := actorFromContext(c)
	studentID := c.Param("id")
	if !actor.Has(competition.RoleAdmin) && !(actor.Has(competition.RoleStudent) && actor.ID == studentID) {
		h.respondError(c, competition.ErrUnauthorized)
		return
	}
	var request studentProfileRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	profile, err := h.roster.UpsertProfile(c.Request.Context(), roster.Profile{
		StudentID:   studentID,
		DisplayName: request.DisplayName,
		SchoolName:  request.SchoolName,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"student_id":   profile.StudentID,
		"display_name": profile.DisplayName,
		"school_name":  profile.SchoolName,
	})
}

func (h *httpHandler) handleOpenScoring(c *gin.Context) {
	eventID, ok := h.eventIDParam(c)
	if !ok {
		return
	}
	event, err := h.competition.OpenScoring(c.Request.Context(), actorFromContext(c), eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventPayload(event))
}

func (h *httpHandler) handleSubmitScores(c *gin.Context) {
	submissionID, ok := h.submissionIDParam(c)
	if !ok {
		return
	}
	var request submitScoresRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	entries := make([]competition.ScoreEntry, 0, len(request.Scores))
	for _, entry := range request.Scores {
		entries = append(entries, competition.ScoreEntry{
			CriterionID: entry.CriterionID,
			Score:       *entry.Score,
			Feedback:    entry.Feedback,
		})
	}
	written, err := h.competition.SubmitScores(c.Request.Context(), actorFromContext(c), submissionID, entries)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submission_id": submissionID.String(), "written": written})
}

func (h *httpHandler) handleLockAndCompute(c *gin.Context) {
	eventID, ok := h.eventIDParam(c)
	if !ok {
		return
	}
	computed, err := h.competition.LockAndCompute(c.Request.Context(), actorFromContext(c), eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID.String(), "computed": computed})
}

func (h *httpHandler) handleListResults(c *gin.Context) {
	eventID, ok := h.eventIDParam(c)
	if !ok {
		return
	}
	results, err := h.competition.ListResults(c.Request.Context(), actorFromContext(c), eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]resultPayload, 0, len(results))
	for _, result := range results {
		response = append(response, resultPayload{
			ResultID:        result.ResultID,
			SubmissionID:    result.SubmissionID,
			StudentID:       result.StudentID,
			RawScore:        result.RawScore,
			JudgeScore:      result.JudgeScore,
			PublicVoteScore: result.PublicVoteScore,
			WeightedScore:   result.WeightedScore,
			Rank:            result.Rank,
			Tier:            result.Tier,
			JudgeCount:      result.JudgeCount,
			PublicVoteCount: result.PublicVoteCount,
			ComputedAt:      result.ComputedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID.String(), "results": response})
}

func (h *httpHandler) handlePublish(c *gin.Context) {
	eventID, ok := h.eventIDParam(c)
	if !ok {
		return
	}
	issued, err := h.competition.Publish(c.Request.Context(), actorFromContext(c), eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID.String(), "issued": issued})
}

func (h *httpHandler) handleListCredentials(c *gin.Context) {
	eventID, ok := h.eventIDParam(c)
	if !ok {
		return
	}
	issued, err := h.competition.ListCredentials(c.Request.Context(), eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]credentialPayload, 0, len(issued))
	for _, credential := range issued {
		response = append(response, newCredentialPayload(credential))
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID.String(), "credentials": response})
}

func (h *httpHandler) handleVerifyCredential(c *gin.Context) {
	credentialID := c.Param("id")
	verification, err := h.competition.Verify(c.Request.Context(), credentialID)
	if err != nil {
		status, reason := classifyError(err)
		if status != http.StatusNotFound {
			h.respondError(c, err)
			return
		}
		c.JSON(status, gin.H{"error": reason, "credential_id": credentialID, "found": false, "valid": false})
		return
	}
	credential := newCredentialPayload(verification.Credential)
	c.JSON(http.StatusOK, verificationPayload{
		CredentialID: credentialID,
		Found:        verification.Found,
		Valid:        verification.Valid,
		Credential:   &credential,
	})
}

func (h *httpHandler) eventIDParam(c *gin.Context) (competition.EventID, bool) {
	eventID, err := competition.NewEventID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return "", false
	}
	return eventID, true
}

func (h *httpHandler) submissionIDParam(c *gin.Context) (competition.SubmissionID, bool) {
	submissionID, err := competition.NewSubmissionID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return "", false
	}
	return submissionID, true
}

func newEventPayload(event competition.Event) eventPayload {
	return eventPayload{
		EventID:            event.EventID,
		Name:               event.Name,
		ResultsStatus:      string(event.ResultsStatus),
		PublicVoteWeight:   event.PublicVoteWeight,
		ResultsPublishedAt: event.ResultsPublishedAtSeconds,
		CreatedAtSeconds:   event.CreatedAtSeconds,
		UpdatedAtSeconds:   event.UpdatedAtSeconds,
	}
}

func newCredentialPayload(credential competition.Credential) credentialPayload {
	return credentialPayload{
		CredentialID:  credential.CredentialID,
		StudentID:     credential.StudentID,
		StudentName:   credential.StudentName,
		SchoolName:    credential.SchoolName,
		EventID:       credential.EventID,
		EventName:     credential.EventName,
		Tier:          credential.Tier,
		Rank:          credential.Rank,
		WeightedScore: credential.WeightedScore,
		IssuedAt:      time.Unix(credential.IssuedAtSeconds, 0).UTC().Format(time.RFC3339),
		IsPublic:      credential.IsPublic,
	}
}
