package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/laurels/internal/auth"
	"github.com/MarcoPoloResearchLab/laurels/internal/competition"
	"github.com/MarcoPoloResearchLab/laurels/internal/credentials"
	"github.com/MarcoPoloResearchLab/laurels/internal/database"
	"github.com/MarcoPoloResearchLab/laurels/internal/metrics"
	"github.com/MarcoPoloResearchLab/laurels/internal/roster"
	"github.com/MarcoPoloResearchLab/laurels/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionSecret    = "session-secret-for-flow-tests"
	credentialSecret = "credential-secret-for-flow-tests"
)

type flowEnvironment struct {
	server *httptest.Server
	tokens map[string]string
}

func newFlowEnvironment(t *testing.T) *flowEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite("file::memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	rosterService, err := roster.NewService(roster.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("roster service: %v", err)
	}
	signer, err := credentials.NewSigner([]byte(credentialSecret))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	credentialIDs, err := credentials.NewIDGenerator("FLOW", nil)
	if err != nil {
		t.Fatalf("credential ids: %v", err)
	}
	recorder := metrics.NewRecorder()
	dispatcher := server.NewStatusDispatcher()
	competitionService, err := competition.NewService(competition.ServiceConfig{
		Database:      db,
		IDProvider:    competition.NewUUIDProvider(),
		Signer:        signer,
		CredentialIDs: credentialIDs,
		Directory:     rosterService,
		Metrics:       recorder,
		Observer:      dispatcher,
	})
	if err != nil {
		t.Fatalf("competition service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSecret),
		CookieName:    "app_session",
	})
	if err != nil {
		t.Fatalf("session validator: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		CompetitionService: competitionService,
		RosterService:      rosterService,
		Sessions:           validator,
		Metrics:            recorder,
		Status:             dispatcher,
		AllowedOrigins:     []string{"*"},
		HeartbeatInterval:  50 * time.Millisecond,
		Logger:             zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("http handler: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(sessionSecret)})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	tokens := map[string]string{}
	for userID, role := range map[string]string{
		"admin-1":   "admin",
		"judge-1":   "judge",
		"student-a": "student",
		"student-b": "student",
		"student-c": "student",
	} {
		token, _, err := issuer.IssueSessionToken(context.Background(), auth.SessionSubject{UserID: userID, Roles: []string{role}})
		if err != nil {
			t.Fatalf("issue token for %s: %v", userID, err)
		}
		tokens[userID] = token
	}

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return &flowEnvironment{server: httpServer, tokens: tokens}
}

func (e *flowEnvironment) do(t *testing.T, method, path, userID string, body any, wantStatus int) map[string]any {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+e.tokens[userID])
	}
	response, err := e.server.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if response.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, response.StatusCode, payload)
	}
	decoded := map[string]any{}
	if len(payload) > 0 && strings.HasPrefix(response.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("decode body: %v", err)
		}
	}
	return decoded
}

type sseReader struct {
	scanner *bufio.Scanner
}

// next returns the data of the next event with the given name.
func (r *sseReader) next(t *testing.T, name string) string {
	t.Helper()
	current := ""
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			current = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && current == name:
			return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	t.Fatalf("stream ended before %q event: %v", name, r.scanner.Err())
	return ""
}

func TestCompetitionFlowEndToEnd(t *testing.T) {
	env := newFlowEnvironment(t)

	created := env.do(t, http.MethodPost, "/events", "admin-1", map[string]any{"name": "Spring Science Fair", "public_vote_weight": 0}, http.StatusCreated)
	eventID, _ := created["event_id"].(string)
	if eventID == "" || created["results_status"] != "not_started" {
		t.Fatalf("unexpected event payload %v", created)
	}

	env.do(t, http.MethodPost, "/events", "judge-1", map[string]any{"name": "Rogue"}, http.StatusForbidden)
	env.do(t, http.MethodPost, "/events", "", map[string]any{"name": "Anonymous"}, http.StatusUnauthorized)

	streamCtx, cancelStream := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelStream()
	streamRequest, err := http.NewRequestWithContext(streamCtx, http.MethodGet, env.server.URL+"/events/"+eventID+"/status/stream", http.NoBody)
	if err != nil {
		t.Fatalf("build stream request: %v", err)
	}
	streamResponse, err := env.server.Client().Do(streamRequest)
	if err != nil {
		t.Fatalf("open status stream: %v", err)
	}
	defer streamResponse.Body.Close()
	stream := &sseReader{scanner: bufio.NewScanner(streamResponse.Body)}
	if initial := stream.next(t, "status"); !strings.Contains(initial, "not_started") {
		t.Fatalf("expected initial not_started snapshot, got %s", initial)
	}

	rubric := env.do(t, http.MethodPut, "/events/"+eventID+"/criteria", "admin-1", map[string]any{
		"criteria": []map[string]any{
			{"title": "Method", "max_score": 50, "weight": 60},
			{"title": "Presentation", "max_score": 50, "weight": 40},
		},
	}, http.StatusOK)
	criteria, _ := rubric["criteria"].([]any)
	if len(criteria) != 2 {
		t.Fatalf("expected two criteria, got %v", rubric)
	}
	criterionIDs := make([]string, 0, len(criteria))
	for _, raw := range criteria {
		criterionIDs = append(criterionIDs, raw.(map[string]any)["criterion_id"].(string))
	}

	env.do(t, http.MethodPut, "/students/student-a", "student-a", map[string]any{"display_name": "Ada Lovelace", "school_name": "Northside"}, http.StatusOK)
	env.do(t, http.MethodPut, "/students/student-a", "student-b", map[string]any{"display_name": "Impostor"}, http.StatusForbidden)

	scores := map[string]float64{"student-a": 50, "student-b": 40, "student-c": 30}
	submissionIDs := map[string]string{}
	for _, studentID := range []string{"student-a", "student-b", "student-c"} {
		submission := env.do(t, http.MethodPost, "/events/"+eventID+"/submissions", studentID, map[string]any{"student_id": studentID, "title": "Project of " + studentID}, http.StatusCreated)
		submissionIDs[studentID] = submission["submission_id"].(string)
	}

	env.do(t, http.MethodPost, "/events/"+eventID+"/scoring/open", "admin-1", nil, http.StatusOK)
	if change := stream.next(t, "status"); !strings.Contains(change, "scoring_open") {
		t.Fatalf("expected scoring_open change, got %s", change)
	}

	for studentID, score := range scores {
		entries := make([]map[string]any, 0, len(criterionIDs))
		for _, criterionID := range criterionIDs {
			entries = append(entries, map[string]any{"criterion_id": criterionID, "score": score})
		}
		written := env.do(t, http.MethodPost, "/submissions/"+submissionIDs[studentID]+"/scores", "judge-1", map[string]any{"scores": entries}, http.StatusOK)
		if written["written"] != float64(2) {
			t.Fatalf("expected two written scores, got %v", written)
		}
	}
	env.do(t, http.MethodPost, "/submissions/"+submissionIDs["student-a"]+"/scores", "judge-1", map[string]any{
		"scores": []map[string]any{{"criterion_id": criterionIDs[0], "score": 51}},
	}, http.StatusBadRequest)

	locked := env.do(t, http.MethodPost, "/events/"+eventID+"/results/lock", "admin-1", nil, http.StatusOK)
	if locked["computed"] != float64(3) {
		t.Fatalf("expected three computed results, got %v", locked)
	}
	if change := stream.next(t, "status"); !strings.Contains(change, "review") {
		t.Fatalf("expected review change, got %s", change)
	}

	env.do(t, http.MethodPost, "/submissions/"+submissionIDs["student-a"]+"/scores", "judge-1", map[string]any{
		"scores": []map[string]any{{"criterion_id": criterionIDs[0], "score": 10}},
	}, http.StatusConflict)
	env.do(t, http.MethodGet, "/events/"+eventID+"/results", "student-a", nil, http.StatusForbidden)
	env.do(t, http.MethodGet, "/events/"+eventID+"/credentials", "", nil, http.StatusForbidden)

	results := env.do(t, http.MethodGet, "/events/"+eventID+"/results", "admin-1", nil, http.StatusOK)
	rows, _ := results["results"].([]any)
	if len(rows) != 3 {
		t.Fatalf("expected three results, got %v", results)
	}
	top := rows[0].(map[string]any)
	if top["student_id"] != "student-a" || top["rank"] != float64(1) || top["weighted_score"] != float64(100) {
		t.Fatalf("unexpected top result %v", top)
	}

	published := env.do(t, http.MethodPost, "/events/"+eventID+"/results/publish", "admin-1", nil, http.StatusOK)
	if published["issued"] != float64(3) {
		t.Fatalf("expected three issued credentials, got %v", published)
	}
	if change := stream.next(t, "status"); !strings.Contains(change, "published") {
		t.Fatalf("expected published change, got %s", change)
	}
	env.do(t, http.MethodPost, "/events/"+eventID+"/results/publish", "admin-1", nil, http.StatusConflict)

	listed := env.do(t, http.MethodGet, "/events/"+eventID+"/credentials", "", nil, http.StatusOK)
	public, _ := listed["credentials"].([]any)
	if len(public) != 1 {
		t.Fatalf("expected one public credential, got %v", listed)
	}
	winner := public[0].(map[string]any)
	if winner["student_name"] != "Ada Lovelace" || winner["tier"] != "bronze" || winner["school_name"] != "Northside" {
		t.Fatalf("unexpected public credential %v", winner)
	}

	credentialID := winner["credential_id"].(string)
	verification := env.do(t, http.MethodGet, "/credentials/"+credentialID+"/verify", "", nil, http.StatusOK)
	if verification["found"] != true || verification["valid"] != true {
		t.Fatalf("expected valid credential, got %v", verification)
	}
	missing := env.do(t, http.MethodGet, "/credentials/FLOW-2024-000000000000/verify", "", nil, http.StatusNotFound)
	if missing["found"] != false || missing["valid"] != false {
		t.Fatalf("unexpected not-found payload %v", missing)
	}

	studentResults := env.do(t, http.MethodGet, "/events/"+eventID+"/results", "student-c", nil, http.StatusOK)
	if rows, _ := studentResults["results"].([]any); len(rows) != 3 {
		t.Fatalf("expected published results to be visible to students, got %v", studentResults)
	}

	env.do(t, http.MethodGet, "/healthz", "", nil, http.StatusOK)
	metricsResponse, err := env.server.Client().Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("fetch metrics: %v", err)
	}
	defer metricsResponse.Body.Close()
	exposition, err := io.ReadAll(metricsResponse.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, want := range []string{
		"laurels_credentials_issued_total 3",
		"laurels_computed_results_total 3",
		`laurels_credential_verifications_total{outcome="valid"} 1`,
		fmt.Sprintf(`laurels_http_requests_total{code="201",method="POST",route="%s"}`, "/events"),
	} {
		if !strings.Contains(string(exposition), want) {
			t.Fatalf("expected metrics exposition to contain %q", want)
		}
	}
}

func TestStatusStreamRejectsUnknownEvents(t *testing.T) {
	env := newFlowEnvironment(t)
	missing := env.do(t, http.MethodGet, "/events/not-a-real-event/status/stream", "", nil, http.StatusNotFound)
	if missing["error"] != "event_not_found" {
		t.Fatalf("unexpected error payload %v", missing)
	}
}

func TestNewHTTPHandlerRequiresServices(t *testing.T) {
	if _, err := server.NewHTTPHandler(server.Dependencies{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}
