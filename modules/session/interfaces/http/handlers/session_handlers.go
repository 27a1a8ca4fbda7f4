package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	appServices "edgesession/server/modules/session/application/services"
	"edgesession/server/modules/session/domain/entities"
	domainServices "edgesession/server/modules/session/domain/services"
	"edgesession/server/modules/session/interfaces/http/dtos"
)

// SessionHandlers serves every control endpoint listed in spec section 6
// aside from the audio ingest WebSocket itself (see IngestHandlers).
type SessionHandlers struct {
	orchestrator *appServices.Orchestrator
	finalizer    *appServices.Finalizer
	reconciler   *domainServices.Reconciler
	health       HealthInfo
}

// HealthInfo is the static service-identity shape returned by GET /health
// (spec 6: "service info including asr_realtime_enabled, asr_mode, model
// ids").
type HealthInfo struct {
	ASRRealtimeEnabled bool   `json:"asr_realtime_enabled"`
	ASRMode            string `json:"asr_mode"`
	ASRModel           string `json:"model_id"`
}

func NewSessionHandlers(orchestrator *appServices.Orchestrator, finalizer *appServices.Finalizer, reconciler *domainServices.Reconciler, health HealthInfo) *SessionHandlers {
	return &SessionHandlers{orchestrator: orchestrator, finalizer: finalizer, reconciler: reconciler, health: health}
}

func (h *SessionHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"asr_realtime_enabled": h.health.ASRRealtimeEnabled,
		"asr_mode":             h.health.ASRMode,
		"model_id":             h.health.ASRModel,
	})
}

func (h *SessionHandlers) ConfigureSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req dtos.ConfigureSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg := entities.SessionConfig{
		Mode: req.Mode, Roster: req.Roster, InterviewerName: req.InterviewerName,
		ParticipantPriority: req.ParticipantPriority, StageNames: req.StageNames, DimensionRubric: req.DimensionRubric,
	}
	if err := h.orchestrator.Configure(c.Request.Context(), sessionID, cfg); err != nil {
		writeComponentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "config": cfg})
}

func (h *SessionHandlers) GetState(c *gin.Context) {
	sessionID := c.Param("session_id")
	session, err := h.orchestrator.GetState(c.Request.Context(), sessionID)
	if err != nil {
		writeComponentError(c, err)
		return
	}
	c.JSON(http.StatusOK, dtos.ToSessionStateResponse(session))
}

func (h *SessionHandlers) GetEvents(c *gin.Context) {
	sessionID := c.Param("session_id")
	limit := parseIntQuery(c, "limit", 0)
	events, err := h.orchestrator.GetEvents(c.Request.Context(), sessionID, limit)
	if err != nil {
		writeComponentError(c, err)
		return
	}
	c.JSON(http.StatusOK, dtos.EventsResponse{Events: events})
}

func (h *SessionHandlers) GetUtterances(c *gin.Context) {
	sessionID := c.Param("session_id")
	limit := parseIntQuery(c, "limit", 0)
	view := c.DefaultQuery("view", "")

	raw, merged, err := h.orchestrator.GetUtterances(c.Request.Context(), sessionID, h.reconciler, limit)
	if err != nil {
		writeComponentError(c, err)
		return
	}

	switch view {
	case "raw":
		c.JSON(http.StatusOK, dtos.UtterancesResponse{Raw: raw})
	case "merged":
		c.JSON(http.StatusOK, dtos.UtterancesResponse{Merged: merged})
	default:
		c.JSON(http.StatusOK, dtos.UtterancesResponse{Raw: raw, Merged: merged})
	}
}

func (h *SessionHandlers) Finalize(c *gin.Context) {
	sessionID := c.Param("session_id")
	result, err := h.finalizer.Run(c.Request.Context(), sessionID)
	if err != nil {
		writeComponentError(c, err)
		return
	}
	c.JSON(http.StatusOK, dtos.FinalizeResponse{Stage: result.Stage, Completed: result.Completed})
}

func (h *SessionHandlers) EnrollmentStart(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req dtos.EnrollmentStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.orchestrator.EnrollmentStart(c.Request.Context(), sessionID, req.ParticipantName)
	c.JSON(http.StatusOK, gin.H{"active": true, "participant_name": req.ParticipantName})
}

func (h *SessionHandlers) EnrollmentStop(c *gin.Context) {
	sessionID := c.Param("session_id")
	h.orchestrator.EnrollmentStop(c.Request.Context(), sessionID)
	c.JSON(http.StatusOK, gin.H{"active": false})
}

func (h *SessionHandlers) EnrollmentState(c *gin.Context) {
	sessionID := c.Param("session_id")
	state, err := h.orchestrator.EnrollmentStateFor(c.Request.Context(), sessionID)
	if err != nil {
		writeComponentError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *SessionHandlers) ClusterMap(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req dtos.ClusterMapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.orchestrator.ClusterMap(c.Request.Context(), sessionID, req.ClusterID, req.Name, req.Locked); err != nil {
		writeComponentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cluster_id": req.ClusterID, "name": req.Name, "locked": req.Locked})
}

func (h *SessionHandlers) UnresolvedClusters(c *gin.Context) {
	sessionID := c.Param("session_id")
	clusters, err := h.orchestrator.UnresolvedClusters(c.Request.Context(), sessionID)
	if err != nil {
		writeComponentError(c, err)
		return
	}
	c.JSON(http.StatusOK, dtos.UnresolvedClustersResponse{Clusters: clusters})
}

// AsrRun re-attaches a role's driver without resetting its cursor, used
// when a client reconnects without the driver having been torn down.
func (h *SessionHandlers) AsrRun(c *gin.Context) {
	sessionID := c.Param("session_id")
	role := entities.StreamRole(c.Query("stream_role"))
	if !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stream_role must be teacher or students"})
		return
	}
	if err := h.orchestrator.EnsureSession(c.Request.Context(), sessionID, role); err != nil {
		writeComponentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_role": role, "running": true})
}

func (h *SessionHandlers) AsrReset(c *gin.Context) {
	sessionID := c.Param("session_id")
	role := entities.StreamRole(c.Query("stream_role"))
	if !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stream_role must be teacher or students"})
		return
	}
	if err := h.orchestrator.AsrReset(c.Request.Context(), sessionID, role); err != nil {
		writeComponentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_role": role, "reset": true})
}

// PurgeSession implements DELETE /v1/sessions/{id}, a supplemented control
// operation for operator-triggered cleanup after a session's result has
// been retrieved.
func (h *SessionHandlers) PurgeSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.orchestrator.Purge(c.Request.Context(), sessionID); err != nil {
		writeComponentError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseIntQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// writeComponentError maps the component error taxonomy (spec section 7)
// onto HTTP status codes.
func writeComponentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domainServices.ErrUnknownCluster):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domainServices.ErrSessionFinalized):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domainServices.ErrSessionCorrupt), errors.Is(err, domainServices.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
