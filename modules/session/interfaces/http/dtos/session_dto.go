package dtos

import (
	"time"

	"edgesession/server/modules/session/domain/entities"
)

// ConfigureSessionRequest is the body of POST /v1/sessions/{id}/config.
type ConfigureSessionRequest struct {
	Mode                entities.SessionMode   `json:"mode" binding:"required"`
	Roster              []entities.Participant `json:"roster"`
	InterviewerName     string                 `json:"interviewer_name"`
	ParticipantPriority []string               `json:"participant_priority,omitempty"`
	StageNames          []string               `json:"stage_names,omitempty"`
	DimensionRubric     []string               `json:"dimension_rubric,omitempty"`
}

// ClusterMapRequest is the body of POST /v1/sessions/{id}/cluster-map.
type ClusterMapRequest struct {
	ClusterID string `json:"cluster_id" binding:"required"`
	Name      string `json:"name" binding:"required"`
	Locked    bool   `json:"locked"`
}

// EnrollmentStartRequest is the body of POST .../enrollment/start.
type EnrollmentStartRequest struct {
	ParticipantName string `json:"participant_name" binding:"required"`
}

// SessionStateResponse mirrors the observable (non-internal) session shape
// returned by GET /v1/sessions/{id}/state.
type SessionStateResponse struct {
	SessionID           string                                       `json:"session_id"`
	Config              entities.SessionConfig                       `json:"config"`
	IngestByStream      map[entities.StreamRole]entities.IngestStreamState  `json:"ingest_by_stream"`
	AsrByStream         map[entities.StreamRole]entities.AsrStreamState     `json:"asr_by_stream"`
	CaptureByStream     map[entities.StreamRole]entities.CaptureStreamState `json:"capture_by_stream"`
	Clusters            []entities.Cluster                          `json:"clusters"`
	Bindings            map[string]string                           `json:"bindings"`
	ParticipantProfiles []entities.ParticipantProfile                `json:"participant_profiles"`
	EnrollmentState     entities.EnrollmentState                    `json:"enrollment_state"`
	Finalize            entities.FinalizeState                      `json:"finalize"`
	Finalized           bool                                         `json:"finalized"`
	UpdatedAt           time.Time                                    `json:"updated_at"`
}

func ToSessionStateResponse(s *entities.Session) SessionStateResponse {
	return SessionStateResponse{
		SessionID:           s.SessionID,
		Config:              s.Config,
		IngestByStream:      s.IngestByStream,
		AsrByStream:         s.AsrByStream,
		CaptureByStream:     s.CaptureByStream,
		Clusters:            s.Clusters,
		Bindings:            s.Bindings,
		ParticipantProfiles: s.ParticipantProfiles,
		EnrollmentState:     s.EnrollmentState,
		Finalize:            s.Finalize,
		Finalized:           s.Finalized,
		UpdatedAt:           s.UpdatedAt,
	}
}

// EventsResponse is the body of GET /v1/sessions/{id}/events.
type EventsResponse struct {
	Events []entities.Event `json:"events"`
}

// UtterancesResponse is the body of GET /v1/sessions/{id}/utterances.
type UtterancesResponse struct {
	Raw    []entities.Utterance `json:"raw"`
	Merged []entities.Utterance `json:"merged"`
}

// UnresolvedClustersResponse is the body of GET .../unresolved-clusters.
type UnresolvedClustersResponse struct {
	Clusters []entities.Cluster `json:"clusters"`
}

// FinalizeResponse mirrors application/services.FinalizeResult.
type FinalizeResponse struct {
	Stage     int  `json:"stage"`
	Completed bool `json:"completed"`
}
