package entities

import "time"

// StreamRole identifies which microphone a chunk, utterance, or driver belongs to.
type StreamRole string

const (
	StreamRoleTeacher  StreamRole = "teacher"
	StreamRoleStudents StreamRole = "students"
)

func (r StreamRole) Valid() bool {
	return r == StreamRoleTeacher || r == StreamRoleStudents
}

// SessionMode selects the roster shape a session was configured with.
type SessionMode string

const (
	SessionMode1v1   SessionMode = "1v1"
	SessionModeGroup SessionMode = "group"
)

// IdentitySource ranks how a speaker name was attached to an utterance, highest
// priority first. The resolver never picks a lower-priority source over a
// higher one that already matched.
type IdentitySource string

const (
	IdentitySourceTeamsParticipants IdentitySource = "teams_participants"
	IdentitySourcePreconfig         IdentitySource = "preconfig"
	IdentitySourceEnrollmentMatch   IdentitySource = "enrollment_match"
	IdentitySourceNameExtract       IdentitySource = "name_extract"
	IdentitySourceTeacher           IdentitySource = "teacher"
	IdentitySourceManualMap         IdentitySource = "manual_map"
	IdentitySourceUnknown           IdentitySource = "unknown"
)

// Decision is the resolver's final call on an utterance's speaker attribution.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionUnknown Decision = "unknown"
)

// EventKind enumerates the append-only session event taxonomy.
type EventKind string

const (
	EventKindAsrUtterance     EventKind = "asr_utterance"
	EventKindResolveDecision  EventKind = "resolve_decision"
	EventKindIngestStats      EventKind = "ingest_stats"
	EventKindCaptureRecovery  EventKind = "capture_recovery"
	EventKindEnrollmentSample EventKind = "enrollment_sample"
	EventKindClusterMap       EventKind = "cluster_map"
	EventKindFinalizeStage    EventKind = "finalize_stage"
	EventKindError            EventKind = "error"
	EventKindMark             EventKind = "mark"
)

// CaptureState mirrors the client-side capture health as relayed by the gateway.
type CaptureState string

const (
	CaptureStateIdle    CaptureState = "idle"
	CaptureStateCapture CaptureState = "capturing"
	CaptureStateRecover CaptureState = "recovering"
)

// WsState is the ASR driver connection state machine (spec 4.4).
type WsState string

const (
	WsStateDisconnected WsState = "disconnected"
	WsStateConnecting   WsState = "connecting"
	WsStateRunning      WsState = "running"
	WsStateError        WsState = "error"
	WsStateReconnecting WsState = "reconnecting"
	WsStateClosed       WsState = "closed"
)

// Participant is one roster entry supplied at session configuration time.
type Participant struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// SessionConfig is the operator-supplied shape of a session.
type SessionConfig struct {
	Mode                SessionMode   `json:"mode"`
	Roster              []Participant `json:"roster"`
	InterviewerName     string        `json:"interviewer_name"`
	ParticipantPriority []string      `json:"participant_priority,omitempty"`
	StageNames          []string      `json:"stage_names,omitempty"`
	DimensionRubric     []string      `json:"dimension_rubric,omitempty"`
}

// IngestStreamState tracks chunk bookkeeping per (session, role).
type IngestStreamState struct {
	ChunksReceived int         `json:"chunks_received"`
	MissingSeqs    map[int]bool `json:"missing_seqs"`
	LastSeq        int         `json:"last_seq"`
	BytesStored    int64       `json:"bytes_stored"`
	FirstTsMs      int64       `json:"first_ts_ms"`
	LastTsMs       int64       `json:"last_ts_ms"`
}

func NewIngestStreamState() IngestStreamState {
	return IngestStreamState{MissingSeqs: make(map[int]bool)}
}

// AsrStreamState tracks the ASR driver's observable health per role.
type AsrStreamState struct {
	Mode            string  `json:"mode"`
	WsState         WsState `json:"ws_state"`
	BacklogChunks   int     `json:"backlog_chunks"`
	IngestLagSecs   float64 `json:"ingest_lag_seconds"`
	LastEmitAt      *time.Time `json:"last_emit_at,omitempty"`
	P50Ms           float64 `json:"p50_ms"`
	P95Ms           float64 `json:"p95_ms"`
	LastError       string  `json:"last_error,omitempty"`
	LastSentSeq     int     `json:"last_sent_seq"`
	LastEmittedSeq  int     `json:"last_emitted_seq"`
}

// CaptureStreamState tracks client-reported capture recovery activity.
type CaptureStreamState struct {
	CaptureState        CaptureState `json:"capture_state"`
	RecoverAttempts     int          `json:"recover_attempts"`
	LastRecoverAt       *time.Time   `json:"last_recover_at,omitempty"`
	LastRecoverError    string       `json:"last_recover_error,omitempty"`
	EchoSuppressedCount int          `json:"echo_suppressed_chunks"`
	EchoRecentRate      float64      `json:"echo_recent_rate"`
}

// Utterance is a time-bounded final ASR output with an optional speaker attribution.
type Utterance struct {
	UtteranceID    string         `json:"utterance_id"`
	StreamRole     StreamRole     `json:"stream_role"`
	ClusterID      string         `json:"cluster_id,omitempty"`
	SpeakerName    string         `json:"speaker_name,omitempty"`
	Decision       Decision       `json:"decision"`
	Text           string         `json:"text"`
	StartMs        int64          `json:"start_ms"`
	EndMs          int64          `json:"end_ms"`
	IsFinal        bool           `json:"is_final"`
	IdentitySource IdentitySource `json:"identity_source,omitempty"`
	Evidence       string         `json:"evidence,omitempty"`
}

// Normalize enforces P2: confirm is illegal without a speaker name.
func (u *Utterance) Normalize() bool {
	if u.Decision == DecisionConfirm && u.SpeakerName == "" {
		u.Decision = DecisionUnknown
		return true
	}
	return false
}

// Cluster groups utterances believed to share a voice.
type Cluster struct {
	ClusterID    string     `json:"cluster_id"`
	Centroid     [192]float32 `json:"centroid"`
	SampleCount  int        `json:"sample_count"`
	BoundName    string     `json:"bound_name,omitempty"`
}

// BindingSource records how a cluster-to-name binding was produced.
type BindingSource string

const (
	BindingSourcePreconfig       BindingSource = "preconfig"
	BindingSourceEnrollmentMatch BindingSource = "enrollment_match"
	BindingSourceNameExtract     BindingSource = "name_extract"
	BindingSourceManual          BindingSource = "manual_map"
)

// BindingMeta carries the provenance of a cluster binding.
type BindingMeta struct {
	Source     BindingSource `json:"source"`
	Confidence float64       `json:"confidence"`
	Locked     bool          `json:"locked"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ParticipantProfile is an enrollment-collected reference voice for one roster name.
type ParticipantProfile struct {
	Name          string       `json:"name"`
	Email         string       `json:"email,omitempty"`
	Centroid      [192]float32 `json:"centroid"`
	SampleCount   int          `json:"sample_count"`
	SampleSeconds float64      `json:"sample_seconds"`
	Status        string       `json:"status"`
}

// EnrollmentState tracks the one active enrollment window, if any.
type EnrollmentState struct {
	Active            bool       `json:"active"`
	ActiveParticipant string     `json:"active_participant,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
}

// Event is one append-only log entry. Seq is strictly increasing per session (P3).
type Event struct {
	Seq     int64          `json:"seq"`
	TsMs    int64          `json:"ts_ms"`
	Kind    EventKind      `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// FinalizeState tracks the nine-stage finalization pipeline's progress (spec 4.8).
type FinalizeState struct {
	Requested    bool          `json:"requested"`
	InProgress   bool          `json:"in_progress"`
	Stage        int           `json:"stage"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	StageResults []StageResult `json:"stage_results"`
}

// StageResult records one finalizer stage's outcome for observability and resume.
type StageResult struct {
	Stage     int       `json:"stage"`
	Name      string    `json:"name"`
	Ok        bool      `json:"ok"`
	Degraded  bool      `json:"degraded"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Session is the full per-session document owned exclusively by the Session State Store.
type Session struct {
	SessionID string `json:"session_id"`

	Config SessionConfig `json:"config"`

	IngestByStream  map[StreamRole]IngestStreamState  `json:"ingest_by_stream"`
	AsrByStream     map[StreamRole]AsrStreamState      `json:"asr_by_stream"`
	CaptureByStream map[StreamRole]CaptureStreamState  `json:"capture_by_stream"`

	UtterancesByStream map[StreamRole][]Utterance `json:"utterances_by_stream"`

	Clusters             []Cluster                      `json:"clusters"`
	Bindings             map[string]string               `json:"bindings"`
	BindingMeta          map[string]BindingMeta          `json:"binding_meta"`
	ParticipantProfiles  []ParticipantProfile            `json:"participant_profiles"`
	EnrollmentState      EnrollmentState                 `json:"enrollment_state"`

	Events []Event `json:"events"`

	Finalize FinalizeState `json:"finalize"`

	Finalized bool `json:"finalized"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession constructs an empty session document ready for its first ingest frame.
func NewSession(sessionID string) *Session {
	now := time.Now()
	return &Session{
		SessionID: sessionID,
		IngestByStream: map[StreamRole]IngestStreamState{
			StreamRoleTeacher:  NewIngestStreamState(),
			StreamRoleStudents: NewIngestStreamState(),
		},
		AsrByStream: map[StreamRole]AsrStreamState{
			StreamRoleTeacher:  {WsState: WsStateDisconnected},
			StreamRoleStudents: {WsState: WsStateDisconnected},
		},
		CaptureByStream: map[StreamRole]CaptureStreamState{
			StreamRoleTeacher:  {CaptureState: CaptureStateIdle},
			StreamRoleStudents: {CaptureState: CaptureStateIdle},
		},
		UtterancesByStream: map[StreamRole][]Utterance{
			StreamRoleTeacher:  {},
			StreamRoleStudents: {},
		},
		Clusters:    []Cluster{},
		Bindings:    map[string]string{},
		BindingMeta: map[string]BindingMeta{},
		Events:      []Event{},
		Finalize:    FinalizeState{StageResults: []StageResult{}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AppendEvent assigns the next dense seq number and appends the event (P3).
func (s *Session) AppendEvent(kind EventKind, payload map[string]any) Event {
	var next int64 = 1
	if n := len(s.Events); n > 0 {
		next = s.Events[n-1].Seq + 1
	}
	ev := Event{Seq: next, TsMs: time.Now().UnixMilli(), Kind: kind, Payload: payload}
	s.Events = append(s.Events, ev)
	return ev
}

// ClusterExists reports whether a cluster id is known, used to guard cluster_map (P6).
func (s *Session) ClusterExists(clusterID string) bool {
	for _, c := range s.Clusters {
		if c.ClusterID == clusterID {
			return true
		}
	}
	return false
}
