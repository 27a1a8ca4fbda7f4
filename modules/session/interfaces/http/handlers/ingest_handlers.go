package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	appServices "edgesession/server/modules/session/application/services"
	"edgesession/server/modules/session/domain/entities"
	"edgesession/server/modules/session/domain/services"
)

var ingestUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// the audio capture worklet runs cross-origin from the gateway in
		// every supported deployment; api key auth is what actually gates
		// access here, not origin.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ingestMessage is the tagged-variant envelope for every client→gateway
// frame, decoded once at the boundary (spec section 9).
type ingestMessage struct {
	Type               string   `json:"type"`
	StreamRole         string   `json:"stream_role"`
	MeetingID          string   `json:"meeting_id"`
	SampleRate         int      `json:"sample_rate"`
	Channels           int      `json:"channels"`
	Format             string   `json:"format"`
	CaptureMode        string   `json:"capture_mode"`
	InterviewerName    string   `json:"interviewer_name,omitempty"`
	TeamsInterviewer   string   `json:"teams_interviewer_name,omitempty"`
	TeamsParticipants  []string `json:"teams_participants,omitempty"`
	Seq                int      `json:"seq"`
	TimestampMs        int64    `json:"timestamp_ms"`
	ContentB64         string   `json:"content_b64"`
	ParticipantName    string   `json:"participant_name,omitempty"`
	Start              bool     `json:"start,omitempty"`
	Stop               bool     `json:"stop,omitempty"`
	Reason             string   `json:"reason,omitempty"`
}

type serverMessage struct {
	Type    string `json:"type"`
	Seq     int    `json:"seq,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// IngestHandlers serves the client-facing audio ingest WebSocket (spec
// section 6). It is deliberately thin: all durable state transitions are
// delegated to the orchestrator so the handler's only job is framing,
// validation, and connection lifetime.
type IngestHandlers struct {
	orchestrator *appServices.Orchestrator
}

func NewIngestHandlers(orchestrator *appServices.Orchestrator) *IngestHandlers {
	return &IngestHandlers{orchestrator: orchestrator}
}

// HandleAudioWebSocket upgrades /v1/audio/ws/:session_id/:stream_role and
// runs the read loop for the connection's lifetime.
func (h *IngestHandlers) HandleAudioWebSocket(c *gin.Context) {
	sessionID := c.Param("session_id")
	roleParam := entities.StreamRole(c.Param("stream_role"))
	if !roleParam.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stream_role must be teacher or students"})
		return
	}

	conn, err := ingestUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ingest: failed to upgrade websocket: %v", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	sawHello := false

	for {
		var msg ingestMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ingest: websocket error for session %s: %v", sessionID, err)
			}
			break
		}

		switch msg.Type {
		case "hello":
			if err := h.orchestrator.EnsureSession(ctx, sessionID, roleParam); err != nil {
				h.sendError(conn, "resource_unavailable", err.Error())
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(1011, "store unavailable"), time.Now().Add(time.Second))
				return
			}
			sawHello = true
			conn.WriteJSON(serverMessage{Type: "ready"})

		case "chunk":
			if !sawHello {
				h.sendError(conn, "protocol", "chunk received before hello")
				continue
			}
			expected := msg.SampleRate * msg.Channels * 2
			if expected <= 0 {
				expected = 32000
			}
			if err := h.orchestrator.IngestChunk(ctx, sessionID, roleParam, msg.Seq, msg.ContentB64, msg.TimestampMs, expected); err != nil {
				if err == services.ErrSessionFinalized {
					h.sendError(conn, "session_finalized", "session already finalized")
					continue
				}
				if err == services.ErrInvalidChunk {
					h.sendError(conn, "client_protocol", "chunk payload size mismatch")
					continue
				}
				h.sendError(conn, "resource_unavailable", err.Error())
				continue
			}
			conn.WriteJSON(serverMessage{Type: "ack", Seq: msg.Seq})

		case "mark":
			h.orchestrator.RecordMark(ctx, sessionID, roleParam, msg.Reason)

		case "enrollment":
			if msg.Start {
				h.orchestrator.EnrollmentStart(ctx, sessionID, msg.ParticipantName)
			} else if msg.Stop {
				h.orchestrator.EnrollmentStop(ctx, sessionID)
			}

		case "close":
			h.orchestrator.CloseStream(ctx, sessionID, roleParam)
			return

		default:
			h.sendError(conn, "client_protocol", "unknown message type: "+msg.Type)
		}
	}
}

func (h *IngestHandlers) sendError(conn *websocket.Conn, code, message string) {
	if err := conn.WriteJSON(serverMessage{Type: "error", Code: code, Message: message}); err != nil {
		log.Printf("ingest: failed to write error frame: %v", err)
	}
}
