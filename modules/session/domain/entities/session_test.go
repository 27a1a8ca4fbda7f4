package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUtterance_Normalize_RewritesIllegalConfirm(t *testing.T) {
	u := Utterance{Decision: DecisionConfirm, SpeakerName: ""}

	rewritten := u.Normalize()

	assert.True(t, rewritten)
	assert.Equal(t, DecisionUnknown, u.Decision)
}

func TestUtterance_Normalize_LeavesValidConfirmAlone(t *testing.T) {
	u := Utterance{Decision: DecisionConfirm, SpeakerName: "Alex"}

	rewritten := u.Normalize()

	assert.False(t, rewritten)
	assert.Equal(t, DecisionConfirm, u.Decision)
}

func TestUtterance_Normalize_LeavesUnknownAlone(t *testing.T) {
	u := Utterance{Decision: DecisionUnknown, SpeakerName: ""}

	rewritten := u.Normalize()

	assert.False(t, rewritten)
	assert.Equal(t, DecisionUnknown, u.Decision)
}

func TestNewSession_InitializesBothStreams(t *testing.T) {
	s := NewSession("sess-1")

	assert.Equal(t, "sess-1", s.SessionID)
	assert.Contains(t, s.IngestByStream, StreamRoleTeacher)
	assert.Contains(t, s.IngestByStream, StreamRoleStudents)
	assert.Equal(t, WsStateDisconnected, s.AsrByStream[StreamRoleTeacher].WsState)
	assert.Equal(t, CaptureStateIdle, s.CaptureByStream[StreamRoleStudents].CaptureState)
	assert.Empty(t, s.Events)
	assert.False(t, s.Finalized)
}

func TestSession_AppendEvent_SeqIsMonotonic(t *testing.T) {
	s := NewSession("sess-1")

	first := s.AppendEvent(EventKindMark, map[string]any{"label": "start"})
	second := s.AppendEvent(EventKindAsrUtterance, map[string]any{"utterance_id": "u1"})
	third := s.AppendEvent(EventKindMark, map[string]any{"label": "end"})

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, int64(3), third.Seq)
	assert.Len(t, s.Events, 3)
}

func TestSession_ClusterExists(t *testing.T) {
	s := NewSession("sess-1")
	s.Clusters = append(s.Clusters, Cluster{ClusterID: "c1"})

	assert.True(t, s.ClusterExists("c1"))
	assert.False(t, s.ClusterExists("c2"))
}

func TestStreamRole_Valid(t *testing.T) {
	assert.True(t, StreamRoleTeacher.Valid())
	assert.True(t, StreamRoleStudents.Valid())
	assert.False(t, StreamRole("moderator").Valid())
}
