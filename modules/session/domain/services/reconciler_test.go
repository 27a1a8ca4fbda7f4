package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"edgesession/server/modules/session/domain/entities"
)

func newUtt(role entities.StreamRole, speaker, text string, start, end int64) entities.Utterance {
	return entities.Utterance{
		StreamRole: role, SpeakerName: speaker, Text: text, StartMs: start, EndMs: end,
	}
}

func TestReconciler_Raw_OrdersByStartMsTeacherFirstOnTie(t *testing.T) {
	r := NewReconciler(DefaultReconcilerConfig())
	byStream := map[entities.StreamRole][]entities.Utterance{
		entities.StreamRoleStudents: {newUtt(entities.StreamRoleStudents, "Alex", "hi", 1000, 1500)},
		entities.StreamRoleTeacher:  {newUtt(entities.StreamRoleTeacher, "Teacher", "welcome", 1000, 1200)},
	}

	raw := r.Raw(byStream)

	assert.Len(t, raw, 2)
	assert.Equal(t, entities.StreamRoleTeacher, raw[0].StreamRole)
	assert.Equal(t, entities.StreamRoleStudents, raw[1].StreamRole)
}

func TestReconciler_Merged_CoalescesSameSpeakerWithinGap(t *testing.T) {
	r := NewReconciler(DefaultReconcilerConfig())
	byStream := map[entities.StreamRole][]entities.Utterance{
		entities.StreamRoleStudents: {
			newUtt(entities.StreamRoleStudents, "Alex", "the answer is", 1000, 1500),
			newUtt(entities.StreamRoleStudents, "Alex", "forty two", 1700, 2000),
		},
	}

	merged := r.Merged(byStream)

	assert.Len(t, merged, 1)
	assert.Equal(t, "the answer is forty two", merged[0].Text)
	assert.Equal(t, int64(2000), merged[0].EndMs)
}

func TestReconciler_Merged_DoesNotCoalesceAcrossGapOrSpeaker(t *testing.T) {
	r := NewReconciler(DefaultReconcilerConfig())
	byStream := map[entities.StreamRole][]entities.Utterance{
		entities.StreamRoleStudents: {
			newUtt(entities.StreamRoleStudents, "Alex", "first", 1000, 1200),
			newUtt(entities.StreamRoleStudents, "Alex", "much later", 5000, 5200),
			newUtt(entities.StreamRoleStudents, "Sam", "different speaker", 1200, 1400),
		},
	}

	merged := r.Merged(byStream)

	assert.Len(t, merged, 3)
}

func TestReconciler_Merged_SuppressesCrossStreamNearDuplicate(t *testing.T) {
	r := NewReconciler(DefaultReconcilerConfig())
	byStream := map[entities.StreamRole][]entities.Utterance{
		entities.StreamRoleTeacher:  {newUtt(entities.StreamRoleTeacher, "Teacher", "can you tell me about your experience", 1000, 3000)},
		entities.StreamRoleStudents: {newUtt(entities.StreamRoleStudents, "Alex", "can you tell me about your experience", 1050, 3050)},
	}

	merged := r.Merged(byStream)

	assert.Len(t, merged, 1, "near-identical cross-stream echo should be suppressed")
}

func TestReconciler_Merged_NeverLongerThanRaw(t *testing.T) {
	r := NewReconciler(DefaultReconcilerConfig())
	byStream := map[entities.StreamRole][]entities.Utterance{
		entities.StreamRoleTeacher:  {newUtt(entities.StreamRoleTeacher, "Teacher", "question one", 1000, 2000)},
		entities.StreamRoleStudents: {newUtt(entities.StreamRoleStudents, "Alex", "answer one", 2100, 3000)},
	}

	raw := r.Raw(byStream)
	merged := r.Merged(byStream)

	assert.LessOrEqual(t, len(merged), len(raw))
}
