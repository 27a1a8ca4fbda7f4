package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgesession/server/modules/session/domain/entities"
	"edgesession/server/modules/session/domain/services"
)

func TestDefaultSpeakerResolver_LockedBindingWinsOverEverything(t *testing.T) {
	r := NewDefaultSpeakerResolver(nil, DefaultSpeakerResolverConfig())
	session := entities.NewSession("sess-1")
	session.Clusters = append(session.Clusters, entities.Cluster{ClusterID: "c1"})
	session.Bindings["c1"] = "Alex"
	session.BindingMeta["c1"] = entities.BindingMeta{Source: entities.BindingSourceManual, Locked: true, Confidence: 1.0}

	utt := entities.Utterance{ClusterID: "c1", Text: "my name is Sam"}

	res, err := r.Resolve(context.Background(), session, utt, nil)

	require.NoError(t, err)
	assert.Equal(t, "Alex", res.SpeakerName)
	assert.Equal(t, entities.DecisionConfirm, res.Decision)
	assert.Equal(t, entities.IdentitySourceManualMap, res.IdentitySource)
}

func TestDefaultSpeakerResolver_EnrollmentMatchRequiresScoreAndMargin(t *testing.T) {
	r := NewDefaultSpeakerResolver(nil, DefaultSpeakerResolverConfig())
	session := entities.NewSession("sess-1")
	alexCentroid := [192]float32{}
	alexCentroid[0] = 1.0
	samCentroid := [192]float32{}
	samCentroid[1] = 1.0
	session.ParticipantProfiles = []entities.ParticipantProfile{
		{Name: "Alex", Centroid: alexCentroid},
		{Name: "Sam", Centroid: samCentroid},
	}

	embedding := make([]float32, 192)
	embedding[0] = 1.0

	utt := entities.Utterance{Text: "no introduction here"}
	res, err := r.Resolve(context.Background(), session, utt, embedding)

	require.NoError(t, err)
	assert.Equal(t, "Alex", res.SpeakerName)
	assert.Equal(t, entities.DecisionConfirm, res.Decision)
	assert.Equal(t, entities.IdentitySourceEnrollmentMatch, res.IdentitySource)
	assert.True(t, res.NewBinding)
}

func TestDefaultSpeakerResolver_EnrollmentMatchRejectedBelowMargin(t *testing.T) {
	r := NewDefaultSpeakerResolver(nil, DefaultSpeakerResolverConfig())
	session := entities.NewSession("sess-1")
	closeA := [192]float32{}
	closeA[0], closeA[1] = 1.0, 0.05
	closeB := [192]float32{}
	closeB[0], closeB[1] = 1.0, 0.06
	session.ParticipantProfiles = []entities.ParticipantProfile{
		{Name: "Alex", Centroid: closeA},
		{Name: "Sam", Centroid: closeB},
	}
	embedding := make([]float32, 192)
	embedding[0] = 1.0

	utt := entities.Utterance{Text: "no introduction here"}
	res, err := r.Resolve(context.Background(), session, utt, embedding)

	require.NoError(t, err)
	assert.Equal(t, entities.DecisionUnknown, res.Decision)
	assert.Equal(t, entities.IdentitySourceUnknown, res.IdentitySource)
}

func TestDefaultSpeakerResolver_NameExtractionFallsBackToRoster(t *testing.T) {
	r := NewDefaultSpeakerResolver(nil, DefaultSpeakerResolverConfig())
	session := entities.NewSession("sess-1")
	session.Config.Roster = []entities.Participant{{Name: "Alex"}, {Name: "Sam"}}

	utt := entities.Utterance{Text: "Hi, my name is Alex and I'm excited to be here"}
	res, err := r.Resolve(context.Background(), session, utt, nil)

	require.NoError(t, err)
	assert.Equal(t, "Alex", res.SpeakerName)
	assert.Equal(t, entities.DecisionConfirm, res.Decision)
	assert.Equal(t, entities.IdentitySourceNameExtract, res.IdentitySource)
}

func TestDefaultSpeakerResolver_UnknownWhenNoSignalMatches(t *testing.T) {
	r := NewDefaultSpeakerResolver(nil, DefaultSpeakerResolverConfig())
	session := entities.NewSession("sess-1")

	utt := entities.Utterance{Text: "just some unrelated text"}
	res, err := r.Resolve(context.Background(), session, utt, nil)

	require.NoError(t, err)
	assert.Equal(t, entities.DecisionUnknown, res.Decision)
	assert.Equal(t, entities.IdentitySourceUnknown, res.IdentitySource)
	assert.Empty(t, res.SpeakerName)
}

func TestDefaultSpeakerResolver_ClusterMap_RejectsUnknownCluster(t *testing.T) {
	r := NewDefaultSpeakerResolver(nil, DefaultSpeakerResolverConfig())
	session := entities.NewSession("sess-1")

	err := r.ClusterMap(context.Background(), session, "ghost", "Alex", true)

	assert.ErrorIs(t, err, services.ErrUnknownCluster)
}

func TestDefaultSpeakerResolver_ClusterMap_LocksBinding(t *testing.T) {
	r := NewDefaultSpeakerResolver(nil, DefaultSpeakerResolverConfig())
	session := entities.NewSession("sess-1")
	session.Clusters = append(session.Clusters, entities.Cluster{ClusterID: "c1"})

	err := r.ClusterMap(context.Background(), session, "c1", "Alex", true)

	require.NoError(t, err)
	assert.Equal(t, "Alex", session.Bindings["c1"])
	assert.True(t, session.BindingMeta["c1"].Locked)
	assert.Equal(t, entities.BindingSourceManual, session.BindingMeta["c1"].Source)
}
