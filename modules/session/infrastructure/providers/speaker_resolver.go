package providers

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"

	"edgesession/server/modules/session/domain/entities"
	"edgesession/server/modules/session/domain/services"
)

// SpeakerResolverConfig exposes the SV-match thresholds the source config
// surface carried without a documented rationale (spec section 9, Open
// Questions). Defaults match the spec's stated defaults.
type SpeakerResolverConfig struct {
	EnrollmentTopScoreMin float64
	EnrollmentMarginMin   float64
	NameExtractLockConf   float64
}

func DefaultSpeakerResolverConfig() SpeakerResolverConfig {
	return SpeakerResolverConfig{
		EnrollmentTopScoreMin: 0.72,
		EnrollmentMarginMin:   0.08,
		NameExtractLockConf:   0.93,
	}
}

// nameIntroPatterns recognizes self-introductions in both supported
// languages, grounded on the common "my name is X" / "我叫X" self-intro
// phrasing used for rule-based speaker attribution.
var nameIntroPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)my name is ([a-z][a-z '-]{1,40})`),
	regexp.MustCompile(`(?i)i['’]?m ([a-z][a-z '-]{1,40})`),
	regexp.MustCompile(`(?i)this is ([a-z][a-z '-]{1,40})`),
	regexp.MustCompile(`我叫([\x{4e00}-\x{9fff}a-zA-Z]{1,10})`),
	regexp.MustCompile(`我是([\x{4e00}-\x{9fff}a-zA-Z]{1,10})`),
}

// DefaultSpeakerResolver implements the resolution ladder in spec section
// 4.5. It is grounded on the same "extract signal, fall back gracefully"
// shape as the teacher's provider code, but the ladder itself — locked
// binding, existing binding, enrollment cosine match, rule-based name
// extraction, unknown — has no teacher analogue and is built directly from
// the core specification.
type DefaultSpeakerResolver struct {
	inference services.InferenceClient
	cfg       SpeakerResolverConfig
}

func NewDefaultSpeakerResolver(inference services.InferenceClient, cfg SpeakerResolverConfig) *DefaultSpeakerResolver {
	return &DefaultSpeakerResolver{inference: inference, cfg: cfg}
}

func (r *DefaultSpeakerResolver) Resolve(ctx context.Context, session *entities.Session, utterance entities.Utterance, embedding []float32) (services.ResolveResult, error) {
	clusterID := utterance.ClusterID

	// 1. Locked manual binding.
	if clusterID != "" {
		if meta, ok := session.BindingMeta[clusterID]; ok && meta.Locked {
			name := session.Bindings[clusterID]
			return normalizeResolve(services.ResolveResult{
				ClusterID: clusterID, SpeakerName: name,
				Decision: entities.DecisionConfirm, IdentitySource: entities.IdentitySourceManualMap,
				Confidence: meta.Confidence,
			}), nil
		}
	}

	// 2. Existing binding.
	if clusterID != "" {
		if name, ok := session.Bindings[clusterID]; ok {
			source := entities.IdentitySourcePreconfig
			if meta, ok := session.BindingMeta[clusterID]; ok {
				source = bindingSourceToIdentitySource(meta.Source)
			}
			return normalizeResolve(services.ResolveResult{
				ClusterID: clusterID, SpeakerName: name,
				Decision: entities.DecisionConfirm, IdentitySource: source,
			}), nil
		}
	}

	// 3. Enrollment-profile match via cosine similarity.
	if res, ok := r.matchEnrollment(session, clusterID, embedding); ok {
		return normalizeResolve(res), nil
	}

	// 4. Name extraction from transcript.
	if res, ok := r.extractName(session, clusterID, utterance.Text); ok {
		return normalizeResolve(res), nil
	}

	// 5. Unknown.
	return services.ResolveResult{
		ClusterID: clusterID, Decision: entities.DecisionUnknown,
		IdentitySource: entities.IdentitySourceUnknown,
	}, nil
}

func (r *DefaultSpeakerResolver) matchEnrollment(session *entities.Session, clusterID string, embedding []float32) (services.ResolveResult, bool) {
	if len(embedding) == 0 || len(session.ParticipantProfiles) == 0 {
		return services.ResolveResult{}, false
	}

	type scored struct {
		name  string
		score float64
	}
	scores := make([]scored, 0, len(session.ParticipantProfiles))
	for _, p := range session.ParticipantProfiles {
		scores = append(scores, scored{name: p.Name, score: cosineSimilarity(embedding, p.Centroid[:])})
	}

	top, second := -1.0, -1.0
	topName := ""
	for _, s := range scores {
		if s.score > top {
			second = top
			top = s.score
			topName = s.name
		} else if s.score > second {
			second = s.score
		}
	}
	if second < 0 {
		second = 0
	}

	if top >= r.cfg.EnrollmentTopScoreMin && (top-second) >= r.cfg.EnrollmentMarginMin {
		return services.ResolveResult{
			ClusterID: clusterID, SpeakerName: topName,
			Decision: entities.DecisionConfirm, IdentitySource: entities.IdentitySourceEnrollmentMatch,
			Confidence: top, NewBinding: true,
		}, true
	}
	return services.ResolveResult{}, false
}

func (r *DefaultSpeakerResolver) extractName(session *entities.Session, clusterID, text string) (services.ResolveResult, bool) {
	for _, pattern := range nameIntroPatterns {
		m := pattern.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		candidate := strings.TrimSpace(m[1])
		for _, p := range session.Config.Roster {
			if fuzzyNameMatch(candidate, p.Name) {
				confidence := 0.95
				return services.ResolveResult{
					ClusterID: clusterID, SpeakerName: p.Name,
					Decision: entities.DecisionConfirm, IdentitySource: entities.IdentitySourceNameExtract,
					Confidence: confidence, NewBinding: confidence >= r.cfg.NameExtractLockConf,
				}, true
			}
		}
	}
	return services.ResolveResult{}, false
}

func (r *DefaultSpeakerResolver) ClusterMap(ctx context.Context, session *entities.Session, clusterID, name string, locked bool) error {
	if !session.ClusterExists(clusterID) {
		return services.ErrUnknownCluster
	}
	session.Bindings[clusterID] = name
	session.BindingMeta[clusterID] = entities.BindingMeta{
		Source: entities.BindingSourceManual, Confidence: 1.0, Locked: locked, UpdatedAt: time.Now(),
	}
	return nil
}

// normalizeResolve enforces P2 at the source: a resolver output of
// confirm+empty-name is rewritten to unknown before it ever reaches
// persistence (the same rule entities.Utterance.Normalize applies to
// stored utterances).
func normalizeResolve(res services.ResolveResult) services.ResolveResult {
	if res.Decision == entities.DecisionConfirm && res.SpeakerName == "" {
		res.Decision = entities.DecisionUnknown
		res.IdentitySource = entities.IdentitySourceUnknown
	}
	return res
}

func bindingSourceToIdentitySource(s entities.BindingSource) entities.IdentitySource {
	switch s {
	case entities.BindingSourceEnrollmentMatch:
		return entities.IdentitySourceEnrollmentMatch
	case entities.BindingSourceNameExtract:
		return entities.IdentitySourceNameExtract
	case entities.BindingSourceManual:
		return entities.IdentitySourceManualMap
	default:
		return entities.IdentitySourcePreconfig
	}
}

func cosineSimilarity(a []float32, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func fuzzyNameMatch(candidate, roster string) bool {
	c := strings.ToLower(strings.TrimSpace(candidate))
	rname := strings.ToLower(strings.TrimSpace(roster))
	if c == rname {
		return true
	}
	return strings.Contains(c, rname) || strings.Contains(rname, c)
}
