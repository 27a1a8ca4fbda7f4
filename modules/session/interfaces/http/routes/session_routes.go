package routes

import (
	"github.com/gin-gonic/gin"

	"edgesession/server/modules/session/interfaces/http/handlers"
	"edgesession/server/modules/session/interfaces/http/middleware"
	"edgesession/server/seedwork/infrastructure/firebase"
)

type SessionRoutes struct {
	ingestHandlers  *handlers.IngestHandlers
	sessionHandlers *handlers.SessionHandlers
	workerAPIKey    string
	firebaseClient  *firebase.Client
}

func NewSessionRoutes(ingestHandlers *handlers.IngestHandlers, sessionHandlers *handlers.SessionHandlers, workerAPIKey string, firebaseClient *firebase.Client) *SessionRoutes {
	return &SessionRoutes{ingestHandlers: ingestHandlers, sessionHandlers: sessionHandlers, workerAPIKey: workerAPIKey, firebaseClient: firebaseClient}
}

// SetupRoutes registers every endpoint in spec section 6 onto router, which
// the caller is expected to have mounted at the API root (no version
// prefix here, since /health is deliberately unversioned).
func (r *SessionRoutes) SetupRoutes(router *gin.RouterGroup) {
	router.GET("/health", r.sessionHandlers.Health)

	auth := middleware.APIKeyAuth(r.workerAPIKey)

	audio := router.Group("/v1/audio", auth)
	{
		audio.GET("/ws/:session_id/:stream_role", r.ingestHandlers.HandleAudioWebSocket)
	}

	sessions := router.Group("/v1/sessions", auth)
	{
		sessions.POST("/:session_id/config", r.sessionHandlers.ConfigureSession)
		sessions.GET("/:session_id/state", r.sessionHandlers.GetState)
		sessions.GET("/:session_id/events", r.sessionHandlers.GetEvents)
		sessions.GET("/:session_id/utterances", r.sessionHandlers.GetUtterances)
		sessions.POST("/:session_id/finalize", r.sessionHandlers.Finalize)
		sessions.POST("/:session_id/enrollment/start", r.sessionHandlers.EnrollmentStart)
		sessions.POST("/:session_id/enrollment/stop", r.sessionHandlers.EnrollmentStop)
		sessions.GET("/:session_id/enrollment/state", r.sessionHandlers.EnrollmentState)
		sessions.POST("/:session_id/cluster-map", r.sessionHandlers.ClusterMap)
		sessions.GET("/:session_id/unresolved-clusters", r.sessionHandlers.UnresolvedClusters)
		sessions.DELETE("/:session_id", r.sessionHandlers.PurgeSession)
	}

	operator := middleware.OperatorAuth(r.firebaseClient)
	admin := router.Group("/v1/sessions", auth, operator)
	{
		admin.POST("/:session_id/asr-run", r.sessionHandlers.AsrRun)
		admin.POST("/:session_id/asr-reset", r.sessionHandlers.AsrReset)
	}
}
