package container

import (
	"context"
	"fmt"

	appServices "edgesession/server/modules/session/application/services"
	domainServices "edgesession/server/modules/session/domain/services"
	"edgesession/server/modules/session/infrastructure/providers"
	"edgesession/server/modules/session/infrastructure/repositories"
	"edgesession/server/modules/session/interfaces/http/handlers"
	"edgesession/server/modules/session/interfaces/http/routes"
	"edgesession/server/seedwork/infrastructure/config"
	"edgesession/server/seedwork/infrastructure/database"
	"edgesession/server/seedwork/infrastructure/events"
	"edgesession/server/seedwork/infrastructure/firebase"
)

// Container wires config, DB, storage client, inference client, and the
// session registry once at startup, the same shape as the original
// Firebase/user-service container it replaces.
type Container struct {
	Config *config.Config

	FirebaseClient *firebase.Client
	EventBus       events.EventBus

	ChunkStore  *providers.GCSChunkStore
	Inference   *providers.HTTPInferenceClient
	Resolver    *providers.DefaultSpeakerResolver
	Reconciler  *domainServices.Reconciler
	StateStore  *repositories.GormSessionStateStore
	Orchestrator *appServices.Orchestrator
	Finalizer    *appServices.Finalizer

	SessionRoutes *routes.SessionRoutes
}

// NewContainer creates and wires up all dependencies.
func NewContainer() (*Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := database.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := database.CreateMigrationsTable(); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	if err := database.RunMigrations("migrations"); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var firebaseClient *firebase.Client
	if cfg.Firebase.ProjectID != "" || cfg.Firebase.CredentialsPath != "" {
		firebaseClient, err = firebase.NewClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase client: %w", err)
		}
	}

	chunkStore, err := providers.NewGCSChunkStore(context.Background(), cfg.Storage.Bucket, cfg.Storage.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chunk store: %w", err)
	}

	inference := providers.NewHTTPInferenceClient(providers.InferenceClientConfig{
		PrimaryURL:      cfg.Inference.BaseURLPrimary,
		SecondaryURL:    cfg.Inference.BaseURLSecondary,
		TimeoutMs:       cfg.Inference.TimeoutMs,
		RetryMax:        cfg.Inference.RetryMax,
		RetryBackoffMs:  cfg.Inference.RetryBackoffMs,
		CircuitOpenMs:   cfg.Inference.CircuitOpenMs,
		FailoverEnabled: cfg.Inference.FailoverEnabled,
		APIKey:          cfg.Inference.APIKey,
	})

	resolver := providers.NewDefaultSpeakerResolver(inference, providers.DefaultSpeakerResolverConfig())
	reconciler := domainServices.NewReconciler(domainServices.DefaultReconcilerConfig())

	stateStore := repositories.NewGormSessionStateStore(database.DB)
	jobTracker := repositories.NewGormFinalizeJobRepository(database.DB)

	driverFactory := &providers.RealtimeASRDriverFactory{
		URL:        cfg.ASR.UpstreamURL,
		APIKey:     cfg.ASR.DashscopeAPIKey,
		Model:      cfg.ASR.Model,
		SampleRate: cfg.ASR.SampleRate,
		QueueCap:   cfg.ASR.SendQueueCap,
		Chunks:     chunkStore,
	}

	bus := events.NewMemoryEventBus()

	orchestrator := appServices.NewOrchestrator(stateStore, chunkStore, driverFactory, resolver, inference, bus)

	replayer := providers.NewWindowedASRReplayer(chunkStore, cfg.ASR.UpstreamURL, cfg.ASR.DashscopeAPIKey, cfg.ASR.Model, cfg.ASR.SampleRate)

	finalizer := appServices.NewFinalizer(stateStore, chunkStore, inference, reconciler, replayer, orchestrator, jobTracker, cfg.ASR.ReplayWindowSecs, cfg.ASR.ReplayHopSecs)

	ingestHandlers := handlers.NewIngestHandlers(orchestrator)
	sessionHandlers := handlers.NewSessionHandlers(orchestrator, finalizer, reconciler, handlers.HealthInfo{
		ASRRealtimeEnabled: cfg.ASR.RealtimeEnabled,
		ASRMode:            cfg.ASR.Model,
		ASRModel:           cfg.ASR.Model,
	})
	sessionRoutes := routes.NewSessionRoutes(ingestHandlers, sessionHandlers, cfg.Auth.WorkerAPIKey, firebaseClient)

	return &Container{
		Config:         cfg,
		FirebaseClient: firebaseClient,
		EventBus:       bus,
		ChunkStore:     chunkStore,
		Inference:      inference,
		Resolver:       resolver,
		Reconciler:     reconciler,
		StateStore:     stateStore,
		Orchestrator:   orchestrator,
		Finalizer:      finalizer,
		SessionRoutes:  sessionRoutes,
	}, nil
}

// GetOrchestrator returns the session orchestrator.
func (c *Container) GetOrchestrator() *appServices.Orchestrator {
	return c.Orchestrator
}

// GetFinalizer returns the session finalizer.
func (c *Container) GetFinalizer() *appServices.Finalizer {
	return c.Finalizer
}

// GetSessionRoutes returns the HTTP route wiring for the session module.
func (c *Container) GetSessionRoutes() *routes.SessionRoutes {
	return c.SessionRoutes
}

// GetFirebaseClient returns the Firebase client used for operator auth.
func (c *Container) GetFirebaseClient() *firebase.Client {
	return c.FirebaseClient
}

// GetConfig returns the configuration.
func (c *Container) GetConfig() *config.Config {
	return c.Config
}
