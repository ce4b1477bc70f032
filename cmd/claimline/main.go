package main

import (
	"context"
	"log"
	"time"

	"github.com/pitabwire/frame"
	frameconfig "github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/workerpool"

	clconfig "github.com/claimline/claimline/config"
	"github.com/claimline/claimline/internal/api"
	"github.com/claimline/claimline/internal/claims"
	"github.com/claimline/claimline/internal/generate"
	"github.com/claimline/claimline/internal/history"
	"github.com/claimline/claimline/internal/llm"
	"github.com/claimline/claimline/internal/session"
	"github.com/claimline/claimline/internal/synth/elevenlabs"
	"github.com/claimline/claimline/internal/telephony"
	"github.com/claimline/claimline/internal/transcribe"
	"github.com/claimline/claimline/internal/transcribe/deepgram"
	"github.com/claimline/claimline/internal/understand"
	"github.com/claimline/claimline/pkg/events"
	"github.com/claimline/claimline/pkg/persona"
)

func main() {
	ctx := context.Background()

	cfg, err := frameconfig.LoadWithOIDC[clconfig.ServiceConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	eventRef := cfg.GetEventsQueueName()
	eventURL := cfg.GetEventsQueueURL()

	ctx, srv := frame.NewService(
		frame.WithConfig(&cfg),
		frame.WithName("claimline"),
		frame.WithDatastore(),
		frame.WithRegisterPublisher(eventRef, eventURL),
		frame.WithWorkerPoolOptions(
			workerpool.WithPoolCount(cfg.WorkerPoolCount),
			workerpool.WithSinglePoolCapacity(cfg.WorkerPoolCapacity),
		),
	)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	// --- Events ---
	var sink events.Sink
	if cfg.NATSURL != "" {
		sink, err = events.NewNATSSink(cfg.NATSURL, cfg.EventSubjectPrefix)
		if err != nil {
			log.Fatalf("connecting event sink: %v", err)
		}
	} else {
		sink = events.NewQueueSink(srv.QueueManager(), eventRef)
	}
	pub := events.NewPublisher(sink, "claimline")

	// --- Persona ---
	loader := persona.NewLoader(cfg.PersonaDir)
	if _, err := loader.LoadAll(); err != nil {
		log.Printf("warning: loading personas: %v", err)
	}
	go loader.WatchAndReload(ctx.Done())
	spec, ok := loader.Get(cfg.DefaultPersona)
	if !ok {
		spec = persona.Default()
	}

	// --- Claims store ---
	if cfg.ClaimsDatabaseURL == "" {
		log.Fatalf("CLAIMS_DATABASE_URL is required")
	}
	retriever, err := claims.NewPostgresRetriever(ctx, cfg.ClaimsDatabaseURL)
	if err != nil {
		log.Fatalf("connecting claims store: %v", err)
	}
	defer retriever.Close()

	// --- Understanding and generation ---
	client := llm.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	extractor := understand.NewLLMExtractor(client, 0)
	generator := generate.NewLLMGenerator(client, 0)

	// --- Synthesis ---
	synthesizer, err := elevenlabs.New(elevenlabs.Config{
		APIKey:  cfg.ElevenLabsAPIKey,
		VoiceID: spec.VoiceID,
	})
	if err != nil {
		log.Fatalf("configuring synthesizer: %v", err)
	}

	// --- Transcription ---
	connect := func(ctx context.Context) (transcribe.Source, error) {
		return deepgram.Connect(ctx, deepgram.Config{
			APIKey: cfg.DeepgramAPIKey,
			Model:  cfg.DeepgramModel,
		})
	}

	// --- Call history ---
	repo := history.NewRepository(
		srv.DatastoreManager().GetPool(ctx, "__default__pool_name__"),
	)
	if err := repo.Migrate(ctx); err != nil {
		log.Printf("warning: migrating history tables: %v", err)
	}

	// --- Orchestration ---
	registry := session.NewRegistry()
	mgr := session.NewManager(session.Config{
		Publisher:        pub,
		Connect:          connect,
		Extractor:        extractor,
		Retriever:        retriever,
		Generator:        generator,
		Synthesizer:      synthesizer,
		Persona:          spec,
		Store:            repo,
		Pool:             pool,
		BufferFrames:     cfg.AudioBufferFrames,
		ReconnectBackoff: time.Duration(cfg.ReconnectBackoffMs) * time.Millisecond,
		SynthBackoff:     time.Duration(cfg.SynthBackoffMs) * time.Millisecond,
	}, registry)

	// --- HTTP surfaces ---
	apiSrv := api.NewServer(registry, repo, pub)
	apiSrv.MountMediaStream(telephony.NewHandler(mgr))

	srv.Init(ctx,
		frame.WithRegisterSubscriber(eventRef+".monitor", eventURL, &events.Subscriber{Publisher: pub}),
		frame.WithHTTPHandler(apiSrv.Handler()),
	)

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
