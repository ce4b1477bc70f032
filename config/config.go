package config

import (
	"github.com/pitabwire/frame/config"
)

// ServiceConfig holds configuration for the call orchestration
// service.
type ServiceConfig struct {
	config.ConfigurationDefault

	// Transcription.
	DeepgramAPIKey      string `envDefault:""                  env:"DEEPGRAM_API_KEY"`
	DeepgramModel       string `envDefault:"nova-2-phonecall"  env:"DEEPGRAM_MODEL"`
	AudioBufferFrames   int    `envDefault:"200"               env:"AUDIO_BUFFER_FRAMES"`
	ReconnectBackoffMs  int    `envDefault:"500"               env:"STT_RECONNECT_BACKOFF_MS"`

	// Understanding and generation.
	OpenAIAPIKey  string `envDefault:""                              env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `envDefault:"https://api.openai.com/v1"     env:"OPENAI_BASE_URL"`
	OpenAIModel   string `envDefault:"gpt-4o-mini"                   env:"OPENAI_MODEL"`

	// Synthesis.
	ElevenLabsAPIKey string `envDefault:""                env:"ELEVENLABS_API_KEY"`
	SynthBackoffMs   int    `envDefault:"200"             env:"SYNTH_RETRY_BACKOFF_MS"`

	// Claims store.
	ClaimsDatabaseURL string `envDefault:"" env:"CLAIMS_DATABASE_URL"`

	// Events.
	NATSURL            string `envDefault:""       env:"NATS_URL"`
	EventSubjectPrefix string `envDefault:"claimline" env:"EVENT_SUBJECT_PREFIX"`

	// Personas.
	PersonaDir     string `envDefault:"./personas"        env:"PERSONA_DIR"`
	DefaultPersona string `envDefault:"claims-assistant"  env:"DEFAULT_PERSONA"`

	// Worker pool for background persistence.
	WorkerPoolCount    int `envDefault:"4"   env:"WORKER_POOL_COUNT"`
	WorkerPoolCapacity int `envDefault:"100" env:"WORKER_POOL_CAPACITY"`
}
