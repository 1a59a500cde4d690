package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			ServiceName: "whatsapp-llama4-bot",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Host:                     "0.0.0.0",
			Port:                     8080,
			ReadHeaderTimeoutSeconds: 10,
			ShutdownTimeoutSeconds:   10,
		},
		WhatsApp: WhatsAppConfig{
			GraphBase:   "https://graph.facebook.com/v20.0",
			VerifyToken: InsecureVerifyToken,
			WebhookPath: "/webhook",
		},
		Agent: AgentConfig{
			TimeoutSeconds: 60,
		},
		Transcription: TranscriptionConfig{
			APIBase:        "https://api.groq.com/openai/v1",
			Model:          "whisper-large-v3",
			TimeoutSeconds: 120,
		},
		Process: ProcessConfig{
			Backend: "agent",
			APIBase: "https://api.groq.com/openai/v1",
			Model:   "llama-3.1-8b-instant",
		},
		Dispatch: DispatchConfig{
			Workers:             4,
			QueueSize:           256,
			EnqueueTimeoutMs:    2000,
			DrainTimeoutSeconds: 30,
		},
		Events: EventsConfig{
			Enabled:       false,
			Exchange:      "warelay.events",
			RoutingPrefix: "warelay",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
