package main

import (
	"time"

	"github.com/tutorvoice/engine/internal/env"
	"github.com/tutorvoice/engine/internal/pacer"
	"github.com/tutorvoice/engine/internal/strategiclog"
	"github.com/tutorvoice/engine/internal/vad"
)

type config struct {
	port               string
	modelURL           string
	modelToken         string
	maxConcurrent      int
	vadConfig          vad.Config
	pacerConfig        pacer.Config
	logConfig          strategiclog.Config
	handshakeTimeout   time.Duration
	maxSessionDuration time.Duration
	continuationLead   time.Duration
}

func loadConfig() config {
	vadCfg := vad.DefaultConfig()
	vadCfg.Threshold = env.Float("VAD_THRESHOLD", vadCfg.Threshold)
	vadCfg.InitialSilence = env.Duration("VAD_INITIAL_SILENCE", vadCfg.InitialSilence)
	vadCfg.InterUtteranceSilence = env.Duration("VAD_SILENCE_TIMEOUT", vadCfg.InterUtteranceSilence)

	pacerCfg := pacer.DefaultConfig()
	pacerCfg.TargetSamples = env.Int("PACER_TARGET_SAMPLES", pacerCfg.TargetSamples)

	logCfg := strategiclog.DefaultConfig()
	logCfg.BufferSize = env.Int("LOG_BUFFER_SIZE", logCfg.BufferSize)
	logCfg.FlushInterval = env.Duration("LOG_FLUSH_INTERVAL", logCfg.FlushInterval)

	return config{
		port:               env.Str("GATEWAY_PORT", "8000"),
		modelURL:           env.Str("VOICE_MODEL_URL", "wss://localhost:9443/v1/stream"),
		modelToken:         env.Str("VOICE_MODEL_TOKEN", ""),
		maxConcurrent:      env.Int("MAX_CONCURRENT_SESSIONS", 100),
		vadConfig:          vadCfg,
		pacerConfig:        pacerCfg,
		logConfig:          logCfg,
		handshakeTimeout:   env.Duration("MODEL_HANDSHAKE_TIMEOUT", 10*time.Second),
		maxSessionDuration: env.Duration("MAX_SESSION_DURATION", 8*time.Minute),
		continuationLead:   env.Duration("CONTINUATION_LEAD", 30*time.Second),
	}
}
