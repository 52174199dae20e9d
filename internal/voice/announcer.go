// Package voice narrates a session's event stream through the ElevenLabs
// text-to-speech API. The announcer is a session observer: it tails the bus
// and speaks the milestones an operator cares about while away from the
// screen.
package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
	"github.com/xkilldash9x/greyhat-cli/internal/eventbus"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink receives synthesized audio. The default sink writes each clip to a
// temp file; tests and alternative players inject their own.
type Sink func(audio []byte) error

// Announcer converts session milestones into speech.
type Announcer struct {
	logger *zap.Logger
	cfg    config.VoiceConfig
	client *http.Client
	sink   Sink
}

// Option customizes the announcer.
type Option func(*Announcer)

// WithSink replaces the audio destination.
func WithSink(sink Sink) Option {
	return func(a *Announcer) { a.sink = sink }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Announcer) { a.client = client }
}

// NewAnnouncer builds the announcer from config.
func NewAnnouncer(logger *zap.Logger, cfg config.VoiceConfig, opts ...Option) *Announcer {
	a := &Announcer{
		logger: logger.Named("voice"),
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		sink:   writeTempClip,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe tails the session stream until it closes, speaking the events worth
// announcing. Synthesis failures are logged and skipped so narration never
// stalls the session.
func (a *Announcer) Observe(ctx context.Context, sessionID string, sub *eventbus.Subscription) {
	logger := a.logger.With(zap.String("session_id", sessionID))
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			return
		}
		text := narrate(event)
		if text == "" {
			continue
		}
		if err := a.Speak(ctx, text); err != nil {
			logger.Warn("Speech synthesis failed", zap.Error(err))
		}
	}
}

// narrate maps an event to spoken text; empty means stay quiet.
func narrate(event schemas.Event) string {
	switch p := event.Payload.(type) {
	case schemas.PhaseTransitionPayload:
		return fmt.Sprintf("Entering the %s phase.", p.To)
	case schemas.FindingRecordedPayload:
		return fmt.Sprintf("New %s severity finding: %s.", p.Finding.Severity, p.Finding.Title)
	case schemas.ConfirmationRequestedPayload:
		return "A destructive action is waiting for your confirmation."
	case schemas.SessionTerminatedPayload:
		if p.Status == schemas.StatusCompleted {
			return "Assessment complete."
		}
		return fmt.Sprintf("Session ended with status %s.", p.Status)
	default:
		return ""
	}
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Speak synthesizes the text and hands the audio to the sink. Transient API
// failures are retried with exponential backoff.
func (a *Announcer) Speak(ctx context.Context, text string) error {
	body, err := codec.Marshal(synthesisRequest{
		Text:          text,
		ModelID:       "eleven_turbo_v2",
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return fmt.Errorf("encode synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/%s", a.cfg.Endpoint, a.cfg.VoiceID)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	policy.MaxInterval = 5 * time.Second

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("xi-api-key", a.cfg.APIKey)
		req.Header.Set("Accept", "audio/mpeg")

		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("synthesis returned status %d", resp.StatusCode)
		default:
			io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(fmt.Errorf("synthesis returned status %d", resp.StatusCode))
		}

		audio, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read audio stream: %w", err)
		}
		if err := a.sink(audio); err != nil {
			return backoff.Permanent(fmt.Errorf("deliver audio: %w", err))
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func writeTempClip(audio []byte) error {
	f, err := os.CreateTemp("", "greyhat-voice-*.mp3")
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(audio)
	return err
}
