package voice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
	"github.com/xkilldash9x/greyhat-cli/internal/eventbus"
)

type ttsServer struct {
	mu       sync.Mutex
	requests []string
	statuses []int
	calls    int
}

func (s *ttsServer) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(body, &req)

	s.mu.Lock()
	s.requests = append(s.requests, req.Text)
	status := http.StatusOK
	if s.calls < len(s.statuses) {
		status = s.statuses[s.calls]
	}
	s.calls++
	s.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	_, _ = w.Write([]byte("mp3-bytes"))
}

func (s *ttsServer) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func setupAnnouncer(t *testing.T, statuses ...int) (*Announcer, *ttsServer, *[][]byte) {
	t.Helper()
	tts := &ttsServer{statuses: statuses}
	srv := httptest.NewServer(http.HandlerFunc(tts.handler))
	t.Cleanup(srv.Close)

	var clips [][]byte
	var mu sync.Mutex
	sink := func(audio []byte) error {
		mu.Lock()
		defer mu.Unlock()
		clips = append(clips, audio)
		return nil
	}

	a := NewAnnouncer(zaptest.NewLogger(t), config.VoiceConfig{
		Enabled:  true,
		APIKey:   "test-key",
		VoiceID:  "voice-1",
		Endpoint: srv.URL,
	}, WithSink(sink))
	return a, tts, &clips
}

func TestNarrate(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		want    string
	}{
		{
			name:    "phase transition",
			payload: schemas.PhaseTransitionPayload{To: schemas.PhaseRecon},
			want:    "Entering the recon phase.",
		},
		{
			name: "finding",
			payload: schemas.FindingRecordedPayload{
				Finding: schemas.Finding{Severity: schemas.SeverityHigh, Title: "Exposed admin panel"},
			},
			want: "New high severity finding: Exposed admin panel.",
		},
		{
			name:    "confirmation request",
			payload: schemas.ConfirmationRequestedPayload{Token: "t-1"},
			want:    "A destructive action is waiting for your confirmation.",
		},
		{
			name:    "completed session",
			payload: schemas.SessionTerminatedPayload{Status: schemas.StatusCompleted},
			want:    "Assessment complete.",
		},
		{
			name:    "failed session",
			payload: schemas.SessionTerminatedPayload{Status: schemas.StatusFailed},
			want:    "Session ended with status failed.",
		},
		{
			name:    "reasoning stays quiet",
			payload: schemas.ReasoningStepPayload{Text: "thinking"},
			want:    "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, narrate(schemas.Event{Payload: tc.payload}))
		})
	}
}

func TestObserve_SpeaksMilestones(t *testing.T) {
	a, tts, clips := setupAnnouncer(t)

	bus := eventbus.New(zaptest.NewLogger(t), "session-1")
	bus.Publish(schemas.Event{
		Type:    schemas.EventPhaseTransition,
		Payload: schemas.PhaseTransitionPayload{To: schemas.PhaseRecon},
	})
	bus.Publish(schemas.Event{
		Type:    schemas.EventReasoningStep,
		Payload: schemas.ReasoningStepPayload{Text: "pondering"},
	})
	bus.Publish(schemas.Event{
		Type:    schemas.EventSessionTerminated,
		Payload: schemas.SessionTerminatedPayload{Status: schemas.StatusCompleted},
	})
	bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Observe(ctx, "session-1", bus.Subscribe(0))

	assert.Equal(t, []string{"Entering the recon phase.", "Assessment complete."}, tts.spoken())
	require.Len(t, *clips, 2)
	assert.Equal(t, []byte("mp3-bytes"), (*clips)[0])
}

func TestSpeak_RetriesTransientFailure(t *testing.T) {
	a, tts, clips := setupAnnouncer(t, http.StatusTooManyRequests, http.StatusOK)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Speak(ctx, "hello"))

	assert.GreaterOrEqual(t, tts.calls, 2)
	assert.Len(t, *clips, 1)
}

func TestSpeak_AuthFailureIsNotRetried(t *testing.T) {
	a, tts, clips := setupAnnouncer(t, http.StatusUnauthorized)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Speak(ctx, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	assert.Equal(t, 1, tts.calls)
	assert.Empty(t, *clips)
}
