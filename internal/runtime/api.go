package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/signstream/internal/history"
	"github.com/loqalabs/signstream/internal/presence"
	"github.com/loqalabs/signstream/internal/session"
	"github.com/loqalabs/signstream/internal/signs"
	"github.com/loqalabs/signstream/internal/speech"
)

type sessionControl interface {
	ID() string
	Snapshot(ctx context.Context) (session.Status, error)
	SetMode(ctx context.Context, mode session.Mode) (session.Status, error)
	AppendSpace(ctx context.Context) (session.Status, error)
	DeleteLast(ctx context.Context) (session.Status, error)
	Clear(ctx context.Context) (session.Status, error)
	Save(ctx context.Context) (history.Entry, error)
	Speak(ctx context.Context) error
	Settings(ctx context.Context) (session.Settings, error)
	UpdateSettings(ctx context.Context, s session.Settings) (session.Settings, error)
}

type historyStore interface {
	Save(ctx context.Context, e history.Entry) (history.Entry, error)
	List(ctx context.Context, limit int) ([]history.Entry, error)
}

type predictorDirectory interface {
	Nodes() []presence.Node
	PredictorAvailable() bool
}

type api struct {
	session    sessionControl
	history    historyStore
	predictors predictorDirectory
	signs      *signs.Library
	log        *slog.Logger
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type historyRequest struct {
	Mode    string `json:"mode"`
	Content string `json:"content"`
}

// settingsRequest updates only the fields that are present.
type settingsRequest struct {
	RecognitionSpeedMS *int     `json:"recognition_speed"`
	VoiceSpeed         *float64 `json:"voice_speed"`
}

type predictorsResponse struct {
	Available bool            `json:"available"`
	Nodes     []presence.Node `json:"nodes"`
}

type playbackResponse struct {
	Text       string       `json:"text"`
	IntervalMS int64        `json:"interval_ms"`
	Steps      []signs.Step `json:"steps"`
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sentence", a.handleSentence)
	mux.HandleFunc("POST /api/sentence/{action}", a.handleSentenceAction)
	mux.HandleFunc("POST /api/mode", a.handleMode)
	mux.HandleFunc("GET /api/settings", a.handleSettings)
	mux.HandleFunc("POST /api/settings", a.handleUpdateSettings)
	mux.HandleFunc("GET /api/history", a.handleListHistory)
	mux.HandleFunc("POST /api/history", a.handleSaveHistory)
	mux.HandleFunc("GET /api/signs/playback", a.handlePlayback)
	mux.HandleFunc("GET /api/signs/alphabet", a.handleAlphabet)
	mux.HandleFunc("GET /api/predictors", a.handlePredictors)
}

func (a *api) handleSentence(w http.ResponseWriter, r *http.Request) {
	st, err := a.session.Snapshot(r.Context())
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) handleSentenceAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		st  session.Status
		err error
	)
	switch r.PathValue("action") {
	case "space":
		st, err = a.session.AppendSpace(ctx)
	case "backspace":
		st, err = a.session.DeleteLast(ctx)
	case "clear":
		st, err = a.session.Clear(ctx)
	case "save":
		entry, err := a.session.Save(ctx)
		if err != nil {
			a.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
		return
	case "speak":
		if err := a.session.Speak(ctx); err != nil {
			a.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "speaking"})
		return
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	st, err := a.session.SetMode(r.Context(), session.Mode(req.Mode))
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) handleSettings(w http.ResponseWriter, r *http.Request) {
	s, err := a.session.Settings(r.Context())
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	ctx := r.Context()
	s, err := a.session.Settings(ctx)
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	if req.RecognitionSpeedMS != nil {
		s.RecognitionSpeedMS = *req.RecognitionSpeedMS
	}
	if req.VoiceSpeed != nil {
		s.VoiceSpeed = *req.VoiceSpeed
	}
	s, err = a.session.UpdateSettings(ctx, s)
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := a.history.List(r.Context(), limit)
	if err != nil {
		a.log.Warn("list history failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) handleSaveHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch req.Mode {
	case "", history.ModeSignToText, history.ModeTextToSign:
	default:
		writeError(w, http.StatusBadRequest, "unknown mode")
		return
	}
	entry, err := a.history.Save(r.Context(), history.Entry{
		SessionID: a.session.ID(),
		Mode:      req.Mode,
		Content:   req.Content,
	})
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *api) handlePlayback(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	writeJSON(w, http.StatusOK, playbackResponse{
		Text:       text,
		IntervalMS: a.signs.Interval().Milliseconds(),
		Steps:      a.signs.Steps(text),
	})
}

func (a *api) handleAlphabet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.signs.Alphabet())
}

func (a *api) handlePredictors(w http.ResponseWriter, _ *http.Request) {
	resp := predictorsResponse{Nodes: []presence.Node{}}
	if a.predictors != nil {
		resp.Available = a.predictors.PredictorAvailable()
		resp.Nodes = a.predictors.Nodes()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, history.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, "Empty")
	case errors.Is(err, session.ErrUnknownMode), errors.Is(err, session.ErrInvalidSettings):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, speech.ErrDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		a.log.Warn("request failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
