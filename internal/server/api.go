// ABOUTME: HTTP API for remote player control
// ABOUTME: Maps REST routes onto device commands and queries
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/orchestx/orchestx-bridge/internal/protocol"
	"github.com/orchestx/orchestx-bridge/internal/version"
)

// routes registers every HTTP handler
func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/get-remote-player-state", s.handleState)
	s.mux.HandleFunc("GET /api/get-remote-player-active-playlist", s.handlePlaylist)
	s.mux.HandleFunc("GET /api/toggle-remote-player", s.handleSimple(s.device.PlayPause))
	s.mux.HandleFunc("GET /api/next-remote-player", s.handleSimple(s.device.Next))
	s.mux.HandleFunc("GET /api/prev-remote-player", s.handleSimple(s.device.Prev))
	s.mux.HandleFunc("POST /api/play-item-remote-player", s.handleItem(s.device.PlayItem))
	s.mux.HandleFunc("POST /api/select-item-remote-player", s.handleItem(s.device.SelectItem))
	s.mux.HandleFunc("POST /api/load-playlist-remote-player", s.handleLoadPlaylist)
	s.mux.HandleFunc("POST /api/set-volume-remote-player", s.handleSetVolume)
	s.mux.HandleFunc("POST /api/set-view-mode-remote-player", s.handleSetViewMode)
	s.mux.HandleFunc("GET /api/presence", s.handlePresence)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET "+PushPath, s.broadcaster)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
}

// flexInt is an optional integer that accepts a JSON number or a numeric string
type flexInt struct {
	set   bool
	value int
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	raw = strings.Trim(raw, `"`)
	if raw == "" {
		return nil
	}

	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return fmt.Errorf("not a number: %s", data)
	}
	f.set = true
	f.value = protocol.SaturateInt(n)
	return nil
}

type itemRequest struct {
	SongIndex flexInt `json:"songIndex"`
}

type loadPlaylistRequest struct {
	Path      string  `json:"path"`
	PlayIndex flexInt `json:"playIndex"`
}

type volumeRequest struct {
	Volume flexInt `json:"volume"`
}

type viewModeRequest struct {
	ViewMode flexInt `json:"viewMode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

var successResponse = map[string]bool{"success": true}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeBody reads a JSON request body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) deviceError(w http.ResponseWriter, op string, err error) {
	s.logger.Error().Err(err).Str("op", op).Msg("Device command failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.device.State(r.Context())
	if err != nil {
		s.deviceError(w, "state", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	playlist, err := s.device.Playlist(r.Context())
	if err != nil {
		s.deviceError(w, "playlist", err)
		return
	}
	writeJSON(w, http.StatusOK, playlist)
}

// handleSimple serves a command without arguments
func (s *Server) handleSimple(run func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := run(r.Context()); err != nil {
			s.deviceError(w, r.URL.Path, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse)
	}
}

// handleItem serves play-item and select-item
func (s *Server) handleItem(run func(ctx context.Context, index int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req itemRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !req.SongIndex.set {
			writeError(w, http.StatusBadRequest, "songIndex is required")
			return
		}

		if err := run(r.Context(), req.SongIndex.value); err != nil {
			s.deviceError(w, r.URL.Path, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// handleLoadPlaylist loads a playlist then starts the item the caller
// picked by position in the play order
func (s *Server) handleLoadPlaylist(w http.ResponseWriter, r *http.Request) {
	var req loadPlaylistRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	ctx := r.Context()
	if err := s.device.LoadPlaylist(ctx, req.Path); err != nil {
		s.deviceError(w, "load-playlist", err)
		return
	}

	playlist, err := s.device.Playlist(ctx)
	if err != nil {
		s.deviceError(w, "load-playlist", err)
		return
	}

	pos := -1
	if req.PlayIndex.set {
		pos = req.PlayIndex.value
	}
	item := playlist.ItemAt(pos)

	if err := s.device.PlayItem(ctx, item); err != nil {
		s.deviceError(w, "load-playlist", err)
		return
	}

	s.logger.Info().Str("path", req.Path).Int("item", item).Msg("Playlist loaded")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Volume.set {
		writeError(w, http.StatusBadRequest, "volume is required")
		return
	}

	if err := s.device.SetVolume(r.Context(), req.Volume.value); err != nil {
		s.deviceError(w, "set-volume", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse)
}

func (s *Server) handleSetViewMode(w http.ResponseWriter, r *http.Request) {
	var req viewModeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.ViewMode.set {
		writeError(w, http.StatusBadRequest, "viewMode is required")
		return
	}

	if err := s.device.SetViewMode(r.Context(), req.ViewMode.value); err != nil {
		s.deviceError(w, "set-view-mode", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		writeJSON(w, http.StatusOK, map[string]string{"state": "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.presence.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"clients": s.broadcaster.Count(),
	})
}

// handleIndex answers plain requests and hands WebSocket upgrades to the
// broadcaster
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.broadcaster.ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": version.Product})
}
