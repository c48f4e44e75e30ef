package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"llm-relay-bot/internal/replicate"
)

type postRequest struct {
	Message   string `json:"message"`
	ChannelID string `json:"channel_id,omitempty"`
}

type uptimeResponse struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUptime(w http.ResponseWriter, r *http.Request) {
	uptime := s.clock.Now().Sub(s.started)
	writeJSON(w, http.StatusOK, uptimeResponse{UptimeSeconds: int64(uptime.Seconds())})
}

// handlePrediction receives a Replicate prediction callback
func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	var prediction replicate.Prediction
	if err := json.NewDecoder(r.Body).Decode(&prediction); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	logger := s.logger.With("prediction_id", prediction.ID, "status", prediction.Status)

	text, ok := FormatPrediction(&prediction)
	if !ok {
		logger.Debug("Ignoring in-progress prediction update")
		w.WriteHeader(http.StatusOK)
		return
	}

	channelID := s.cfg.DefaultChannelID
	if s.routes != nil && prediction.ID != "" {
		routed, err := s.routes.Lookup(r.Context(), prediction.ID)
		if err != nil {
			logger.Warn("Failed to look up prediction route", "error", err)
		} else if routed != "" {
			channelID = routed
		}
	}

	if channelID == "" {
		logger.Warn("No channel to deliver prediction result")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.send(r.Context(), channelID, text); err != nil {
		logger.Error("Failed to deliver prediction result", "channel_id", channelID, "error", err)
	} else if s.routes != nil && prediction.ID != "" {
		if err := s.routes.Delete(r.Context(), prediction.ID); err != nil {
			logger.Warn("Failed to delete prediction route", "error", err)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// FormatPrediction renders a finished prediction. It returns false for
// predictions that are still running.
func FormatPrediction(p *replicate.Prediction) (string, bool) {
	switch p.Status {
	case replicate.StatusStarting, replicate.StatusProcessing:
		return "", false
	case replicate.StatusSucceeded:
		text := p.OutputText()
		if p.Input.Image != "" {
			text += "\nImage URL: " + p.Input.Image
		}
		return text, true
	default:
		return fmt.Sprintf("Prediction ID: %s\nStatus: %s", p.ID, p.Status), true
	}
}

func (s *Server) decodePost(w http.ResponseWriter, r *http.Request) (*postRequest, bool) {
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return nil, false
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return nil, false
	}
	if req.ChannelID == "" {
		req.ChannelID = s.cfg.DefaultChannelID
	}
	if req.ChannelID == "" {
		http.Error(w, "No channel configured", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// handlePost relays a message to the chat channel as-is
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePost(w, r)
	if !ok {
		return
	}

	if err := s.send(r.Context(), req.ChannelID, req.Message); err != nil {
		s.logger.Error("Failed to post message", "channel_id", req.ChannelID, "error", err)
		http.Error(w, "Failed to send message", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleSummariseThenPost summarises the message before relaying it
func (s *Server) handleSummariseThenPost(w http.ResponseWriter, r *http.Request) {
	if s.summarizer == nil {
		http.Error(w, "Summarisation is not configured", http.StatusServiceUnavailable)
		return
	}

	req, ok := s.decodePost(w, r)
	if !ok {
		return
	}

	summary, err := s.summarizer.Summarize(r.Context(), req.Message)
	if err != nil {
		s.logger.Error("Failed to summarise message", "error", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		http.Error(w, "Failed to generate summary", http.StatusInternalServerError)
		return
	}

	if err := s.send(r.Context(), req.ChannelID, summary); err != nil {
		s.logger.Error("Failed to post summary", "channel_id", req.ChannelID, "error", err)
		http.Error(w, "Failed to send message", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "summary": summary})
}

func (s *Server) send(ctx context.Context, channelID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return s.sender.SendMessageToChannel(ctx, channelID, text)
}
