// Package devstub is a local stand-in for the concierge backend. It
// implements the documented wire surface — chat generation, uploads, booking
// payment, and the order-service WebSocket — with scripted replies so the
// client can be developed and demoed offline.
package devstub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

// Server serves the stub backend.
type Server struct {
	mu     sync.Mutex
	orders map[string]int // sessionID -> scripted step
}

// New creates a stub server.
func New() *Server {
	return &Server{orders: make(map[string]int)}
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	// Warmup probe target.
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/chatbot/generate-response", s.handleGenerate)
	r.Post("/chatbot/upload-passport", s.handleUploadPassport)
	r.Post("/chatbot/upload-audio", s.handleUploadAudio)
	r.Post("/chatbot/create-booking-payment", s.handleBooking)
	r.Post("/chatbot/start-order", s.handleStartOrder)
	r.Get("/ws/{sessionID}", s.handleWS)

	return r
}

type generateRequest struct {
	Query     string `json:"query"`
	ChatType  string `json:"chat_type"`
	Language  string `json:"language"`
	VillaCode string `json:"villa_code"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("user_id") == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "user_id is required"})
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed request body"})
		return
	}

	reply := cannedReply(req.ChatType, req.Query)
	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}

func cannedReply(chatType, query string) string {
	greetings := map[string]string{
		"what-to-do":           "Today in Bali: sunrise at Mount Batur, the Tegalalang rice terraces, and a beach club in Canggu. What sounds good?",
		"currency-converter":   "Tell me an amount and currency, for example \"100 USD to IDR\".",
		"plan-my-trip":         "Let's plan your trip! How many days are you staying?",
		"things-to-do-in-bali": "Temples, waterfalls, surfing, or food tours — what are you in the mood for?",
		"voice-translator":     "Say or type a phrase and I will translate it.",
		"passport-submission":  "Please attach a photo of your passport's data page.",
	}

	if strings.EqualFold(strings.TrimSpace(query), "hi") {
		if g, ok := greetings[chatType]; ok {
			return g
		}
		return "Hello! How can I help you today?"
	}
	return fmt.Sprintf("(%s) You said: %s", chatType, query)
}

func (s *Server) handleUploadPassport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"detail": "file too large"})
		return
	}
	if r.FormValue("user_id") == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "user_id is required"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "file field is required"})
		return
	}
	defer func() { _ = file.Close() }()

	writeJSON(w, http.StatusOK, map[string]string{
		"response": fmt.Sprintf("Passport %q received and queued for verification.", header.Filename),
	})
}

func (s *Server) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"detail": "file too large"})
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "file field is required"})
		return
	}
	defer func() { _ = file.Close() }()

	writeJSON(w, http.StatusOK, map[string]string{"response": "what to do today"})
}

func (s *Server) handleBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Title  string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "user_id is required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"response": fmt.Sprintf("Booking confirmed! Pay here: [link](https://checkout.example.com/%s)", uuid.NewString()),
	})
}

// handleStartOrder mints the server-issued session id that drives the duplex
// order flow.
func (s *Server) handleStartOrder(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()
	s.mu.Lock()
	s.orders[sessionID] = 0
	s.mu.Unlock()

	slog.Info("Order session created", "session_id", sessionID)
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"message":    "Welcome to order services! Tell me what you need.",
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	slog.Info("WebSocket connection request", "session_id", sessionID, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx := r.Context()
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var frame struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != "user_message" {
			continue
		}

		reply := s.orderReply(sessionID, frame.Message)
		if err := writeFrame(ctx, ws, reply); err != nil {
			slog.Warn("WebSocket write error", "error", err, "session_id", sessionID)
			return
		}
		if reply["type"] == "destroy" {
			return
		}
	}
}

// orderReply walks a short scripted order flow: service catalogue, booking
// confirmation, then a teardown signal once the guest is done.
func (s *Server) orderReply(sessionID, input string) map[string]string {
	if strings.EqualFold(strings.TrimSpace(input), "done") {
		s.mu.Lock()
		delete(s.orders, sessionID)
		s.mu.Unlock()
		return map[string]string{"type": "destroy"}
	}

	s.mu.Lock()
	step := s.orders[sessionID]
	s.orders[sessionID] = step + 1
	s.mu.Unlock()

	switch step {
	case 0:
		return map[string]string{
			"type": "text",
			"message": `SERVICES_DATA|{"message":"Here is what I can arrange:","options":[` +
				`{"id":"spa-1","title":"In-villa spa","description":"90 minute massage","price":"450000"},` +
				`{"id":"bike-1","title":"Scooter rental","description":"Per day","price":"120000"}]}`,
		}
	case 1:
		return map[string]string{
			"type":    "text",
			"message": "Great choice! Reply \"done\" when you are finished ordering.",
		}
	default:
		return map[string]string{
			"type":    "text",
			"message": "Anything else? Reply \"done\" to finish.",
		}
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, v map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
