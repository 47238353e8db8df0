// Package httpapi exposes the node's ingress surfaces: the /didcomm POST
// endpoint, a WebSocket feed, and the JWT-authenticated pickup endpoint for
// return-path deliveries.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/tap-rsvp/tap-go/pkg/didcomm"
	"github.com/tap-rsvp/tap-go/pkg/node"
	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// statusBody is the uniform response envelope.
type statusBody struct {
	Status string       `json:"status"`
	Error  *errorDetail `json:"error,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server serves the node's HTTP surface.
type Server struct {
	node    *node.Node
	logger  *slog.Logger
	limiter *rate.Limiter
	mux     *http.ServeMux
}

// NewServer builds the handler tree. rps caps ingress; zero disables the
// limiter.
func NewServer(n *node.Node, rps float64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{node: n, logger: logger, mux: http.NewServeMux()}
	if rps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)*2+1)
	}
	s.mux.HandleFunc("POST /didcomm", s.handleDIDComm)
	s.mux.HandleFunc("GET /didcomm/ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /pickup", s.handlePickup)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler with the rate limit applied.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

// handleDIDComm ingests one envelope. Framing errors are 4xx; application
// errors ride inside a 200 body.
func (s *Server) handleDIDComm(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if _, ok := didcomm.ModeForContentType(ct); !ok {
		writeJSON(w, http.StatusUnsupportedMediaType, statusBody{
			Status: "error",
			Error:  &errorDetail{Code: "unsupported_media_type", Message: "Content-Type must be a DIDComm media type"},
		})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil || len(raw) == 0 {
		writeJSON(w, http.StatusBadRequest, statusBody{
			Status: "error",
			Error:  &errorDetail{Code: "bad_request", Message: "empty or unreadable body"},
		})
		return
	}

	agentDID, err := s.inboundAgent(raw)
	if err != nil {
		s.respondAppError(w, err)
		return
	}

	if err := s.node.Deliver(r.Context(), agentDID, raw, storage.SourceTypeHTTPS, r.RemoteAddr); err != nil {
		s.respondAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

// respondAppError maps processing failures onto the 200-with-error-body
// contract.
func (s *Server) respondAppError(w http.ResponseWriter, err error) {
	kind := taperr.KindOf(err)
	code := string(kind)
	if code == "" {
		code = "internal"
	}
	var te *taperr.Error
	msg := err.Error()
	if errors.As(err, &te) {
		msg = te.Msg
	}
	writeJSON(w, http.StatusOK, statusBody{
		Status: "error",
		Error:  &errorDetail{Code: code, Message: msg},
	})
}

// inboundAgent finds the local agent an envelope addresses: the recipient
// kid of a JWE, or the `to` header of a signed/plain payload.
func (s *Server) inboundAgent(raw []byte) (string, error) {
	mode, err := didcomm.DetectMode(raw)
	if err != nil {
		return "", err
	}

	switch mode {
	case didcomm.ModeEncrypted:
		var env struct {
			Recipients []struct {
				Header struct {
					Kid string `json:"kid"`
				} `json:"header"`
			} `json:"recipients"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return "", taperr.Wrap(taperr.KindMalformed, err, "parse jwe recipients")
		}
		for _, rcpt := range env.Recipients {
			didStr := baseDID(rcpt.Header.Kid)
			if _, ok := s.node.Agent(didStr); ok {
				return didStr, nil
			}
		}
	case didcomm.ModeSigned:
		var env struct {
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return "", taperr.Wrap(taperr.KindMalformed, err, "parse jws")
		}
		payload, err := b64Decode(env.Payload)
		if err != nil {
			return "", taperr.Wrap(taperr.KindMalformed, err, "decode jws payload")
		}
		return s.agentFromTo(payload)
	case didcomm.ModePlain:
		return s.agentFromTo(raw)
	}
	return "", taperr.New(taperr.KindUnknownKey, "no local agent is addressed by this envelope")
}

func (s *Server) agentFromTo(payload []byte) (string, error) {
	var plain struct {
		To []string `json:"to"`
	}
	if err := json.Unmarshal(payload, &plain); err != nil {
		return "", taperr.Wrap(taperr.KindMalformed, err, "parse message recipients")
	}
	for _, to := range plain.To {
		if _, ok := s.node.Agent(to); ok {
			return to, nil
		}
	}
	return "", taperr.New(taperr.KindUnknownKey, "no local agent is addressed by this envelope")
}

// handlePickup serves return-path deliveries to an authenticated caller.
func (s *Server) handlePickup(w http.ResponseWriter, r *http.Request) {
	callerDID, err := s.authenticatePickup(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var envelopes []json.RawMessage
	for _, agentDID := range s.node.Agents() {
		agent, ok := s.node.Agent(agentDID)
		if !ok {
			continue
		}
		rows, err := agent.Store.ClaimPendingDeliveries(r.Context(), 100)
		if err != nil {
			s.logger.Error("pickup: claim failed", "agent", agentDID, "error", err)
			continue
		}
		for _, d := range rows {
			if d.RecipientDID != callerDID ||
				(d.DeliveryType != storage.DeliveryTypePickup && d.DeliveryType != storage.DeliveryTypeReturnPath) {
				continue
			}
			envelopes = append(envelopes, json.RawMessage(d.MessageText))
			if err := agent.Store.UpdateDeliveryResult(r.Context(), d.ID, storage.DeliveryStatusSuccess, 0, ""); err != nil {
				s.logger.Error("pickup: mark delivered failed", "delivery_id", d.ID, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": envelopes})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
