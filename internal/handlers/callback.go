package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const apiKeyHeader = "X-Api-Key"

// Resolver hands a token to whoever registered the request id.
type Resolver interface {
	Resolve(ctx context.Context, requestID, token string) bool
}

type CallbackHandler struct {
	resolver   Resolver
	apiKeyHash []byte
	logger     zerolog.Logger
}

// NewCallbackHandler expects a bcrypt hash of the shared key the encryption
// service presents. With no hash configured every callback is refused.
func NewCallbackHandler(resolver Resolver, apiKeyHash string, logger zerolog.Logger) *CallbackHandler {
	return &CallbackHandler{
		resolver:   resolver,
		apiKeyHash: []byte(apiKeyHash),
		logger:     logger.With().Str("component", "callback_handler").Logger(),
	}
}

type callbackRequest struct {
	RequestID string `json:"requestId"`
	Token     string `json:"token"`
}

type callbackResponse struct {
	Accepted bool `json:"accepted"`
}

func (h *CallbackHandler) EncryptionCallback(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(apiKeyHeader)
	if len(h.apiKeyHash) == 0 || key == "" || bcrypt.CompareHashAndPassword(h.apiKeyHash, []byte(key)) != nil {
		h.logger.Warn().Str("remote", r.RemoteAddr).Msg("callback with missing or invalid api key")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Token = strings.TrimSpace(req.Token)
	if req.RequestID == "" || req.Token == "" {
		http.Error(w, "requestId and token are required", http.StatusBadRequest)
		return
	}

	accepted := h.resolver.Resolve(r.Context(), req.RequestID, req.Token)
	writeJSON(w, http.StatusOK, callbackResponse{Accepted: accepted})
}
