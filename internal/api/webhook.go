package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	businessAccountObject = "whatsapp_business_account"
	signatureHeader       = "X-Hub-Signature-256"
	eventReceived         = "EVENT_RECEIVED"
)

// webhookPayload is the subset of a Cloud API event the funnel reads.
type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	Messages []webhookMessage `json:"messages"`
	Statuses []webhookStatus  `json:"statuses"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

type webhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

// verifyHandler answers Meta's subscription handshake.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge")
	if mode == "" || token == "" || challenge == "" {
		s.logger.Warn("Server.verifyHandler: missing parameters", "mode", mode)
		writeText(w, http.StatusBadRequest, "missing parameters")
		return
	}
	if mode != "subscribe" || s.opts.VerifyToken == "" ||
		!hmac.Equal([]byte(token), []byte(s.opts.VerifyToken)) {
		s.logger.Warn("Server.verifyHandler: verification refused", "mode", mode)
		writeText(w, http.StatusForbidden, "forbidden")
		return
	}
	s.logger.Info("Server.verifyHandler: webhook verified")
	writeText(w, http.StatusOK, challenge)
}

// eventsHandler accepts a Cloud API event batch and submits each text message.
// It acknowledges before any message is processed.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.logger.Warn("Server.eventsHandler: body too large", "limit", MaxBodyBytes)
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Request body too large"))
			return
		}
		s.logger.Error("Server.eventsHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	if s.opts.AppSecret != "" && !validSignature(s.opts.AppSecret, body, r.Header.Get(signatureHeader)) {
		s.logger.Warn("Server.eventsHandler: invalid signature")
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid signature"))
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warn("Server.eventsHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if payload.Object != businessAccountObject || len(payload.Entry) == 0 {
		s.logger.Warn("Server.eventsHandler: unexpected payload", "object", payload.Object, "entries", len(payload.Entry))
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unexpected webhook payload"))
		return
	}

	submitted := 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				s.logger.Debug("Server.eventsHandler: status update", "id", st.ID, "status", st.Status)
			}
			for _, m := range change.Value.Messages {
				if m.Type != "text" || m.Text == nil {
					s.logger.Debug("Server.eventsHandler: ignoring non-text message", "id", m.ID, "type", m.Type)
					continue
				}
				s.submitter.Submit(r.Context(), models.Inbound{
					MessageID: m.ID,
					From:      m.From,
					Text:      m.Text.Body,
					Time:      parseUnix(m.Timestamp),
					Provider:  models.ProviderCloudAPI,
				})
				submitted++
			}
		}
	}
	s.logger.Debug("Server.eventsHandler: event accepted", "submitted", submitted)
	writeText(w, http.StatusOK, eventReceived)
}

// validSignature checks an "sha256=<hex>" HMAC of body keyed by secret.
func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func parseUnix(ts string) int64 {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().Unix()
	}
	return sec
}
