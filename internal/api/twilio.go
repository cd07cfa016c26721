package api

import (
	"net/http"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	twilioSignatureHeader = "X-Twilio-Signature"
	emptyTwiML            = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
)

// twilioHandler accepts Twilio's WhatsApp form posts. Replies are sent through
// the REST API, so the TwiML response is always empty.
func (s *Server) twilioHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.logger.Warn("Server.twilioHandler: invalid form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}

	if s.twilioValidator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.twilioValidator.Validate(s.opts.TwilioURL, params, r.Header.Get(twilioSignatureHeader)) {
			s.logger.Warn("Server.twilioHandler: invalid signature")
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
			return
		}
	}

	from, body, sid := r.PostForm.Get("From"), r.PostForm.Get("Body"), r.PostForm.Get("MessageSid")
	if from == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing From"))
		return
	}
	if body == "" {
		s.logger.Debug("Server.twilioHandler: ignoring message without text", "sid", sid)
	} else {
		s.submitter.Submit(r.Context(), models.Inbound{
			MessageID: sid,
			From:      from,
			Text:      body,
			Time:      parseUnix(""),
			Provider:  models.ProviderTwilio,
		})
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		s.logger.Error("Server.twilioHandler: failed to write response", "error", err)
	}
}
