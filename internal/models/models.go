package models

import "strings"

// Provider identifies the channel an inbound message arrived on.
type Provider string

const (
	ProviderCloudAPI  Provider = "cloudapi"
	ProviderTwilio    Provider = "twilio"
	ProviderWhatsmeow Provider = "whatsmeow"
	ProviderCLI       Provider = "cli"
)

// Inbound is a text message extracted from a provider payload.
type Inbound struct {
	MessageID string   `json:"message_id,omitempty"`
	From      string   `json:"from"`
	Text      string   `json:"text"`
	Time      int64    `json:"time,omitempty"`
	Provider  Provider `json:"provider"`
}

// CanonicalPhone reduces a provider address ("whatsapp:+55 11 9...",
// "5511...@s.whatsapp.net") to its digits, the form used as session id.
func CanonicalPhone(addr string) string {
	addr = strings.TrimPrefix(strings.TrimSpace(addr), "whatsapp:")
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		// device suffix on a JID user part
		addr = addr[:i]
	}
	var b strings.Builder
	for _, r := range addr {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// APIStatus is the status field of an APIResponse.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
