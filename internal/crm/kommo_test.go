package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
)

type recorded struct {
	path string
	auth string
	body map[string]any
}

func kommoServer(t *testing.T, contactsStatus int, leadsBody string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		calls = append(calls, recorded{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body})
		switch r.URL.Path {
		case "/api/v4/contacts":
			w.WriteHeader(contactsStatus)
			_, _ = w.Write([]byte(`{"_embedded":{"contacts":[{"id":901}]}}`))
		case "/api/v4/leads":
			_, _ = w.Write([]byte(leadsBody))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func completedSession() *models.Session {
	return testutil.Session("5511999990000", models.StateCompleted)
}

func TestSyncLeadCreatesContactThenLead(t *testing.T) {
	srv, calls := kommoServer(t, http.StatusOK, `{"_embedded":{"leads":[{"id":77}]}}`)
	c, err := NewKommoClient(
		WithAccount("acme", "tok"),
		WithBaseURL(srv.URL),
		WithFieldIDs(FieldIDs{Phone: 11, Email: 12, Instagram: 13}),
		WithLeadPrefix("Evento"),
	)
	require.NoError(t, err)

	require.NoError(t, c.SyncLead(context.Background(), completedSession()))

	require.Len(t, *calls, 2)
	contactCall, leadCall := (*calls)[0], (*calls)[1]
	assert.Equal(t, "/api/v4/contacts", contactCall.path)
	assert.Equal(t, "Bearer tok", contactCall.auth)

	contacts := contactCall.body["add"].([]any)
	ct := contacts[0].(map[string]any)
	assert.Equal(t, "Ana Souza", ct["name"])
	fields := ct["custom_fields_values"].([]any)
	require.Len(t, fields, 3)
	phone := fields[0].(map[string]any)
	assert.Equal(t, float64(11), phone["field_id"])
	assert.Equal(t, "+5511999990000", phone["values"].([]any)[0].(map[string]any)["value"])
	insta := fields[2].(map[string]any)
	assert.Equal(t, "@ana.doces", insta["values"].([]any)[0].(map[string]any)["value"])

	l := leadCall.body["add"].([]any)[0].(map[string]any)
	assert.Equal(t, "Evento - Ana Souza", l["name"])
	assert.Equal(t, float64(DefaultStatusID), l["status_id"])
	linked := l["_embedded"].(map[string]any)["contacts"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(901), linked["id"])
}

func TestSyncLeadSkipsUnsetFields(t *testing.T) {
	srv, calls := kommoServer(t, http.StatusOK, `{"_embedded":{"leads":[{"id":1}]}}`)
	c, err := NewKommoClient(WithAccount("acme", "tok"), WithBaseURL(srv.URL), WithFieldIDs(FieldIDs{Phone: 11, Email: 12, Instagram: 13}))
	require.NoError(t, err)

	s := completedSession()
	s.Email = ""
	s.Handle = ""
	require.NoError(t, c.SyncLead(context.Background(), s))

	ct := (*calls)[0].body["add"].([]any)[0].(map[string]any)
	assert.Len(t, ct["custom_fields_values"].([]any), 1)
}

func TestSyncLeadContactError(t *testing.T) {
	srv, calls := kommoServer(t, http.StatusUnauthorized, "")
	c, err := NewKommoClient(WithAccount("acme", "bad"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	err = c.SyncLead(context.Background(), completedSession())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create contact")
	assert.Contains(t, err.Error(), "401")
	assert.Len(t, *calls, 1, "no lead without a contact")
}

func TestSyncLeadUnexpectedLeadResponse(t *testing.T) {
	srv, _ := kommoServer(t, http.StatusOK, `{}`)
	c, err := NewKommoClient(WithAccount("acme", "tok"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	assert.ErrorIs(t, c.SyncLead(context.Background(), completedSession()), ErrUnexpectedResponse)
}

func TestNewWithoutTokenIsDisabled(t *testing.T) {
	s, err := New(WithAccount("acme", ""))
	require.NoError(t, err)
	assert.IsType(t, Disabled{}, s)
	assert.NoError(t, s.SyncLead(context.Background(), completedSession()))
}

func TestNewWithTokenRequiresSubdomain(t *testing.T) {
	_, err := New(WithAccount("", "tok"))
	assert.ErrorIs(t, err, ErrNotConfigured)

	s, err := New(WithAccount("acme", "tok"))
	require.NoError(t, err)
	kc, ok := s.(*KommoClient)
	require.True(t, ok)
	assert.Equal(t, "https://acme.kommo.com", kc.opts.BaseURL)
}
