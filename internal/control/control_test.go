package control

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arborq/eventhandler/internal/auth"
	"github.com/arborq/eventhandler/internal/registry"
)

type fakeResettable struct {
	key   registry.Key
	count int
}

func (f *fakeResettable) Key() registry.Key { return f.key }
func (f *fakeResettable) Reset()            { f.count++ }

func makeToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","exp":%d,"iat":%d}`, subject, expires.Unix(), expires.Add(-time.Minute).Unix())
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	_, err := mac.Write([]byte(signingInput))
	require.NoError(t, err)
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}

func TestListHandlersRequiresAuthorisation(t *testing.T) {
	verifier, err := auth.NewHMACTokenVerifier("secret", time.Second)
	require.NoError(t, err)

	target := &fakeResettable{key: registry.Key{Application: "ledger", HandlerName: "projector"}}
	hs := NewHandlerSet(Options{Handlers: []Resettable{target}, Verifier: verifier})

	req := httptest.NewRequest(http.MethodGet, "/admin/handlers", nil)
	rec := httptest.NewRecorder()
	hs.ListHandlersHandler()(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResetHandlerTriggersTarget(t *testing.T) {
	verifier, err := auth.NewHMACTokenVerifier("secret", time.Second)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })
	token := makeToken(t, "secret", "operator", now.Add(time.Minute))

	target := &fakeResettable{key: registry.Key{Application: "ledger", HandlerName: "projector"}}
	feed := NewFeed(nil)
	hs := NewHandlerSet(Options{Handlers: []Resettable{target}, Verifier: verifier, Feed: feed})

	body := `{"application":"ledger","handler_name":"projector"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/handlers/reset", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	hs.ResetHandler()(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Equal(t, 1, target.count)
}

func TestRegistryStatusHandlerReportsSnapshot(t *testing.T) {
	verifier, err := auth.NewHMACTokenVerifier("secret", time.Second)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })
	token := makeToken(t, "secret", "operator", now.Add(time.Minute))

	reg := registry.New()
	key := registry.Key{Application: "ledger", HandlerName: "projector"}
	unregister := reg.Register(context.Background(), key, registry.Strong)
	defer unregister()
	reg.Ack(key, 5)

	hs := NewHandlerSet(Options{Registry: reg, Verifier: verifier})

	req := httptest.NewRequest(http.MethodGet, "/admin/registry", nil)
	req.Header.Set("X-Admin-Token", token)
	rec := httptest.NewRecorder()
	hs.RegistryStatusHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []registry.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	require.Equal(t, uint64(5), statuses[0].LastAck)
}
