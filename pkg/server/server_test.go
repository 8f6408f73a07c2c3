package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benamails/stravagptfaby/pkg/apptoken"
	"github.com/benamails/stravagptfaby/pkg/config"
	"github.com/benamails/stravagptfaby/pkg/core"
	"github.com/benamails/stravagptfaby/pkg/oauthflow"
	"github.com/benamails/stravagptfaby/pkg/store"
	"github.com/benamails/stravagptfaby/pkg/strava"
	"github.com/benamails/stravagptfaby/pkg/tokens"

	"github.com/gin-gonic/gin"
)

const (
	testJWTSecret   = "test-secret-at-least-16-bytes"
	trustedRedirect = "https://chatgpt.com/aip/g-1/oauth/callback"
	providerAccess  = "provider_access_1"
	providerRefresh = "provider_refresh_1"
	testAthleteID   = int64(42)
	validCode       = "good-code"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stravaStub plays Strava: the token endpoint and the v3 API.
type stravaStub struct {
	server     *httptest.Server
	tokenCalls atomic.Int32
	apiCalls   atomic.Int32
}

func newStravaStub(t *testing.T) *stravaStub {
	t.Helper()
	stub := &stravaStub{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		stub.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if r.PostForm.Get("code") != validCode && r.PostForm.Get("grant_type") == "authorization_code" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"message":"Bad Request","errors":[{"field":"code","code":"invalid"}]}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(strava.TokenResponse{
			TokenType:    "Bearer",
			AccessToken:  providerAccess,
			RefreshToken: providerRefresh,
			ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
			Athlete:      &strava.Athlete{ID: testAthleteID, Firstname: "Jo"},
		})
	})
	mux.HandleFunc("GET /api/v3/athlete/activities", func(w http.ResponseWriter, r *http.Request) {
		stub.apiCalls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer "+providerAccess {
			t.Errorf("Authorization = %q, want Bearer %s", got, providerAccess)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":1,"name":"Morning Run","start_date_local":"2024-03-15T07:30:00Z","distance":10000,"moving_time":3600,"elapsed_time":3700,"type":"Run","suffer_score":80}]`)
	})
	mux.HandleFunc("GET /api/v3/activities/987", func(w http.ResponseWriter, r *http.Request) {
		stub.apiCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":987,"name":"Tempo Intervals","start_date_local":"2024-03-16T18:00:00Z","distance":12000,"moving_time":2400}`)
	})
	mux.HandleFunc("GET /api/v3/athlete", func(w http.ResponseWriter, r *http.Request) {
		stub.apiCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":42,"username":"jo","firstname":"Jo","city":"Lyon"}`)
	})

	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)
	return stub
}

// spyStore counts state writes so tests can assert nothing was persisted.
type spyStore struct {
	core.Store
	mu         sync.Mutex
	stateSaves int
}

func (s *spyStore) SaveState(ctx context.Context, record *core.OAuthStateRecord, ttl time.Duration) error {
	s.mu.Lock()
	s.stateSaves++
	s.mu.Unlock()
	return s.Store.SaveState(ctx, record, ttl)
}

func (s *spyStore) stateSaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateSaves
}

type testEnv struct {
	router *gin.Engine
	kv     *spyStore
	stub   *stravaStub
	issuer *apptoken.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	stub := newStravaStub(t)
	kv := &spyStore{Store: store.NewMemoryStore()}

	cfg := &config.Config{
		Env:                "test",
		Addr:               ":0",
		AppURL:             "https://bridge.example.com",
		RedirectPath:       "/callback",
		StravaClientID:     "12345",
		StravaClientSecret: "shhh",
		StravaScope:        "read,activity:read_all",
		JWTSecret:          testJWTSecret,
		StoreType:          "memory",
		TokenTTLSeconds:    3600,
	}

	stravaClient := strava.NewClient(strava.ClientConfig{
		ClientID:     cfg.StravaClientID,
		ClientSecret: cfg.StravaClientSecret,
		RedirectURI:  cfg.RedirectURI(),
		Scope:        cfg.StravaScope,
		OAuthBase:    stub.server.URL + "/oauth",
		APIBase:      stub.server.URL + "/api/v3",
	})

	issuer := apptoken.NewIssuer(cfg.JWTSecret)
	srv := New(
		cfg,
		kv,
		stravaClient,
		oauthflow.NewStateManager(kv),
		oauthflow.NewCodeBroker(kv),
		tokens.NewManager(kv, stravaClient, time.Hour),
		issuer,
	)

	return &testEnv{
		router: srv.Router(),
		kv:     kv,
		stub:   stub,
		issuer: issuer,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return body
}

// authorize runs the authorize leg and returns the state forwarded to Strava.
func (e *testEnv) authorize(t *testing.T, toolState, userID string) string {
	t.Helper()

	q := url.Values{"redirect_uri": {trustedRedirect}}
	if toolState != "" {
		q.Set("state", toolState)
	}
	if userID != "" {
		q.Set("user_id", userID)
	}
	w := e.do(httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
	if w.Code != http.StatusFound {
		t.Fatalf("GET /authorize status = %d, body %s", w.Code, w.Body.String())
	}

	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("authorize Location unparseable: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("authorize redirect carries no state")
	}
	return state
}

func TestServer_Ping(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /ping status = %d", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id header not set")
	}
}

func TestServer_Authorize_RedirectsToStrava(t *testing.T) {
	env := newTestEnv(t)

	q := url.Values{
		"redirect_uri": {trustedRedirect},
		"state":        {"tool-state-1"},
		"user_id":      {"user-1"},
	}
	w := env.do(httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
	if w.Code != http.StatusFound {
		t.Fatalf("GET /authorize status = %d, body %s", w.Code, w.Body.String())
	}

	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location unparseable: %v", err)
	}
	if !strings.HasSuffix(loc.Path, "/oauth/authorize") {
		t.Errorf("Location path = %q, want .../oauth/authorize", loc.Path)
	}
	lq := loc.Query()
	if lq.Get("client_id") != "12345" {
		t.Errorf("client_id = %q", lq.Get("client_id"))
	}
	if lq.Get("redirect_uri") != "https://bridge.example.com/callback" {
		t.Errorf("redirect_uri = %q", lq.Get("redirect_uri"))
	}

	// The persisted record carries the tool's return address and echo state.
	record, err := env.kv.TakeState(context.Background(), lq.Get("state"))
	if err != nil {
		t.Fatalf("TakeState() error = %v", err)
	}
	if record.ToolRedirectURI != trustedRedirect || record.ToolState != "tool-state-1" || record.UserID != "user-1" {
		t.Errorf("state record = %+v", record)
	}
}

func TestServer_Authorize_MissingRedirect(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/authorize", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeJSON(t, w); body["error"] != "invalid_request" {
		t.Errorf("error = %v, want invalid_request", body["error"])
	}
}

func TestServer_Authorize_UntrustedRedirect(t *testing.T) {
	env := newTestEnv(t)

	q := url.Values{"redirect_uri": {"https://evil.example.com/oauth/callback"}}
	w := env.do(httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeJSON(t, w); body["error"] != "untrusted_redirect" {
		t.Errorf("error = %v, want untrusted_redirect", body["error"])
	}
	// Rejected before anything touches the store.
	if env.kv.stateSaveCount() != 0 {
		t.Errorf("state saves = %d, want 0", env.kv.stateSaveCount())
	}
}

func TestServer_FullFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Leg 1: the tool sends the user to /authorize.
	state := env.authorize(t, "tool-xyz", "user-1")

	// Leg 2: Strava calls back with code and state.
	q := url.Values{"code": {validCode}, "state": {state}}
	w := env.do(httptest.NewRequest(http.MethodGet, "/callback?"+q.Encode(), nil))
	if w.Code != http.StatusFound {
		t.Fatalf("GET /callback status = %d, body %s", w.Code, w.Body.String())
	}

	back, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("callback Location unparseable: %v", err)
	}
	if back.Host != "chatgpt.com" || back.Path != "/aip/g-1/oauth/callback" {
		t.Errorf("return address = %s%s, want the tool callback", back.Host, back.Path)
	}
	otc := back.Query().Get("code")
	if otc == "" {
		t.Fatal("return URL carries no one-time code")
	}
	if back.Query().Get("state") != "tool-xyz" {
		t.Errorf("echoed state = %q, want tool-xyz", back.Query().Get("state"))
	}

	// Provider tokens were persisted for the athlete.
	saved, err := env.kv.GetTokens(ctx, testAthleteID)
	if err != nil {
		t.Fatalf("GetTokens() error = %v", err)
	}
	if saved.AccessToken != providerAccess || saved.RefreshToken != providerRefresh {
		t.Errorf("persisted tokens = %+v", saved)
	}

	// The user hint was linked to the athlete.
	linked, err := env.kv.GetAthleteIndex(ctx, "user-1")
	if err != nil || linked != testAthleteID {
		t.Errorf("GetAthleteIndex() = %v, %v, want %d", linked, err, testAthleteID)
	}

	// Leg 3: the tool trades the one-time code for an application token.
	form := url.Values{"code": {otc}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /token status = %d, body %s", w.Code, w.Body.String())
	}

	body := decodeJSON(t, w)
	accessToken, _ := body["access_token"].(string)
	if accessToken == "" {
		t.Fatal("token response carries no access_token")
	}
	if body["token_type"] != "bearer" {
		t.Errorf("token_type = %v, want bearer", body["token_type"])
	}
	if int64(body["expires_in"].(float64)) != int64(apptoken.Lifetime.Seconds()) {
		t.Errorf("expires_in = %v, want %v", body["expires_in"], apptoken.Lifetime.Seconds())
	}

	// The one-time code is single use.
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = env.do(req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("repeated POST /token status = %d, want 400", w.Code)
	}
	if body := decodeJSON(t, w); body["error"] != "invalid_grant" {
		t.Errorf("error = %v, want invalid_grant", body["error"])
	}

	// Leg 4: the bearer token reaches Strava data.
	req = httptest.NewRequest(http.MethodGet, "/activities", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	w = env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /activities status = %d, body %s", w.Code, w.Body.String())
	}
	var listRes struct {
		OK   bool                        `json:"ok"`
		Data []strava.NormalizedActivity `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listRes); err != nil {
		t.Fatalf("invalid activities response: %v", err)
	}
	if !listRes.OK || len(listRes.Data) != 1 {
		t.Fatalf("activities response = %+v", listRes)
	}
	if listRes.Data[0].Name != "Morning Run" || listRes.Data[0].DistanceKm != 10 {
		t.Errorf("normalized activity = %+v", listRes.Data[0])
	}

	// Single activity and athlete profile ride on the same bearer.
	req = httptest.NewRequest(http.MethodGet, "/activities/987", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if w = env.do(req); w.Code != http.StatusOK {
		t.Errorf("GET /activities/987 status = %d, body %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/athlete", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if w = env.do(req); w.Code != http.StatusOK {
		t.Errorf("GET /athlete status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestServer_Callback_ProviderError(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/callback?error=access_denied", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeJSON(t, w); body["error"] != "access_denied" {
		t.Errorf("error = %v, want access_denied", body["error"])
	}
}

func TestServer_Callback_UnknownState(t *testing.T) {
	env := newTestEnv(t)

	q := url.Values{"code": {validCode}, "state": {"never-issued"}}
	w := env.do(httptest.NewRequest(http.MethodGet, "/callback?"+q.Encode(), nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeJSON(t, w); body["error"] != "invalid_state" {
		t.Errorf("error = %v, want invalid_state", body["error"])
	}
	// The code was never exchanged.
	if env.stub.tokenCalls.Load() != 0 {
		t.Errorf("token calls = %d, want 0", env.stub.tokenCalls.Load())
	}
}

func TestServer_Callback_ReusedState(t *testing.T) {
	env := newTestEnv(t)

	state := env.authorize(t, "", "")
	q := url.Values{"code": {validCode}, "state": {state}}

	if w := env.do(httptest.NewRequest(http.MethodGet, "/callback?"+q.Encode(), nil)); w.Code != http.StatusFound {
		t.Fatalf("first callback status = %d", w.Code)
	}

	w := env.do(httptest.NewRequest(http.MethodGet, "/callback?"+q.Encode(), nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("replayed callback status = %d, want 400", w.Code)
	}
	if body := decodeJSON(t, w); body["error"] != "invalid_state" {
		t.Errorf("error = %v, want invalid_state", body["error"])
	}
}

func TestServer_Callback_ExchangeFailure(t *testing.T) {
	env := newTestEnv(t)

	state := env.authorize(t, "", "")
	q := url.Values{"code": {"bad-code"}, "state": {state}}
	w := env.do(httptest.NewRequest(http.MethodGet, "/callback?"+q.Encode(), nil))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	body := decodeJSON(t, w)
	if body["error"] != "strava_exchange_failed" {
		t.Errorf("error = %v, want strava_exchange_failed", body["error"])
	}
	// The provider response body stays out of the client-facing payload.
	if strings.Contains(w.Body.String(), "Bad Request") {
		t.Error("provider error body leaked into the response")
	}
}

func TestServer_Token_MissingCode(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/token", nil)
	w := env.do(req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeJSON(t, w); body["error"] != "invalid_request" {
		t.Errorf("error = %v, want invalid_request", body["error"])
	}
}

func TestServer_Token_AcceptsJSONBody(t *testing.T) {
	env := newTestEnv(t)

	state := env.authorize(t, "", "")
	q := url.Values{"code": {validCode}, "state": {state}}
	w := env.do(httptest.NewRequest(http.MethodGet, "/callback?"+q.Encode(), nil))
	if w.Code != http.StatusFound {
		t.Fatalf("GET /callback status = %d, body %s", w.Code, w.Body.String())
	}
	back, _ := url.Parse(w.Header().Get("Location"))
	otc := back.Query().Get("code")

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(fmt.Sprintf(`{"code":%q}`, otc)))
	req.Header.Set("Content-Type", "application/json")
	w = env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /token with JSON body status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestServer_Resource_Unauthorized(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header string
	}{
		{name: "no authorization header", header: ""},
		{name: "malformed header", header: "Token abc"},
		{name: "garbage bearer", header: "Bearer not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/activities", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := env.do(req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if body := decodeJSON(t, w); body["error"] != "unauthorized" {
				t.Errorf("error = %v, want unauthorized", body["error"])
			}
		})
	}

	// No request ever reached the provider.
	if env.stub.apiCalls.Load() != 0 {
		t.Errorf("api calls = %d, want 0", env.stub.apiCalls.Load())
	}
}

func TestServer_Resource_ExpiredBearer(t *testing.T) {
	env := newTestEnv(t)

	// Signed with the right key but already beyond its lifetime.
	expired := expiredAppToken(t)
	req := httptest.NewRequest(http.MethodGet, "/activities", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	w := env.do(req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if env.stub.apiCalls.Load() != 0 {
		t.Errorf("api calls = %d, want 0", env.stub.apiCalls.Load())
	}
}

func TestServer_Activities_NoStravaToken(t *testing.T) {
	env := newTestEnv(t)

	// Valid bearer, but the athlete never completed the Strava flow.
	token, err := env.issuer.Issue(777)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/activities", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := env.do(req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if body := decodeJSON(t, w); body["error"] != "no_strava_token" {
		t.Errorf("error = %v, want no_strava_token", body["error"])
	}
}

func TestServer_Activities_InvalidDays(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.issuer.Issue(testAthleteID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	for _, days := range []string{"zero", "-1", "0"} {
		req := httptest.NewRequest(http.MethodGet, "/activities?days="+days, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := env.do(req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("days=%s status = %d, want 400", days, w.Code)
			continue
		}
		if body := decodeJSON(t, w); body["error"] != "invalid_days" {
			t.Errorf("days=%s error = %v, want invalid_days", days, body["error"])
		}
	}
}

func TestServer_Activity_InvalidID(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.issuer.Issue(testAthleteID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/activities/not-a-number", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := env.do(req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeJSON(t, w); body["error"] != "invalid_activity_id" {
		t.Errorf("error = %v, want invalid_activity_id", body["error"])
	}
}

func TestServer_Link(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/link", strings.NewReader(`{"user_id":"user-9","athlete_id":42}`))
	req.Header.Set("Content-Type", "application/json")
	w := env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /link status = %d, body %s", w.Code, w.Body.String())
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/link/user-9", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /link/user-9 status = %d", w.Code)
	}
	if body := decodeJSON(t, w); body["athlete_id"].(float64) != 42 {
		t.Errorf("athlete_id = %v, want 42", body["athlete_id"])
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/link/unknown-user", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /link/unknown-user status = %d, want 404", w.Code)
	}
	if body := decodeJSON(t, w); body["error"] != "not_linked" {
		t.Errorf("error = %v, want not_linked", body["error"])
	}

	// Invalid payloads are rejected.
	req = httptest.NewRequest(http.MethodPost, "/link", strings.NewReader(`{"user_id":""}`))
	req.Header.Set("Content-Type", "application/json")
	if w = env.do(req); w.Code != http.StatusBadRequest {
		t.Errorf("POST /link invalid payload status = %d, want 400", w.Code)
	}
}

func TestServer_Activities_RefreshContended(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Stale tokens and a held refresh lock that never clears.
	if err := env.kv.SaveTokens(ctx, &core.TokenRecord{
		AthleteID:    testAthleteID,
		AccessToken:  "stale_access",
		RefreshToken: providerRefresh,
		ExpiresAt:    time.Now().Add(10 * time.Second).Unix(),
	}, time.Hour); err != nil {
		t.Fatalf("SaveTokens() error = %v", err)
	}
	if acquired, err := env.kv.AcquireLock(ctx, "42", time.Minute); err != nil || !acquired {
		t.Fatalf("AcquireLock() = %v, %v", acquired, err)
	}

	token, err := env.issuer.Issue(testAthleteID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/activities", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := env.do(req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if body := decodeJSON(t, w); body["error"] != "refresh_in_progress" {
		t.Errorf("error = %v, want refresh_in_progress", body["error"])
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodOptions, "/token", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Access-Control-Allow-Origin not set")
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Error("Authorization missing from allowed headers")
	}
}

// expiredAppToken mints a token whose lifetime elapsed long ago.
func expiredAppToken(t *testing.T) string {
	t.Helper()
	past := apptoken.NewIssuerAt(testJWTSecret, func() time.Time {
		return time.Now().Add(-apptoken.Lifetime - time.Hour)
	})
	token, err := past.Issue(testAthleteID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}
