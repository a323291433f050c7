package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/teleconsult/internal/auth"
	"github.com/mossy-p/teleconsult/internal/models"
	"github.com/mossy-p/teleconsult/internal/rooms"
)

type testEnv struct {
	router *gin.Engine
	store  *rooms.Store
	issuer *auth.Issuer
	hub    *Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := rooms.NewStore(client, time.Hour)
	issuer := auth.NewIssuer("test-secret")
	hub := NewHub(store, issuer)
	api := NewAPI(store, issuer, hub, time.Hour)

	return &testEnv{
		router: api.Router([]string{"http://localhost:3000"}),
		store:  store,
		issuer: issuer,
		hub:    hub,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) login(t *testing.T, user string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: user, Password: "pw"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, user, resp.UserID)
	return resp.Token
}

func (e *testEnv) createRoom(t *testing.T, token, callee string) models.CreateRoomResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/rooms", token, models.CreateRoomRequest{CalleeID: callee})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp models.CreateRoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	token := env.login(t, "dr-grey")
	claims, err := env.issuer.Parse(token, auth.AudienceAPI)
	require.NoError(t, err)
	assert.Equal(t, "dr-grey", claims.UserID)

	w := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRoom(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/rooms", "", models.CreateRoomRequest{CalleeID: "bob"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	alice := env.login(t, "alice")

	w = env.do(t, http.MethodPost, "/api/rooms", alice, models.CreateRoomRequest{CalleeID: "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/rooms", alice, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	created := env.createRoom(t, alice, "bob")
	assert.Len(t, created.Code, rooms.CodeLength)

	for _, id := range []string{created.RoomID, created.Code} {
		w = env.do(t, http.MethodGet, "/api/rooms/"+id, "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var room models.RoomMetadata
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
		assert.Equal(t, created.RoomID, room.ID)
		assert.Equal(t, "alice", room.CallerID)
		assert.Equal(t, "bob", room.CalleeID)
		assert.Equal(t, models.RoomStatusActive, room.Status)
	}

	w = env.do(t, http.MethodGet, "/api/rooms/NOPE22", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJoinTokenRoles(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	bob := env.login(t, "bob")
	carol := env.login(t, "carol")
	created := env.createRoom(t, alice, "bob")

	tests := []struct {
		name   string
		token  string
		status int
		role   models.Role
	}{
		{"caller", alice, http.StatusOK, models.RoleCaller},
		{"callee", bob, http.StatusOK, models.RoleCallee},
		{"outsider", carol, http.StatusForbidden, ""},
		{"anonymous", "", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/rooms/"+created.Code+"/token", tt.token, nil)
			require.Equal(t, tt.status, w.Code)
			if tt.status != http.StatusOK {
				return
			}

			var resp models.JoinTokenResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, created.RoomID, resp.RoomID)
			assert.Equal(t, tt.role, resp.Role)

			claims, err := env.issuer.Parse(resp.Token, auth.AudienceSignal)
			require.NoError(t, err)
			assert.Equal(t, created.RoomID, claims.RoomID)
			assert.Equal(t, tt.role, claims.Role)
		})
	}
}

func TestEndRoom(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	bob := env.login(t, "bob")
	carol := env.login(t, "carol")
	created := env.createRoom(t, alice, "bob")
	path := "/api/rooms/" + created.RoomID

	w := env.do(t, http.MethodPost, path+"/end", carol, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, path+"/end", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var room models.RoomMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
	assert.Equal(t, models.RoomStatusEnded, room.Status)
	assert.NotNil(t, room.EndedAt)

	// Ending twice is harmless
	w = env.do(t, http.MethodPost, path+"/end", alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, path+"/token", alice, nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestDeleteRoom(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	bob := env.login(t, "bob")
	created := env.createRoom(t, alice, "bob")
	path := "/api/rooms/" + created.RoomID

	w := env.do(t, http.MethodDelete, path, bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodDelete, path, alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/rooms/"+created.Code, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOriginFilter(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		origin string
		status int
		cors   string
	}{
		{"no origin", http.MethodGet, "", http.StatusOK, ""},
		{"allowed origin", http.MethodGet, "http://localhost:3000", http.StatusOK, "http://localhost:3000"},
		{"preflight", http.MethodOptions, "http://localhost:3000", http.StatusNoContent, "http://localhost:3000"},
		{"foreign origin", http.MethodGet, "https://evil.example", http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.cors, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestOriginFilterWildcard(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(OriginFilter([]string{"*"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://anywhere.example", w.Header().Get("Access-Control-Allow-Origin"))
}
