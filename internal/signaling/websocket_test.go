package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/teleconsult/internal/auth"
	"github.com/mossy-p/teleconsult/internal/handlers"
	"github.com/mossy-p/teleconsult/internal/models"
	"github.com/mossy-p/teleconsult/internal/rooms"
)

type hubFixture struct {
	url    string
	issuer *auth.Issuer
	store  *rooms.Store
	hub    *handlers.Hub
	room   *models.RoomMetadata
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := rooms.NewStore(client, time.Hour)
	issuer := auth.NewIssuer("test-secret")
	hub := handlers.NewHub(store, issuer)
	srv := httptest.NewServer(handlers.NewAPI(store, issuer, hub, time.Hour).Router(nil))
	t.Cleanup(srv.Close)

	room, err := store.Create(context.Background(), "alice", "bob")
	require.NoError(t, err)

	return &hubFixture{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal",
		issuer: issuer,
		store:  store,
		hub:    hub,
		room:   room,
	}
}

func (f *hubFixture) dial(t *testing.T, user string, role models.Role) *WSChannel {
	t.Helper()
	token, _, err := f.issuer.IssueJoinToken(user, f.room.ID, role, time.Hour)
	require.NoError(t, err)

	ch, err := Dial(context.Background(), f.url, f.room.ID, token)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	require.Eventually(t, func() bool { return ch.PeerID() != "" }, 2*time.Second, 10*time.Millisecond)
	return ch
}

func TestWSChannelRelay(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "alice", models.RoleCaller)
	b := f.dial(t, "bob", models.RoleCallee)
	inA := collect(t, a)
	inB := collect(t, b)
	assert.NotEqual(t, a.PeerID(), b.PeerID())

	require.NoError(t, a.Send(Ping(a.PeerID(), models.RoleCaller, false, false)))
	got := expectMessage(t, inB)
	assert.Equal(t, TypePing, got.Type)
	assert.Equal(t, a.PeerID(), got.ID)
	assert.Equal(t, models.RoleCaller, got.Role)

	require.NoError(t, b.Send(Signal(json.RawMessage(`{"type":"answer","sdp":"v=0"}`))))
	got = expectMessage(t, inA)
	assert.Equal(t, TypeSignal, got.Type)
	assert.JSONEq(t, `{"type":"answer","sdp":"v=0"}`, string(got.Data))

	// Nothing echoes back to the sender
	expectNone(t, inB)
}

func TestWSChannelPeerLeaveBecomesBye(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "alice", models.RoleCaller)
	b := f.dial(t, "bob", models.RoleCallee)
	inA := collect(t, a)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Send(Bye()), ErrChannelClosed)

	assert.Equal(t, TypeBye, expectMessage(t, inA).Type)
}

func TestWSChannelRoomEnded(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "alice", models.RoleCaller)
	inA := collect(t, a)

	f.hub.EndRoom(f.room.ID)
	assert.Equal(t, TypeBye, expectMessage(t, inA).Type)

	// The hub dropped the connection; sends degrade to warnings
	require.Eventually(t, func() bool {
		return a.Send(Bye()) == ErrChannelClosed
	}, 2*time.Second, 10*time.Millisecond)

	// An announced end is not a transport failure
	expectDone(t, a)
	assert.NoError(t, a.Err())
}

func expectDone(t *testing.T, ch Channel) {
	t.Helper()
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel not done")
	}
}

func TestWSChannelTransportLoss(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ch, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "room-1", "token")
	require.NoError(t, err)
	defer ch.Close()

	expectDone(t, ch)
	assert.Error(t, ch.Err())
	assert.ErrorIs(t, ch.Send(Bye()), ErrChannelClosed)
}

func TestWSChannelCloseIsNotAFailure(t *testing.T) {
	f := newHubFixture(t)
	a := f.dial(t, "alice", models.RoleCaller)

	select {
	case <-a.Done():
		t.Fatal("done before close")
	default:
	}
	require.NoError(t, a.Close())
	expectDone(t, a)
	assert.NoError(t, a.Err())
}

func TestDialRejected(t *testing.T) {
	f := newHubFixture(t)

	_, err := Dial(context.Background(), f.url, f.room.ID, "not-a-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = Dial(context.Background(), f.url, "", "x")
	assert.Error(t, err)
}
