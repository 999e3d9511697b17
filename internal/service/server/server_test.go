package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"opencollab/internal/codec"
	"opencollab/internal/connection"
	"opencollab/internal/credentials"
	"opencollab/internal/cryptographic/seal"
	"opencollab/internal/model"
	"opencollab/internal/room"
	userRepo "opencollab/internal/repository/user"
	"opencollab/internal/service/client"
	userSvc "opencollab/internal/service/user"
)

func newTestServer(t *testing.T, joinTimeout time.Duration) string {
	t.Helper()
	keys, err := seal.NewKeyPair()
	require.NoError(t, err)

	store := credentials.NewMemoryStore()
	t.Cleanup(store.Close)

	rooms := room.NewManager(joinTimeout)
	s := NewHttpServer(
		userSvc.NewManager(userRepo.NewMemoryRepo()),
		credentials.NewManager(store),
		rooms,
		keys,
		Options{},
	)

	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		rooms.CloseAll()
		ts.Close()
	})
	return strings.TrimPrefix(ts.URL, "http://")
}

// connectHost logs a user in, creates a room and connects as its host,
// answering join requests with accept.
func connectHost(t *testing.T, host, name string, accept bool) (*client.Session, string) {
	t.Helper()
	ctx := context.Background()

	c, err := client.New(host)
	require.NoError(t, err)
	login, err := c.Login(ctx, name, "")
	require.NoError(t, err)
	joinToken, roomID, err := c.CreateRoom(ctx, login, false)
	require.NoError(t, err)

	session, err := c.Connect(ctx, joinToken)
	require.NoError(t, err)
	t.Cleanup(session.Conn.Dispose)
	require.True(t, session.Peer.Host)
	require.Equal(t, roomID, session.RoomID)

	session.Conn.OnRequest(model.MethodJoinRequest, func(context.Context, string, []json.RawMessage) (any, error) {
		return model.JoinResponse{Accepted: accept, Workspace: &model.Workspace{Name: "ws"}}, nil
	})
	return session, roomID
}

func connectGuest(t *testing.T, host, name, roomID string) *client.Session {
	t.Helper()
	ctx := context.Background()

	c, err := client.New(host)
	require.NoError(t, err)
	login, err := c.Login(ctx, name, "")
	require.NoError(t, err)
	joinToken, err := c.JoinRoom(ctx, login, roomID)
	require.NoError(t, err)

	session, err := c.Connect(ctx, joinToken)
	require.NoError(t, err)
	t.Cleanup(session.Conn.Dispose)
	require.False(t, session.Peer.Host)
	return session
}

func awaitPeer(t *testing.T, conn *connection.Connection, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return conn.HasPeer(id) }, 2*time.Second, 10*time.Millisecond,
		"peer %s never became known", id)
}

func TestHealth(t *testing.T) {
	host := newTestServer(t, time.Second)
	resp, err := http.Get("http://" + host + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnicastEchoThroughRelay(t *testing.T) {
	host := newTestServer(t, 2*time.Second)
	alice, roomID := connectHost(t, host, "alice", true)
	bob := connectGuest(t, host, "bob", roomID)

	bob.Conn.OnRequest("echo", func(_ context.Context, origin string, params []json.RawMessage) (any, error) {
		var s string
		_ = json.Unmarshal(params[0], &s)
		return s, nil
	})

	awaitPeer(t, alice.Conn, bob.Peer.ID)
	awaitPeer(t, bob.Conn, alice.Peer.ID)

	raw, err := alice.Conn.SendRequest(context.Background(), "echo", bob.Peer.ID, "hi")
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "hi", got)
}

func TestBroadcastReachesEveryGuestOnce(t *testing.T) {
	host := newTestServer(t, 2*time.Second)
	alice, roomID := connectHost(t, host, "alice", true)
	bob := connectGuest(t, host, "bob", roomID)
	carol := connectGuest(t, host, "carol", roomID)

	type hit struct {
		who    string
		origin string
		value  string
	}
	hits := make(chan hit, 4)
	for _, g := range []*client.Session{bob, carol} {
		g := g
		g.Conn.OnBroadcast("note", func(origin string, params []json.RawMessage) {
			var s string
			_ = json.Unmarshal(params[0], &s)
			hits <- hit{who: g.Peer.ID, origin: origin, value: s}
		})
	}

	awaitPeer(t, alice.Conn, bob.Peer.ID)
	awaitPeer(t, alice.Conn, carol.Peer.ID)

	require.NoError(t, alice.Conn.SendBroadcast(context.Background(), "note", "x"))

	seen := make(map[string]int)
	for i := 0; i < 2; i++ {
		select {
		case h := <-hits:
			require.Equal(t, alice.Peer.ID, h.origin)
			require.Equal(t, "x", h.value)
			seen[h.who]++
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast missed a guest")
		}
	}
	require.Len(t, seen, 2)

	// no duplicates trailing behind
	select {
	case h := <-hits:
		t.Fatalf("guest %s saw the broadcast twice", h.who)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestJoinDenied(t *testing.T) {
	host := newTestServer(t, 2*time.Second)
	_, roomID := connectHost(t, host, "alice", false)

	c, err := client.New(host)
	require.NoError(t, err)
	login, err := c.Login(context.Background(), "mallory", "")
	require.NoError(t, err)

	_, err = c.JoinRoom(context.Background(), login, roomID)
	require.ErrorIs(t, err, client.ErrDenied)
}

func TestJoinApprovalTimeout(t *testing.T) {
	host := newTestServer(t, 300*time.Millisecond)
	session, roomID := connectHost(t, host, "alice", true)
	// replace the approval handler with one that never answers
	session.Conn.OnRequest(model.MethodJoinRequest, func(ctx context.Context, _ string, _ []json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c, err := client.New(host)
	require.NoError(t, err)
	login, err := c.Login(context.Background(), "bob", "")
	require.NoError(t, err)

	_, err = c.JoinRoom(context.Background(), login, roomID)
	require.ErrorIs(t, err, client.ErrJoinTimeout)
}

func TestJoinUnknownRoom(t *testing.T) {
	host := newTestServer(t, time.Second)
	c, err := client.New(host)
	require.NoError(t, err)
	login, err := c.Login(context.Background(), "bob", "")
	require.NoError(t, err)

	_, err = c.JoinRoom(context.Background(), login, "deadbeef")
	require.ErrorIs(t, err, client.ErrNoSuchRoom)
}

func TestHostDisconnectTearsDownRoom(t *testing.T) {
	host := newTestServer(t, 2*time.Second)
	alice, roomID := connectHost(t, host, "alice", true)
	bob := connectGuest(t, host, "bob", roomID)
	carol := connectGuest(t, host, "carol", roomID)

	alice.Conn.Dispose()

	require.Eventually(t, func() bool {
		return bob.Conn.Disposed() && carol.Conn.Disposed()
	}, 3*time.Second, 20*time.Millisecond, "guests survived the host loss")
}

func TestGuestLeaveAnnounced(t *testing.T) {
	host := newTestServer(t, 2*time.Second)
	alice, roomID := connectHost(t, host, "alice", true)
	bob := connectGuest(t, host, "bob", roomID)

	left := make(chan string, 1)
	alice.OnPeerLeave(func(info model.PeerInfo) {
		left <- info.ID
	})

	awaitPeer(t, alice.Conn, bob.Peer.ID)
	bob.Conn.Dispose()

	select {
	case id := <-left:
		require.Equal(t, bob.Peer.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("host never heard about the departure")
	}
	require.Eventually(t, func() bool { return !alice.Conn.HasPeer(bob.Peer.ID) },
		time.Second, 10*time.Millisecond)
}

func TestHostEvictsGuest(t *testing.T) {
	host := newTestServer(t, 2*time.Second)
	alice, roomID := connectHost(t, host, "alice", true)
	bob := connectGuest(t, host, "bob", roomID)

	awaitPeer(t, alice.Conn, bob.Peer.ID)
	require.NoError(t, alice.Evict(context.Background(), bob.Peer.ID))
	require.Eventually(t, func() bool { return bob.Conn.Disposed() },
		2*time.Second, 20*time.Millisecond)
}

func TestEvictRequiresHost(t *testing.T) {
	host := newTestServer(t, 2*time.Second)
	alice, roomID := connectHost(t, host, "alice", true)
	bob := connectGuest(t, host, "bob", roomID)

	awaitPeer(t, bob.Conn, alice.Peer.ID)
	err := bob.Evict(context.Background(), alice.Peer.ID)
	var remote *connection.RemoteError
	require.ErrorAs(t, err, &remote)
}

func TestJoinTokenIsSingleUse(t *testing.T) {
	host := newTestServer(t, 2*time.Second)
	ctx := context.Background()

	c, err := client.New(host)
	require.NoError(t, err)
	login, err := c.Login(ctx, "alice", "")
	require.NoError(t, err)
	joinToken, _, err := c.CreateRoom(ctx, login, false)
	require.NoError(t, err)

	session, err := c.Connect(ctx, joinToken)
	require.NoError(t, err)
	t.Cleanup(session.Conn.Dispose)

	_, err = c.Connect(ctx, joinToken)
	require.ErrorIs(t, err, client.ErrUnauthorized)
}

func TestLoginTokenIsSingleUse(t *testing.T) {
	host := newTestServer(t, 2*time.Second)
	ctx := context.Background()

	c, err := client.New(host)
	require.NoError(t, err)
	login, err := c.Login(ctx, "alice", "")
	require.NoError(t, err)

	_, _, err = c.CreateRoom(ctx, login, false)
	require.NoError(t, err)
	_, _, err = c.CreateRoom(ctx, login, false)
	require.ErrorIs(t, err, client.ErrUnauthorized)
}

func TestVersionMismatchRejectsHandshake(t *testing.T) {
	host := newTestServer(t, 2*time.Second)
	ctx := context.Background()

	c, err := client.New(host)
	require.NoError(t, err)
	login, err := c.Login(ctx, "alice", "")
	require.NoError(t, err)
	joinToken, _, err := c.CreateRoom(ctx, login, false)
	require.NoError(t, err)

	wsConn, _, err := websocket.DefaultDialer.Dial("ws://"+host+"/api/session/join/"+joinToken, nil)
	require.NoError(t, err)
	defer wsConn.Close()

	keys, err := seal.NewKeyPair()
	require.NoError(t, err)
	params, err := json.Marshal(model.InitRequest{Protocol: "9.9.9", PublicKey: keys.Pub.Bytes()})
	require.NoError(t, err)
	content, err := json.Marshal(model.Call{Method: model.MethodPeerInit, Params: []json.RawMessage{params}})
	require.NoError(t, err)
	frame, err := codec.Encode(&model.Envelope{
		Kind:   model.KindRequest,
		ID:     1,
		Method: model.MethodPeerInit,
		Body:   content,
	})
	require.NoError(t, err)
	require.NoError(t, wsConn.WriteMessage(websocket.BinaryMessage, frame))

	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := wsConn.ReadMessage()
		require.NoError(t, err)
		env, err := codec.Decode(data)
		require.NoError(t, err)
		if env.Kind != model.KindResponseError {
			continue
		}
		require.EqualValues(t, 1, env.ID)
		require.Contains(t, env.Message, "version")
		return
	}
}
