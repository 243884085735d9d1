package forumserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/forum-chat/forum"
)

func newTestServer(t *testing.T, dataPath string) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(Options{Secret: []byte("test-secret"), DataPath: dataPath})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		assert.NoError(t, s.Shutdown())
		ts.Close()
	})
	return s, ts
}

func postJSON(t *testing.T, u string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(u, "application/json", strings.NewReader(string(b)))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func register(t *testing.T, ts *httptest.Server, name string) {
	t.Helper()
	resp := postJSON(t, ts.URL+"/register", map[string]string{"username": name, "email": name + "@example.com", "password": "password1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func login(t *testing.T, ts *httptest.Server, name, password string) *http.Response {
	t.Helper()
	resp, err := http.PostForm(ts.URL+"/token", url.Values{"username": {name}, "password": {password}})
	require.NoError(t, err)
	return resp
}

func tokenFor(t *testing.T, ts *httptest.Server, name string) string {
	t.Helper()
	resp := login(t, ts, name, "password1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	require.Equal(t, "bearer", body["token_type"])
	return body["access_token"]
}

func getWithToken(t *testing.T, u, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, u, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func dialChat(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(token)))
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) forum.Frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	f, err := forum.DecodeFrame(data)
	require.NoError(t, err)
	return f
}

func TestRoot(t *testing.T) {
	_, ts := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRegisterAndLogin(t *testing.T) {
	_, ts := newTestServer(t, "")
	register(t, ts, "alice")

	resp := postJSON(t, ts.URL+"/register", map[string]string{"username": "alice", "email": "x@example.com", "password": "password1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Username already registered", decode[map[string]string](t, resp)["detail"])

	resp, err := http.Post(ts.URL+"/register", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = login(t, ts, "alice", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Incorrect username or password", decode[map[string]string](t, resp)["detail"])

	assert.NotEmpty(t, tokenFor(t, ts, "alice"))
}

func TestUsersMe(t *testing.T) {
	s, ts := newTestServer(t, "")
	register(t, ts, "alice")
	tok := tokenFor(t, ts, "alice")

	resp := getWithToken(t, ts.URL+"/users/me", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[map[string]any](t, resp)
	assert.Equal(t, "alice", me["username"])
	assert.Equal(t, true, me["is_active"])

	require.NoError(t, s.SetActive("alice", false))
	resp = getWithToken(t, ts.URL+"/users/me", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode, "locked accounts still resolve")
	me = decode[map[string]any](t, resp)
	assert.Equal(t, false, me["is_active"])

	resp = getWithToken(t, ts.URL+"/users/me", "forged")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestHistoryEndpoint(t *testing.T) {
	s, ts := newTestServer(t, "")
	register(t, ts, "alice")
	tok := tokenFor(t, ts, "alice")
	for _, m := range []string{"one", "two", "three"} {
		s.hub.post("alice", m)
	}

	resp := getWithToken(t, ts.URL+"/chat/history?limit=2", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]forum.WireMessage](t, resp)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Message)
	assert.Equal(t, "three", msgs[1].Message)

	resp = getWithToken(t, ts.URL+"/chat/history", "forged")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestChatRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, "")
	c := dialChat(t, ts, "forged")

	f := readFrame(t, c)
	assert.Equal(t, forum.FrameAuthFailed, f.Type)
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestChatRejectsLockedAccount(t *testing.T) {
	s, ts := newTestServer(t, "")
	register(t, ts, "alice")
	tok := tokenFor(t, ts, "alice")
	require.NoError(t, s.SetActive("alice", false))

	c := dialChat(t, ts, tok)
	assert.Equal(t, forum.FrameAuthFailed, readFrame(t, c).Type)
}

func TestChatBroadcast(t *testing.T) {
	_, ts := newTestServer(t, "")
	register(t, ts, "alice")
	register(t, ts, "bob")

	a := dialChat(t, ts, tokenFor(t, ts, "alice"))
	welcome := readFrame(t, a)
	assert.Equal(t, forum.FrameSystem, welcome.Type)
	assert.Contains(t, welcome.Message, "alice")

	b := dialChat(t, ts, tokenFor(t, ts, "bob"))
	assert.Equal(t, forum.FrameSystem, readFrame(t, b).Type)

	// The welcome frame is written after the client joined the hub.
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("hello <script>x</script>bob")))

	for _, c := range []*websocket.Conn{a, b} {
		f := readFrame(t, c)
		require.Equal(t, forum.FrameMessage, f.Type)
		assert.Equal(t, "alice", f.Username)
		assert.Equal(t, "hello bob", f.Message)
		assert.NotEmpty(t, f.Timestamp)
	}

	// A later connection receives the backlog.
	c := dialChat(t, ts, tokenFor(t, ts, "bob"))
	assert.Equal(t, forum.FrameSystem, readFrame(t, c).Type)
	hist := readFrame(t, c)
	require.Equal(t, forum.FrameHistory, hist.Type)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "hello bob", hist.Messages[0].Message)
}

func TestChatCommands(t *testing.T) {
	s, ts := newTestServer(t, "")
	register(t, ts, "alice")
	for _, m := range []string{"one", "two", "three"} {
		s.hub.post("alice", m)
	}

	c := dialChat(t, ts, tokenFor(t, ts, "alice"))
	assert.Equal(t, forum.FrameSystem, readFrame(t, c).Type)
	assert.Equal(t, forum.FrameHistory, readFrame(t, c).Type)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("/history 1")))
	f := readFrame(t, c)
	require.Equal(t, forum.FrameHistory, f.Type)
	require.Len(t, f.Messages, 1)
	assert.Equal(t, "three", f.Messages[0].Message)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("/help")))
	f = readFrame(t, c)
	assert.Equal(t, forum.FrameSystem, f.Type)
	assert.Contains(t, f.Message, "/history")
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Secret: []byte("test-secret"), DataPath: dir})
	require.NoError(t, err)
	_, err = s.accounts.register("alice", "alice@example.com", "password1")
	require.NoError(t, err)
	s.hub.post("alice", "remember me")
	require.NoError(t, s.Shutdown())

	s, err = New(Options{Secret: []byte("test-secret"), DataPath: dir})
	require.NoError(t, err)
	defer s.Shutdown()
	_, err = s.accounts.authenticate("alice", "password1")
	require.NoError(t, err)
	recent := s.hub.recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, "remember me", recent[0].Message)
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
