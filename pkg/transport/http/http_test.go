package http

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samueltorres/circuit/pkg/accumulator"
	"github.com/samueltorres/circuit/pkg/feed"
	"github.com/samueltorres/circuit/pkg/identity"
	"github.com/samueltorres/circuit/pkg/memory"
	"github.com/samueltorres/circuit/pkg/notice"
	"github.com/samueltorres/circuit/pkg/policy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type fixture struct {
	server   *Server
	aura     *accumulator.Service
	counters *memory.CounterStorage
	hub      *notice.Hub
	token    string
}

func newFixture(t *testing.T, limit int, opts ...Option) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.Out = ioutil.Discard
	registry := prometheus.NewRegistry()

	p := policy.Default()
	p.Cap = limit
	p.DebounceDelay = 10 * time.Millisecond

	counters := memory.NewCounterStorage()
	hub := notice.NewHub(logger)
	aura := accumulator.NewService(counters, hub, policy.Static(p), logger, registry)
	feedService := feed.NewService(memory.NewFeedStorage(), counters, logger)
	verifier := identity.NewVerifier(secret)

	token, err := verifier.Sign(identity.User{ID: "u1", Name: "Ada"}, time.Hour)
	require.NoError(t, err)

	t.Cleanup(aura.Close)

	return &fixture{
		server:   New(aura, feedService, hub, verifier, logger, registry, opts...),
		aura:     aura,
		counters: counters,
		hub:      hub,
		token:    token,
	}
}

func (f *fixture) do(method, path, body, token, session string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(v))
}

func TestServer_AuraTap(t *testing.T) {
	testCases := []struct {
		desc       string
		token      string
		session    string
		wantStatus int
	}{
		{
			desc:       "accepted",
			token:      "valid",
			session:    "s1",
			wantStatus: http.StatusAccepted,
		},
		{
			desc:       "anonymous",
			session:    "s1",
			wantStatus: http.StatusUnauthorized,
		},
		{
			desc:       "bad token",
			token:      "garbage",
			session:    "s1",
			wantStatus: http.StatusUnauthorized,
		},
		{
			desc:       "missing session",
			token:      "valid",
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			// arrange
			f := newFixture(t, 50)
			token := tC.token
			if token == "valid" {
				token = f.token
			}

			// act
			rec := f.do("POST", "/posts/p1/aura", "", token, tC.session)

			// assert
			assert.Equal(t, tC.wantStatus, rec.Code)
			if rec.Code != http.StatusAccepted {
				var body errorResponse
				decodeBody(t, rec, &body)
				assert.NotEmpty(t, body.Error)
				return
			}

			var state accumulator.State
			decodeBody(t, rec, &state)
			assert.Equal(t, int64(1), state.Displayed)
			assert.Equal(t, 1, state.SessionCount)
		})
	}
}

func TestServer_AuraTap_CapReached(t *testing.T) {
	// arrange
	f := newFixture(t, 2)

	// act
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, f.do("POST", "/posts/p1/aura", "", f.token, "s1").Code)
	}

	// assert
	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)

	f.aura.Close()
	rec := f.do("GET", "/posts/p1/aura", "", "", "s1")
	require.Equal(t, http.StatusOK, rec.Code)

	var state accumulator.State
	decodeBody(t, rec, &state)
	assert.Equal(t, int64(2), state.Confirmed)
	assert.Equal(t, int64(2), state.Displayed)
	assert.Equal(t, accumulator.Idle, state.Phase)
}

func TestServer_Posts(t *testing.T) {
	// arrange
	f := newFixture(t, 50)

	// act
	created := f.do("POST", "/posts", `{"content":"hello"}`, f.token, "")
	anonymous := f.do("POST", "/posts", `{"content":"hello"}`, "", "")
	invalid := f.do("POST", "/posts", `{"content":""}`, f.token, "")
	list := f.do("GET", "/posts?limit=10", "", "", "")

	// assert
	assert.Equal(t, http.StatusCreated, created.Code)
	assert.Equal(t, http.StatusUnauthorized, anonymous.Code)
	assert.Equal(t, http.StatusBadRequest, invalid.Code)
	require.Equal(t, http.StatusOK, list.Code)

	var posts []map[string]interface{}
	decodeBody(t, list, &posts)
	require.Len(t, posts, 1)
	assert.Equal(t, "hello", posts[0]["content"])
	assert.Equal(t, "Ada", posts[0]["authorName"])
	assert.Equal(t, "now", posts[0]["createdAgo"])
}

func TestServer_Comments(t *testing.T) {
	// arrange
	f := newFixture(t, 50)
	created := f.do("POST", "/posts", `{"content":"hello"}`, f.token, "")
	require.Equal(t, http.StatusCreated, created.Code)
	var post feed.Post
	decodeBody(t, created, &post)

	// act
	added := f.do("POST", "/posts/"+post.ID+"/comments", `{"content":"nice"}`, f.token, "")
	missing := f.do("POST", "/posts/missing/comments", `{"content":"nice"}`, f.token, "")
	list := f.do("GET", "/posts/"+post.ID+"/comments", "", "", "")

	// assert
	assert.Equal(t, http.StatusCreated, added.Code)
	assert.Equal(t, http.StatusNotFound, missing.Code)

	var comments []feed.Comment
	decodeBody(t, list, &comments)
	require.Len(t, comments, 1)
	assert.Equal(t, "nice", comments[0].Content)
}

func TestServer_Profile(t *testing.T) {
	// arrange
	f := newFixture(t, 50)

	// act
	before := f.do("GET", "/profiles/u1", "", "", "")
	updated := f.do("PUT", "/profile", `{"name":"Ada L.","bio":"math"}`, f.token, "")
	after := f.do("GET", "/profiles/u1", "", "", "")
	malformed := f.do("PUT", "/profile", `{`, f.token, "")

	// assert
	assert.Equal(t, http.StatusNotFound, before.Code)
	assert.Equal(t, http.StatusOK, updated.Code)
	assert.Equal(t, http.StatusBadRequest, malformed.Code)
	require.Equal(t, http.StatusOK, after.Code)

	var p feed.Profile
	decodeBody(t, after, &p)
	assert.Equal(t, "Ada L.", p.Name)
}

func TestServer_Notices(t *testing.T) {
	// arrange
	f := newFixture(t, 50)
	ts := httptest.NewServer(f.server)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/s1/notices"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.hub.Subscribers("s1") == 1
	}, time.Second, 5*time.Millisecond)

	// act
	rec := f.do("POST", "/posts/p1/aura", "", "", "s1")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// assert
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var n notice.Notice
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, notice.KindMustBeLoggedIn, n.Kind)
	assert.Equal(t, "p1", n.ItemID)
}

func TestServer_StopBeforeStart(t *testing.T) {
	// arrange
	f := newFixture(t, 50, WithListen("127.0.0.1:0"))

	// act
	f.server.Stop(nil)
	errch := make(chan error, 1)
	go func() {
		errch <- f.server.Start()
	}()

	// assert
	select {
	case err := <-errch:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server kept serving after Stop")
	}
}

func TestServer_StartThenStop(t *testing.T) {
	// arrange
	f := newFixture(t, 50, WithListen("127.0.0.1:0"))
	errch := make(chan error, 1)
	go func() {
		errch <- f.server.Start()
	}()
	time.Sleep(50 * time.Millisecond)

	// act
	f.server.Stop(nil)

	// assert
	select {
	case err := <-errch:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server kept serving after Stop")
	}
}
