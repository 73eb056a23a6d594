package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/csoslab/slimhub/identity"
	"github.com/csoslab/slimhub/link"
	"github.com/csoslab/slimhub/presence"
	"github.com/csoslab/slimhub/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeConfigStore struct{}

func (fakeConfigStore) Load(address string) (string, string, bool) { return "", "", false }
func (fakeConfigStore) Save(address, name, location string) error  { return nil }

func newTestServer(t *testing.T) (*Server, *identity.Table, *session.Session, *link.SimLink) {
	t.Helper()
	ident := identity.NewTable()
	_, err := ident.Ensure("AA:BB:CC:DD:EE:01", "relay-1", "sound", "KITCHEN")
	require.NoError(t, err)

	l := link.NewSimLink("relay-1", []string{session.CharRawData, session.CharDebugStr})
	queues := &session.Queues{
		Sound: make(chan session.WorkItem, 4),
		Data:  make(chan session.WorkItem, 4),
		Log:   make(chan session.WorkItem, 4),
	}
	sess := session.New("relay-1", "sound", l, ident, queues, nil, nil, fakeConfigStore{}, logrus.NewEntry(logrus.New()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sess.Run(ctx)
	require.Eventually(t, sess.IsConnected, time.Second, 5*time.Millisecond)

	graph := presence.NewGraph([]presence.Edge{{A: "KITCHEN", B: "LIVING", Weight: 4}})
	tracker := presence.NewTracker(graph, presence.Config{}, func(string, presence.Callback) {}, logrus.NewEntry(logrus.New()))

	srv := New(0, ident, func() map[string]*session.Session { return map[string]*session.Session{"relay-1": sess} },
		tracker, func() {}, logrus.NewEntry(logrus.New()))
	return srv, ident, sess, l
}

func TestHandleListDeansReturnsIdentitySnapshot(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/deans", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var deans []deanInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deans))
	require.Len(t, deans, 1)
	require.Equal(t, "AA:BB:CC:DD:EE:01", deans[0].Mac)
	require.Equal(t, "KITCHEN", deans[0].Location)
}

func TestHandlePresenceReturnsActiveRoomAndDevices(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/presence", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var info presenceInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
}

func TestHandleRefreshInvokesCallback(t *testing.T) {
	ident := identity.NewTable()
	called := make(chan struct{}, 1)
	srv := New(0, ident, func() map[string]*session.Session { return nil }, nil, func() { called <- struct{}{} }, logrus.NewEntry(logrus.New()))

	req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("refresh callback not invoked")
	}
}

func TestHandleDeanStreamRepliesWithCatchupThenLiveData(t *testing.T) {
	srv, _, sess, l := newTestServer(t)

	require.NoError(t, l.Deliver(session.CharDebugStr, []byte(`{"msg":"hello"}`)))
	require.Eventually(t, func() bool { return len(sess.Catchup()) > 0 }, time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/api/deans/AA:BB:CC:DD:EE:01/stream", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		srv.router.ServeHTTP(rr, req)
		close(done)
	}()
	<-done

	body := rr.Body.String()
	require.Contains(t, body, "event: connected")
	require.True(t, strings.Contains(body, base64.StdEncoding.EncodeToString([]byte(`{"msg":"hello"}`))))
}
