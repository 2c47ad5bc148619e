package authstate

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardvault/storefront/internal/operator"
	"github.com/cardvault/storefront/internal/session"
)

func newStreamServer(t *testing.T, m *session.Manager, lookup OperatorLookup) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/api/auth", NewHandler(m, m, lookup, nil, Options{}).MountRoutes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, cookies []*http.Cookie) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	for _, c := range cookies {
		header.Add("Cookie", c.Name+"="+c.Value)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/auth/state"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readSettled reads frames until one is no longer loading.
func readSettled(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if !f.Loading {
			return f
		}
	}
}

func TestStreamSignedIn(t *testing.T) {
	m := newManager(t)
	_, cookies := signIn(t, m, "staff")
	lookup := &countingLookup{ops: map[string]operator.Operator{"staff": {ID: "op-1", UserID: "staff", Role: operator.RoleAdmin}}}
	conn := dial(t, newStreamServer(t, m, lookup), cookies)

	f := readSettled(t, conn)
	require.NotNil(t, f.User)
	assert.Equal(t, "staff", f.User.ID)
	assert.Equal(t, OperatorState{IsOperator: true, Role: operator.RoleAdmin}, f.Operator)

	_, err := m.Revoke(t.Context(), httptest.NewRecorder(), withCookies(cookies))
	require.NoError(t, err)

	f = readSettled(t, conn)
	assert.Nil(t, f.User)
	assert.False(t, f.Operator.IsOperator)
}

func TestStreamAnonymous(t *testing.T) {
	m := newManager(t)
	conn := dial(t, newStreamServer(t, m, &countingLookup{}), nil)
	f := readSettled(t, conn)
	assert.Nil(t, f.User)
	assert.Equal(t, OperatorState{}, f.Operator)
}

func TestCheckOrigin(t *testing.T) {
	check := checkOrigin([]string{"https://cards.example.com/"})
	req := httptest.NewRequest(http.MethodGet, "http://localhost:8080/api/auth/state", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://localhost:8080")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://cards.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, check(req))
}
