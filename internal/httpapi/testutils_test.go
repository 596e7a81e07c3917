package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/ubus-go/internal/authority"
	"github.com/rmacdonaldsmith/ubus-go/internal/broker"
)

const testSecret = "test-secret-key"

// testSetup holds common test dependencies
type testSetup struct {
	Broker    *broker.Broker
	Authority *authority.Memory
	Server    *Server
	HTTP      *httptest.Server
}

func newTestSetup(t *testing.T, noAuth bool) *testSetup {
	t.Helper()

	auth := authority.NewMemory(nil)
	reg := prometheus.NewRegistry()
	cfg := broker.NewConfig(auth)
	cfg.Registerer = reg
	cfg.Manifests = map[string][]string{
		"com.example.dashboard": {"app.dashboard"},
		"com.example.body":      {"car.body"},
	}
	b, err := broker.New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	server := NewServer(b, auth, Config{
		SecretKey: testSecret,
		NoAuth:    noAuth,
		KeepAlive: 50 * time.Millisecond,
		Gatherer:  reg,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = b.Close()
	})

	return &testSetup{Broker: b, Authority: auth, Server: server, HTTP: ts}
}

func (s *testSetup) token(t *testing.T, packageName string, admin bool) string {
	t.Helper()
	token, _, err := s.Server.jwtAuth.GenerateToken(packageName, 10001, admin)
	require.NoError(t, err)
	return token
}

// do runs a request against the handler with an optional JWT and bus token.
func (s *testSetup) do(t *testing.T, method, path string, body interface{}, jwt, busToken string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	if busToken != "" {
		req.Header.Set(TokenHeader, busToken)
	}
	rec := httptest.NewRecorder()
	s.Server.Handler().ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	Name string
	Data string
}

// openStream opens an SSE stream and returns its events and the bus token
// carried by the first one.
func (s *testSetup) openStream(t *testing.T, ctx context.Context, jwt, entity string) (<-chan sseEvent, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.HTTP.URL+"/api/v1/stream?entity="+entity, nil)
	require.NoError(t, err)
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	resp, err := s.HTTP.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan sseEvent, 16)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		reader := bufio.NewReader(resp.Body)
		var ev sseEvent
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.Name != "":
				events <- ev
				ev = sseEvent{}
			}
		}
	}()

	first := nextEvent(t, events)
	require.Equal(t, "registered", first.Name)
	var registered RegisteredEvent
	require.NoError(t, json.Unmarshal([]byte(first.Data), &registered))
	return events, registered.Token
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return sseEvent{}
	}
}
