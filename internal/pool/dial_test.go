package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
)

func TestNewDialFactoryRejectsEmpty(t *testing.T) {
	if _, err := NewDialFactory(nil, ""); err == nil {
		t.Error("expected error for empty server list")
	}
}

func TestNewDialFactoryAppliesBasicAuth(t *testing.T) {
	var gotAuth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.CloseNow()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	factory, err := NewDialFactory([]string{"ws://alice:secret@" + strings.TrimPrefix(wsURL, "ws://")}, "https://gonetunnel.local")
	if err != nil {
		t.Fatalf("NewDialFactory: %v", err)
	}

	conn, err := factory(context.Background())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	conn.CloseNow()

	if len(gotAuth) != 1 || gotAuth[0] == "" {
		t.Fatalf("expected a non-empty Authorization header, got %v", gotAuth)
	}
	wantPrefix := "Basic "
	if !strings.HasPrefix(gotAuth[0], wantPrefix) {
		t.Errorf("Authorization header = %q, want prefix %q", gotAuth[0], wantPrefix)
	}
}
