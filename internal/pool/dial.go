package pool

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/coder/websocket"
)

// dialTarget is a parsed "ws[s]://user:pass@host[:port]/path" server
// entry with its userinfo pre-encoded as an Authorization header value,
// so the hot dial path never re-parses or re-encodes per attempt.
type dialTarget struct {
	url  string
	auth string // "Basic base64(user:pass)", empty when the URL carries no userinfo
}

// NewDialFactory builds a Factory that round-robins across servers,
// each dialed with HTTP Basic auth (taken from the URL's userinfo) and
// the given Origin header.
func NewDialFactory(servers []string, origin string) (Factory, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("pool: no servers configured")
	}

	targets := make([]dialTarget, len(servers))
	for i, raw := range servers {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("pool: invalid server URL %q: %w", raw, err)
		}
		var auth string
		if u.User != nil {
			user := u.User.Username()
			pass, _ := u.User.Password()
			auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
			u.User = nil
		}
		targets[i] = dialTarget{url: u.String(), auth: auth}
	}

	var next uint64
	return func(ctx context.Context) (*websocket.Conn, error) {
		i := atomic.AddUint64(&next, 1) - 1
		tg := targets[i%uint64(len(targets))]

		header := http.Header{}
		if origin != "" {
			header.Set("Origin", origin)
		}
		if tg.auth != "" {
			header.Set("Authorization", tg.auth)
		}

		conn, _, err := websocket.Dial(ctx, tg.url, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, nil
}
