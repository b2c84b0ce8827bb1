// WebSocket transport for the relay.
//
// ServeWS upgrades GET /ws and runs two pumps per connection:
//   - readPump: one reader per socket, with a read limit and a pong-extended
//     deadline; every frame is handed to Relay.Dispatch
//   - writePump: drains the connection's send buffer and pings every
//     nine tenths of PongWait; a kicked connection gets a close frame
//
// A slow consumer whose buffer fills is kicked rather than blocking fan-out.
package relay

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// UserHeader carries the caller identity asserted by the upstream identity
// provider. The user_id query parameter is accepted for browser clients that
// cannot set headers on a websocket handshake.
const UserHeader = "X-User-ID"

// OriginChecker allows handshakes without an Origin header, from any origin
// when allowed contains "*", and otherwise only from the listed origins.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	identity := strings.TrimSpace(req.Header.Get(UserHeader))
	if identity == "" {
		identity = strings.TrimSpace(req.URL.Query().Get("user_id"))
	}

	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.opts.CheckOrigin,
	}
	ws, err := up.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already answered the client
		r.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c, err := r.Attach(identity)
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(r.opts.WriteWait))
		_ = ws.Close()
		return
	}

	go r.writePump(ws, c)
	go r.readPump(ws, c)
}

// readPump feeds inbound frames to the relay. It is the only reader of ws.
func (r *Relay) readPump(ws *websocket.Conn, c *Conn) {
	reason := "client closed"
	defer func() {
		r.Detach(c, reason)
		_ = ws.Close()
	}()

	ws.SetReadLimit(r.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	})

	for {
		kind, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				reason = "transport error"
				r.log.Debug().Err(err).Str("conn_id", c.ID).Msg("read failed")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		r.Dispatch(c, frame)
	}
}

// writePump drains c's send buffer onto ws and keeps the peer alive with
// pings. It is the only writer of ws.
func (r *Relay) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(r.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(r.opts.WriteWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.kicked:
			r.log.Warn().Str("conn_id", c.ID).Str("user_id", c.identity).Msg("slow consumer dropped")
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "send buffer full"),
				time.Now().Add(r.opts.WriteWait))
			return
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(r.opts.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
