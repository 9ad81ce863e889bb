package api

import (
	"net/http"
	"strings"
	"time"

	"mindgraphix/logx"
	"mindgraphix/models"
	"mindgraphix/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	defaultPingPeriod = (pongWait * 9) / 10
	maxMessageSize    = 512
	eventBuffer       = 256
)

// sessionKeys never leave the server; their ids are bearer secrets.
const sessionKeys = "sessions/"

func newUpgrader(d *Deps) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(d.Config.AllowedOrigins))
	for _, o := range d.Config.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if d.Config.IsDevelopment() {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := allowed[origin]; ok {
				return true
			}
			logx.Warn("Event stream rejected: origin not allowed", "origin", origin)
			return false
		},
	}
}

// EventsHandler streams committed store changes over a websocket. The
// optional prefix query parameter narrows the stream. Changes are dropped
// for a subscriber that falls behind.
// @Summary      Watch store changes
// @Description  Upgrades to a websocket and sends one JSON change per committed key. Browsers may pass the token as ?token=.
// @Tags         Admin
// @Security     BearerAuth
// @Param        prefix  query  string  false  "Only keys under this prefix"
// @Success      101
// @Router       /admin/events [get]
func EventsHandler(c *gin.Context, d *Deps) {
	prefix := c.Query("prefix")
	upgrader := newUpgrader(d)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logx.Warn("Failed to upgrade event stream", "error", err.Error())
		return
	}

	session, _ := utils.CurrentSession(c)
	alive := func() bool {
		_, err := d.Store.GetSession(session.ID)
		return err == nil
	}

	changes, cancel := d.Store.Subscribe(eventBuffer)
	done := make(chan struct{})
	logx.Info("Event stream opened", "user", actorName(c), "prefix", prefix)

	// Inbound frames are ignored; reading keeps pongs and close frames flowing.
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logx.Debug("Event stream read error", "error", err.Error())
				}
				return
			}
		}
	}()

	writeEvents(conn, changes, done, prefix, d.pingPeriod, alive)
	cancel()
	_ = conn.Close()
	logx.Info("Event stream closed", "user", actorName(c))
}

// writeEvents pumps changes to conn until the reader stops, the store closes
// or alive reports the session gone. alive is checked on every ping.
func writeEvents(conn *websocket.Conn, changes <-chan models.Change, done <-chan struct{}, prefix string, period time.Duration, alive func() bool) {
	if period <= 0 {
		period = defaultPingPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case change, ok := <-changes:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "store closed"))
				return
			}
			if strings.HasPrefix(change.Key, sessionKeys) || !strings.HasPrefix(change.Key, prefix) {
				continue
			}
			if err := conn.WriteJSON(change); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !alive() {
				logx.Info("Event stream session ended")
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session ended"))
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
