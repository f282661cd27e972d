package hub

import (
	"net/http"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/sirupsen/logrus"
)

// Server is the global Socket.IO server instance. Operator dashboards
// subscribe here for live fleet events; when the hub is not initialized
// all broadcasts are silently dropped.
var Server *socketio.Server

var log = logrus.WithField("component", "hub")

// Events pushed to subscribed operator dashboards
const (
	EventAgentRegistered  = "agent:registered"
	EventAgentHeartbeat   = "agent:heartbeat"
	EventDeploymentResult = "deployment:result"
	EventCommandResult    = "command:result"
)

// InitServer initializes the Socket.IO server and starts its serve loop
func InitServer() error {
	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{
				CheckOrigin: func(r *http.Request) bool { return true },
			},
			&websocket.Transport{
				CheckOrigin: func(r *http.Request) bool { return true },
			},
		},
	})

	server.OnConnect("/", func(s socketio.Conn) error {
		log.WithField("connId", s.ID()).Info("Dashboard client connected")
		s.Emit("connected", map[string]interface{}{"ok": true})
		return nil
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.WithFields(logrus.Fields{
			"connId": s.ID(),
			"reason": reason,
		}).Info("Dashboard client disconnected")
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		if s != nil {
			log.WithField("connId", s.ID()).Errorf("Hub connection error: %v", e)
			return
		}
		log.Errorf("Hub connection error: %v", e)
	})

	go func() {
		if err := server.Serve(); err != nil {
			log.Errorf("Hub server stopped: %v", err)
		}
	}()

	Server = server
	log.Info("Hub initialized")
	return nil
}

// Close shuts the hub down
func Close() {
	if Server != nil {
		_ = Server.Close()
	}
}

// BroadcastToAll pushes an event to every connected dashboard
func BroadcastToAll(event string, data interface{}) {
	if Server != nil {
		Server.BroadcastToNamespace("/", event, data)
	}
}
