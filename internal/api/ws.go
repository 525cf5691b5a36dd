package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/devicelab-server/devicelab-gateway/internal/driver"
	"github.com/devicelab-server/devicelab-gateway/internal/models"
	"github.com/devicelab-server/devicelab-gateway/internal/session"
)

const wsPingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlParams are the query parameters of a control connection
type controlParams struct {
	Platform  string `validate:"required,oneof=android ios"`
	AppKey    string
	UserAgent string `validate:"required"`
}

// wsInbound is a message from the operator
type wsInbound struct {
	Type   string `json:"type"`
	Method string `json:"method,omitempty"`

	X    int  `json:"x,omitempty"`
	Y    int  `json:"y,omitempty"`
	ToX  int  `json:"toX,omitempty"`
	ToY  int  `json:"toY,omitempty"`
	Hold bool `json:"hold,omitempty"`

	Direction string `json:"direction,omitempty"`
	Text      string `json:"text,omitempty"`
	Name      string `json:"name,omitempty"`
	AppKey    string `json:"appKey,omitempty"`
}

// wsOutbound is a message to the operator
type wsOutbound struct {
	Type  string              `json:"type"`
	Event *models.StatusEvent `json:"event,omitempty"`
	Info  *models.SessionInfo `json:"info,omitempty"`
	Error string              `json:"error,omitempty"`
}

// controlConn wraps a websocket with a write lock: the status stream and
// command replies write concurrently.
type controlConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *controlConn) send(msg wsOutbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *controlConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// HandleControl is the operator control channel: it attaches a device
// session, streams its status events out and accepts heartbeats and
// commands in.
func (s *RESTServer) HandleControl(w http.ResponseWriter, r *http.Request) {
	udid := chi.URLParam(r, "udid")
	q := r.URL.Query()

	params := controlParams{
		Platform:  q.Get("platform"),
		AppKey:    q.Get("app_key"),
		UserAgent: q.Get("user-agent"),
	}
	if params.UserAgent == "" {
		params.UserAgent = r.UserAgent()
	}
	if err := s.validator.Validate(&params); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("udid", udid).Msg("websocket upgrade failed")
		return
	}
	conn := &controlConn{conn: ws}
	defer ws.Close()

	ctrl, err := s.registry.Attach(r.Context(), udid, models.Platform(params.Platform), params.AppKey, params.UserAgent)
	if err != nil {
		log.Warn().Err(err).Str("udid", udid).Msg("session attach failed")
		_ = conn.send(wsOutbound{Type: "error", Error: session.OperatorMessage(err)})
		return
	}

	events, unsubscribe := ctrl.Subscribe()
	defer func() {
		unsubscribe()
		ctrl.Detach()
	}()

	info := ctrl.Info()
	if err := conn.send(wsOutbound{Type: "attached", Info: &info}); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := conn.send(wsOutbound{Type: "status", Event: &ev}); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsInbound
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("udid", udid).Msg("control connection closed")
			}
			return
		}

		switch msg.Type {
		case "heartbeat":
			ctrl.Touch()
		case "command":
			ctrl.Touch()
			if err := dispatch(ctrl, msg); err != nil {
				_ = conn.send(wsOutbound{Type: "error", Error: session.OperatorMessage(err)})
			}
		default:
			_ = conn.send(wsOutbound{Type: "error", Error: fmt.Sprintf("unknown message type: %s", msg.Type)})
		}
	}
}

// dispatch enqueues one operator command on the session
func dispatch(ctrl *session.Controller, msg wsInbound) error {
	switch msg.Method {
	case "tap":
		return ctrl.Tap(driver.Point{X: msg.X, Y: msg.Y})
	case "long_tap":
		return ctrl.LongTap(driver.Point{X: msg.X, Y: msg.Y})
	case "scroll":
		return ctrl.Scroll(driver.Point{X: msg.X, Y: msg.Y}, driver.Point{X: msg.ToX, Y: msg.ToY}, msg.Hold)
	case "swipe":
		return ctrl.Swipe(driver.Direction(msg.Direction))
	case "press_button":
		return ctrl.PressButton(msg.Name)
	case "send_keys":
		return ctrl.SendKeys(msg.Text)
	case "launch_app":
		return ctrl.LaunchApp(msg.AppKey)
	case "terminate_app":
		return ctrl.TerminateApp(msg.AppKey)
	case "home":
		return ctrl.PressHome()
	case "unlock":
		return ctrl.Unlock()
	case "lock":
		return ctrl.Lock()
	default:
		return fmt.Errorf("unknown command: %s", msg.Method)
	}
}
