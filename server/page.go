package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"museum-notifier/badge"
	"museum-notifier/identity"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
)

type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type badgeMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Visible bool   `json:"visible"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// page is one connected browser page. It is both the anchor the tracker
// waits for and the badge it renders into: the badge exists once the page
// reports that its header has mounted.
type page struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex
	mounted atomic.Bool
}

func (p *page) Badge() (badge.Badge, bool) {
	if !p.mounted.Load() {
		return nil, false
	}
	return p, true
}

func (p *page) Render(visible bool, text string) {
	p.send(badgeMessage{Type: "badge", Visible: visible, Text: text})
}

func (p *page) send(v any) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := p.conn.WriteJSON(v); err != nil {
		p.logger.Debug("Page write failed", "error", err)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return s.origins[u.Scheme+"://"+u.Host]
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "ip", clientIP(r), "error", err)
		return
	}

	p := &page{conn: conn, logger: s.logger}
	s.trackPage(p)
	defer s.untrackPage(p)

	ctx, cancel := context.WithCancel(context.Background())
	session := identity.NewSession()
	tracker := badge.New(s.notifications, p, s.badgeOpts, s.metrics, s.logger)
	unbind := tracker.Bind(ctx, session)

	pingDone := make(chan struct{})
	var pingWG sync.WaitGroup
	pingWG.Add(1)
	go func() {
		defer pingWG.Done()
		s.pingLoop(p, pingDone)
	}()

	defer func() {
		unbind()
		tracker.Close()
		cancel()
		close(pingDone)
		pingWG.Wait()
		if err := conn.Close(); err != nil {
			s.logger.Debug("Page close failed", "error", err)
		}
	}()

	s.readLoop(ctx, p, session)
}

func (s *Server) readLoop(ctx context.Context, p *page, session *identity.Session) {
	p.conn.SetReadLimit(maxMessage)
	if err := p.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Page socket closed", "error", err)
			}
			return
		}
		if err := p.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		switch msg.Type {
		case "auth":
			id, err := s.verifier.Verify(ctx, msg.Token)
			if err != nil {
				p.send(errorMessage{Type: "error", Message: "invalid token"})
				continue
			}
			session.SignIn(id)
		case "signout":
			session.SignOut()
		case "mount":
			p.mounted.Store(true)
		default:
			p.send(errorMessage{Type: "error", Message: "unknown message type"})
		}
	}
}

func (s *Server) pingLoop(p *page, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) trackPage(p *page) {
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	s.pages[p] = struct{}{}
}

func (s *Server) untrackPage(p *page) {
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	delete(s.pages, p)
}

// closePages ends every open page socket; hijacked connections are not
// covered by http.Server.Shutdown.
func (s *Server) closePages() {
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	for p := range s.pages {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		if err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			s.logger.Debug("Page close message failed", "error", err)
		}
		if err := p.conn.Close(); err != nil {
			s.logger.Debug("Page close failed", "error", err)
		}
	}
}
