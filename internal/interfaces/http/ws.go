package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tradeguard/resilience/internal/domain"
)

const (
	wsReadLimit  = 64 << 10
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Probe agents connect from arbitrary hosts; auth is handled upstream.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSampleStream accepts a long-lived stream of health samples. Each
// message is one JSON-encoded sample; malformed messages close the
// connection so a confused producer fails loudly instead of silently
// feeding garbage into breaker decisions.
func (s *Server) handleSampleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws: upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	log.Debug().Str("remote", r.RemoteAddr).Msg("ws: sample stream connected")
	for {
		var sample domain.HealthSample
		if err := conn.ReadJSON(&sample); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws: sample stream closed")
			}
			return
		}
		if sample.Provider == "" {
			continue
		}
		if sample.Timestamp.IsZero() {
			sample.Timestamp = time.Now().UTC()
		}
		if !s.samples.Offer(sample) {
			log.Warn().Str("provider", sample.Provider).Msg("ws: sample dropped, buffer full")
		}
	}
}
