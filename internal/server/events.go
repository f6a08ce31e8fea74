package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"cesar/internal/jobs"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 64
)

type eventsResponse struct {
	Events  []jobs.Event `json:"events"`
	LastSeq int64        `json:"last_seq"`
}

// listEvents returns buffered events after ?since=.
func (s *Server) listEvents(c echo.Context) error {
	since, err := parseSince(c.QueryParam("since"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "since must be an integer")
	}

	events := s.events.Since(since)
	resp := eventsResponse{Events: events, LastSeq: since}
	if resp.Events == nil {
		resp.Events = []jobs.Event{}
	}
	if n := len(events); n > 0 {
		resp.LastSeq = events[n-1].Seq
	}
	return c.JSON(http.StatusOK, resp)
}

// streamEvents upgrades to a websocket, replays buffered events after
// ?since= and then pushes live ones until the client goes away.
func (s *Server) streamEvents(c echo.Context) error {
	since, err := parseSince(c.QueryParam("since"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "since must be an integer")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	live, cancel := s.events.Subscribe(wsBuffer)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(event jobs.Event) bool {
		if event.Seq <= since {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			return false
		}
		since = event.Seq
		return true
	}

	for _, event := range s.events.Since(since) {
		if !send(event) {
			return nil
		}
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-closed:
			return nil
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return nil
		case event, ok := <-live:
			if !ok || !send(event) {
				return nil
			}
		}
	}
}

func parseSince(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
