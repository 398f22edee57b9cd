package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"lpvault/services/lendingd/journal"
)

const (
	wsWriteTimeout   = 10 * time.Second
	streamBuffer     = 256
	backlogPageLimit = 500
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.fail(w, r, fmt.Errorf("%w: event journal disabled", errUnavailable))
		return
	}
	after, err := queryUint(r, "after")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	query := r.URL.Query()
	entries, err := s.journal.List(r.Context(), journal.Query{
		Type:       strings.TrimSpace(query.Get("type")),
		Module:     strings.TrimSpace(query.Get("module")),
		PositionID: strings.TrimSpace(query.Get("position")),
		After:      after,
		Limit:      int(limit),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

// handleEventStream upgrades to a websocket and streams journal entries.
// The cursor query parameter replays every entry with a greater sequence
// before switching to live delivery.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.fail(w, r, fmt.Errorf("%w: event journal disabled", errUnavailable))
		return
	}
	cursor, err := queryUint(r, "cursor")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(s.cfg.CORS.AllowedOrigins)})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	live, cancel := s.journal.Subscribe(streamBuffer)
	defer cancel()

	last := cursor
	for {
		backlog, err := s.journal.List(ctx, journal.Query{After: last, Limit: backlogPageLimit})
		if err != nil {
			return err
		}
		for _, entry := range backlog {
			if err := writeEntry(ctx, conn, entry); err != nil {
				return err
			}
			last = entry.Sequence
		}
		if len(backlog) < backlogPageLimit {
			break
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-live:
			if !ok {
				return nil
			}
			if entry.Sequence <= last {
				continue
			}
			if entry.Sequence > last+1 {
				// the subscriber fell behind; fill the gap from storage
				missed, err := s.journal.List(ctx, journal.Query{After: last, Limit: int(entry.Sequence - last - 1)})
				if err != nil {
					return err
				}
				for _, m := range missed {
					if err := writeEntry(ctx, conn, m); err != nil {
						return err
					}
					last = m.Sequence
				}
			}
			if err := writeEntry(ctx, conn, entry); err != nil {
				return err
			}
			last = entry.Sequence
		}
	}
}

// originPatterns converts CORS origins into the host patterns the websocket
// handshake matches against.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return []string{"*"}
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			origin = parsed.Host
		}
		out = append(out, origin)
	}
	return out
}

func writeEntry(ctx context.Context, conn *websocket.Conn, entry journal.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
