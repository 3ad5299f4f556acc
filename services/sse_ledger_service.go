package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// LedgerStream pushes a user's new ledger entries (stakes, forfeitures,
// payouts) over server-sent events.
type LedgerStream struct {
	Store    LedgerStore
	Interval time.Duration
	Now      Clock
}

func NewLedgerStream(store LedgerStore) *LedgerStream {
	return &LedgerStream{Store: store, Interval: 2 * time.Second, Now: time.Now}
}

// StreamUserLedgerSSE streams ledger updates for the authenticated user.
func (s *LedgerStream) StreamUserLedgerSSE(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	done := c.Context().Done()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-done:
				cancel()
			case <-ctx.Done():
			}
		}()

		s.pump(ctx, w, userID)
	})
	return nil
}

// pump polls for new entries until ctx ends or the client stops reading.
// Idle ticks write a comment line so a gone client fails the flush.
func (s *LedgerStream) pump(ctx context.Context, w *bufio.Writer, userID string) {
	cursor := s.Now()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Initial keepalive (comment event)
	w.WriteString(":\n\n")
	if err := w.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			next, err := s.writeSince(ctx, w, userID, cursor)
			if err != nil {
				log.Debug().Err(err).Str("user_id", userID).Msg("SSE ledger stream closed")
				return
			}
			cursor = next
		case <-ctx.Done():
			return
		}
	}
}

// writeSince writes entries created after cursor and returns the new cursor.
// With nothing new it writes a keepalive. Only write failures are returned;
// query errors are logged and retried.
func (s *LedgerStream) writeSince(ctx context.Context, w *bufio.Writer, userID string, cursor time.Time) (time.Time, error) {
	entries, err := s.Store.ListEntriesSince(ctx, userID, cursor)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("⚠️ SSE ledger query failed")
		entries = nil
	}
	if len(entries) == 0 {
		w.WriteString(":\n\n")
		return cursor, w.Flush()
	}
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: ledger\ndata: %s\n\n", payload)
	}
	if err := w.Flush(); err != nil {
		return cursor, err
	}
	return entries[len(entries)-1].CreatedAt, nil
}
