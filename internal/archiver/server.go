package archiver

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
)

const staleThresholdSecs = 300

// State is the shared liveness state a feed's archiver updates as
// messages arrive and the health server reads on every request. All
// fields are atomics so the bus-consuming goroutine never blocks on the
// HTTP handlers, and vice versa.
type State struct {
	Feed             string
	Connected        atomic.Bool
	LastMessageEpoch atomic.Int64
	DedupCount       atomic.Uint64
	FilesWritten     atomic.Uint64
	BytesWritten     atomic.Uint64
}

// NewState returns a State for feed, disconnected until MarkConnected
// and a message both arrive.
func NewState(feed string) *State {
	return &State{Feed: feed}
}

// MarkConnected flips Connected. Stream.Run sets it once its pull consumer
// is bound and clears it when Run returns.
func (s *State) MarkConnected(connected bool) {
	s.Connected.Store(connected)
}

// Touch records that a message just arrived, for staleness tracking.
func (s *State) Touch(now time.Time) {
	s.LastMessageEpoch.Store(now.Unix())
}

func (s *State) secondsSinceLastMessage(now time.Time) (int64, bool) {
	last := s.LastMessageEpoch.Load()
	if last == 0 {
		return 0, false
	}
	return now.Unix() - last, true
}

func (s *State) stale(now time.Time) bool {
	secs, ok := s.secondsSinceLastMessage(now)
	if !ok {
		return false
	}
	return secs > staleThresholdSecs
}

// NewServer builds a Fiber app exposing /health, /ready and /metrics for
// one feed's State, mirroring the liveness contract an orchestrator
// expects: health degrades to 503 once the feed goes quiet while still
// connected, ready additionally requires a connection to exist at all.
func NewServer(state *State) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "ssmd-archiver",
		DisableStartupMessage: true,
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		now := time.Now()
		connected := state.Connected.Load()
		stale := state.stale(now)
		secs, haveSecs := state.secondsSinceLastMessage(now)

		body := fiber.Map{
			"status":    "ok",
			"feed":      state.Feed,
			"connected": connected,
		}
		if haveSecs {
			body["last_message_secs_ago"] = secs
		}
		if stale {
			body["stale"] = true
		}

		status := fiber.StatusOK
		if stale && connected {
			status = fiber.StatusServiceUnavailable
			body["status"] = "stale"
		}
		return c.Status(status).JSON(body)
	})

	app.Get("/ready", func(c *fiber.Ctx) error {
		now := time.Now()
		connected := state.Connected.Load()
		stale := state.stale(now)

		readyStatus := "ready"
		switch {
		case !connected:
			readyStatus = "not_connected"
		case stale:
			readyStatus = "stale"
		}

		status := fiber.StatusServiceUnavailable
		if readyStatus == "ready" {
			status = fiber.StatusOK
		}
		return c.Status(status).JSON(fiber.Map{"status": readyStatus, "feed": state.Feed})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
		now := time.Now()
		connected := 0
		if state.Connected.Load() {
			connected = 1
		}
		secs, _ := state.secondsSinceLastMessage(now)

		return c.SendString(fmt.Sprintf(
			"# HELP ssmd_archiver_connected Whether the feed's upstream connection is up\n"+
				"# TYPE ssmd_archiver_connected gauge\n"+
				"ssmd_archiver_connected{feed=%q} %d\n"+
				"# HELP ssmd_archiver_last_message_seconds_ago Seconds since the last message was archived\n"+
				"# TYPE ssmd_archiver_last_message_seconds_ago gauge\n"+
				"ssmd_archiver_last_message_seconds_ago{feed=%q} %d\n"+
				"# HELP ssmd_archiver_dedup_total Duplicate messages skipped in the current Parquet hour\n"+
				"# TYPE ssmd_archiver_dedup_total counter\n"+
				"ssmd_archiver_dedup_total{feed=%q} %d\n"+
				"# HELP ssmd_archiver_files_written_total Files flushed across both sinks\n"+
				"# TYPE ssmd_archiver_files_written_total counter\n"+
				"ssmd_archiver_files_written_total{feed=%q} %d\n"+
				"# HELP ssmd_archiver_bytes_written_total Compressed bytes flushed across both sinks\n"+
				"# TYPE ssmd_archiver_bytes_written_total counter\n"+
				"ssmd_archiver_bytes_written_total{feed=%q} %d\n",
			state.Feed, connected,
			state.Feed, secs,
			state.Feed, state.DedupCount.Load(),
			state.Feed, state.FilesWritten.Load(),
			state.Feed, state.BytesWritten.Load(),
		))
	})

	return app
}
