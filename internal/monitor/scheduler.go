package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Scheduler runs the monitor on an interval and on demand. Runs never
// overlap; triggers that arrive while one is queued are coalesced.
type Scheduler struct {
	Monitor  Monitor
	Interval time.Duration
	Log      zerolog.Logger

	trigger chan string
	running sync.Mutex
	mu      sync.Mutex
	last    *Summary
}

func NewScheduler(m Monitor, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{Monitor: m, Interval: interval, Log: log, trigger: make(chan string, 1)}
}

// Trigger queues a run. It returns false when a run is already queued.
func (s *Scheduler) Trigger(source string) bool {
	select {
	case s.trigger <- source:
		return true
	default:
		return false
	}
}

// RunNow runs the monitor synchronously, waiting for any run in progress.
func (s *Scheduler) RunNow(ctx context.Context, trigger string) (Summary, error) {
	s.running.Lock()
	defer s.running.Unlock()
	sum, err := s.Monitor.Run(ctx, trigger)
	if err != nil {
		return sum, err
	}
	s.mu.Lock()
	s.last = &sum
	s.mu.Unlock()
	return sum, nil
}

// Last returns the summary of the most recent successful run.
func (s *Scheduler) Last() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.Interval > 0 {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		var trigger string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			trigger = "interval"
		case trigger = <-s.trigger:
		}
		if _, err := s.RunNow(ctx, trigger); err != nil {
			s.Log.Error().Err(err).Str("trigger", trigger).Msg("signature monitor run failed")
		}
	}
}

// SubscribeNATS queues a run for every message on subject. Requests get a
// reply saying whether the run was queued or coalesced.
func (s *Scheduler) SubscribeNATS(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		queued := s.Trigger("nats")
		s.Log.Debug().Str("subject", msg.Subject).Bool("queued", queued).Msg("monitor trigger received")
		if msg.Reply == "" {
			return
		}
		body, _ := json.Marshal(map[string]bool{"queued": queued})
		if err := msg.Respond(body); err != nil {
			s.Log.Warn().Err(err).Msg("reply to monitor trigger")
		}
	})
}
