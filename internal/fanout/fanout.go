// Package fanout pushes committed state changes to subscribers. Delivery is
// best effort: a failing sink is logged and never affects the mutation that
// produced the event.
package fanout

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	EventTicketUpdate  = "ticket:update"
	EventCounterTicket = "counter:ticket"
	EventStatsUpdate   = "stats:update"
)

const defaultDeliveryTimeout = 2 * time.Second

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Scope narrows an event to one counter. The zero value is global.
type Scope struct {
	CounterID string `json:"counter_id,omitempty"`
}

func Global() Scope { return Scope{} }

func Counter(counterID string) Scope { return Scope{CounterID: counterID} }

type Event struct {
	Name      string      `json:"type"`
	Scope     Scope       `json:"scope"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

// StatsPayload is the body of stats:update.
type StatsPayload struct {
	CounterID string      `json:"counter_id"`
	Totals    interface{} `json:"totals"`
}

// Encode renders the envelope every sink sends.
func Encode(event Event) ([]byte, error) {
	return json.Marshal(event)
}

type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

type Publisher struct {
	sinks   []Sink
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

func NewPublisher(log *zap.Logger, timeout time.Duration, sinks ...Sink) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return &Publisher{sinks: sinks, timeout: timeout, log: log, now: time.Now}
}

// Publish hands the event to every sink in turn. Each delivery gets its own
// deadline and ignores cancellation of ctx.
func (p *Publisher) Publish(ctx context.Context, name string, payload interface{}, scope Scope) {
	if p == nil {
		return
	}
	event := Event{Name: name, Scope: scope, Payload: payload, CreatedAt: p.now().UTC()}
	base := context.WithoutCancel(ctx)
	for _, sink := range p.sinks {
		deliverCtx, cancel := context.WithTimeout(base, p.timeout)
		err := sink.Deliver(deliverCtx, event)
		cancel()
		if err != nil {
			p.log.Warn("event delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("event", name),
				zap.String("counter_id", scope.CounterID),
				zap.Error(err),
			)
		}
	}
}
