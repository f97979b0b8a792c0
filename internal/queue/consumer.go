package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
    "go.uber.org/zap"
)

// Handler processes one delivery body.  A returned error rejects the
// message without requeueing it, to avoid tight redelivery loops.
type Handler func(ctx context.Context, body []byte) error

// Consumer drains one durable queue.  It runs a reconnect loop with
// exponential backoff and only returns when its context is cancelled.
type Consumer struct {
    url      string
    queue    string
    handle   Handler
    log      *zap.Logger
    prefetch int
}

// NewConsumer returns a consumer of queue that passes each body to handle.
func NewConsumer(url, queue string, handle Handler, log *zap.Logger) *Consumer {
    if log == nil {
        log = zap.NewNop()
    }
    return &Consumer{url: url, queue: queue, handle: handle, log: log.Named("amqp.consumer").With(zap.String("queue", queue)), prefetch: 50}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
    backoff := time.Second
    for {
        conn, err := amqp.Dial(c.url)
        if err != nil {
            c.log.Warn("failed to dial broker, retrying", zap.Duration("backoff", backoff), zap.Error(err))
            if !sleep(ctx, backoff) {
                return ctx.Err()
            }
            if backoff < 30*time.Second {
                backoff *= 2
            }
            continue
        }
        backoff = time.Second

        err = c.consumeLoop(ctx, conn)
        _ = conn.Close()
        if ctx.Err() != nil {
            return ctx.Err()
        }
        c.log.Warn("consume loop ended, reconnecting", zap.Error(err))
        if !sleep(ctx, 2*time.Second) {
            return ctx.Err()
        }
    }
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(c.prefetch, 0, false); err != nil {
        c.log.Warn("set QoS failed", zap.Error(err))
    }
    if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }
    msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }

    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case d, ok := <-msgs:
            if !ok {
                return errors.New("deliveries channel closed")
            }
            if err := c.handle(ctx, d.Body); err != nil {
                c.log.Warn("handle message failed", zap.Error(err))
                _ = d.Nack(false, false)
                continue
            }
            _ = d.Ack(false)
        }
    }
}

func sleep(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}

// ReservationLog appends reservation events to <dir>/reservation.log, one
// human-readable line per event.
type ReservationLog struct {
    Dir string
}

// Handle is a Handler for the reservation.events queue.
func (l ReservationLog) Handle(_ context.Context, body []byte) error {
    var ev ReservationEvent
    if err := json.Unmarshal(body, &ev); err != nil {
        return fmt.Errorf("unmarshal: %w", err)
    }
    if err := os.MkdirAll(l.Dir, 0o755); err != nil {
        return fmt.Errorf("mkdir logs: %w", err)
    }
    f, err := os.OpenFile(filepath.Join(l.Dir, "reservation.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
    if err != nil {
        return fmt.Errorf("open log file: %w", err)
    }
    defer f.Close()

    if _, err := f.WriteString(FormatEvent(ev)); err != nil {
        return fmt.Errorf("write log: %w", err)
    }
    return nil
}

// FormatEvent renders ev as one log line.
func FormatEvent(ev ReservationEvent) string {
    line := fmt.Sprintf("[%s] %s | id=%s | occupant=%s | vehicle=%s | seat=%d",
        ev.OccurredAt.UTC().Format(time.RFC3339), ev.Type, ev.ID, ev.Occupant, ev.VehicleID, ev.Seat)
    if ev.PreviousSeat > 0 {
        line += fmt.Sprintf(" | previous_seat=%d", ev.PreviousSeat)
    }
    return line + "\n"
}

// PositionHandler decodes vehicle.position messages and passes them to
// apply.
func PositionHandler(apply func(ctx context.Context, msg PositionMessage) error) Handler {
    return func(ctx context.Context, body []byte) error {
        var msg PositionMessage
        if err := json.Unmarshal(body, &msg); err != nil {
            return fmt.Errorf("unmarshal: %w", err)
        }
        return apply(ctx, msg)
    }
}
