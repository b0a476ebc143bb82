package hub

import (
    "context"
    "encoding/json"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog"

    "routedispatch/internal/model"
)

// Event is the relay envelope for dashboards and other hub instances.
type Event struct {
    Type      string          `json:"type"`
    VehicleID string          `json:"vehicleId"`
    Version   int64           `json:"version"`
    Data      json.RawMessage `json:"data"`
}

func DeltaEvent(d model.Delta) Event {
    b, _ := json.Marshal(d)
    return Event{Type: "route.delta", VehicleID: d.VehicleID, Version: d.Version, Data: b}
}

func AlertEvent(a Alert) Event {
    b, _ := json.Marshal(a)
    return Event{Type: "driver." + string(a.State), VehicleID: a.VehicleID, Data: b}
}

// Relay mirrors hub events per vehicle. Publish must not block: it is
// called while the vehicle's route is locked.
type Relay interface {
    Subscribe(vehicleID string) chan Event
    Unsubscribe(vehicleID string, ch chan Event)
    Publish(vehicleID string, evt Event)
}

type MemoryRelay struct {
    mu   sync.Mutex
    subs map[string]map[chan Event]struct{} // vehicleID -> set of channels
}

func NewMemoryRelay() *MemoryRelay {
    return &MemoryRelay{subs: map[string]map[chan Event]struct{}{}}
}

func (b *MemoryRelay) Subscribe(vehicleID string) chan Event {
    ch := make(chan Event, 16)
    b.mu.Lock()
    if b.subs[vehicleID] == nil { b.subs[vehicleID] = map[chan Event]struct{}{} }
    b.subs[vehicleID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *MemoryRelay) Unsubscribe(vehicleID string, ch chan Event) {
    b.mu.Lock()
    defer b.mu.Unlock()
    if m := b.subs[vehicleID]; m != nil {
        if _, ok := m[ch]; !ok { return }
        delete(m, ch)
        if len(m) == 0 { delete(b.subs, vehicleID) }
        close(ch)
    }
}

func (b *MemoryRelay) Publish(vehicleID string, evt Event) {
    b.mu.Lock()
    m := b.subs[vehicleID]
    for ch := range m {
        select { case ch <- evt: default: }
    }
    b.mu.Unlock()
}

// RedisRelay fans events out over Redis Pub/Sub on channel route:<vehicleID>.
// Publishes are handed to a single goroutine so callers never wait on the
// network and per-vehicle order is kept.
type RedisRelay struct {
    rdb  *redis.Client
    log  zerolog.Logger
    out  chan redisPub
    done chan struct{}
    wg   sync.WaitGroup

    mu   sync.Mutex
    subs map[chan Event]*redis.PubSub
}

type redisPub struct {
    channel string
    payload []byte
}

func NewRedisRelay(rdb *redis.Client, log zerolog.Logger) *RedisRelay {
    b := &RedisRelay{rdb: rdb, log: log, out: make(chan redisPub, 1024), done: make(chan struct{}), subs: map[chan Event]*redis.PubSub{}}
    b.wg.Add(1)
    go b.loop()
    return b
}

// NewRedisRelayURL connects using a redis:// URL.
func NewRedisRelayURL(url string, log zerolog.Logger) (*RedisRelay, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    return NewRedisRelay(redis.NewClient(opt), log), nil
}

func (b *RedisRelay) loop() {
    defer b.wg.Done()
    for {
        select {
        case <-b.done:
            return
        case p := <-b.out:
            ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
            if err := b.rdb.Publish(ctx, p.channel, p.payload).Err(); err != nil {
                b.log.Warn().Err(err).Str("channel", p.channel).Msg("relay publish failed")
            }
            cancel()
        }
    }
}

func (b *RedisRelay) Subscribe(vehicleID string) chan Event {
    ch := make(chan Event, 16)
    ctx := context.Background()
    ps := b.rdb.Subscribe(ctx, b.chanName(vehicleID))
    // wait for the subscription to be confirmed
    if _, err := ps.Receive(ctx); err != nil {
        b.log.Warn().Err(err).Str("vehicle", vehicleID).Msg("relay subscribe failed")
    }
    b.mu.Lock()
    b.subs[ch] = ps
    b.mu.Unlock()
    go func() {
        defer close(ch)
        for msg := range ps.Channel() {
            var evt Event
            if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
                select { case ch <- evt: default: }
            }
        }
    }()
    return ch
}

// Unsubscribe closes the Pub/Sub connection; ch is closed once its reader
// goroutine drains.
func (b *RedisRelay) Unsubscribe(vehicleID string, ch chan Event) {
    b.mu.Lock()
    ps := b.subs[ch]
    delete(b.subs, ch)
    b.mu.Unlock()
    if ps != nil { _ = ps.Close() }
}

func (b *RedisRelay) Publish(vehicleID string, evt Event) {
    data, err := json.Marshal(evt)
    if err != nil { return }
    select {
    case b.out <- redisPub{channel: b.chanName(vehicleID), payload: data}:
    default:
        b.log.Warn().Str("vehicle", vehicleID).Msg("relay queue full; event dropped")
    }
}

// Ping checks the Redis connection; used by readiness probes.
func (b *RedisRelay) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisRelay) Close() error {
    close(b.done)
    b.wg.Wait()
    return b.rdb.Close()
}

func (b *RedisRelay) chanName(vehicleID string) string { return "route:" + vehicleID }
