package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gigmesh/gig-gossip-network/pkg/log"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsDialTimeout  = 15 * time.Second
)

// WebsocketRelay speaks the JSON array relay protocol over a websocket:
// ["EVENT", event] to publish, ["REQ", subId, filter...] to subscribe, and
// inbound ["EVENT", subId, event] / ["EOSE", subId] / ["OK", id, ...] frames.
// A dropped connection closes every subscription channel; the session layer
// resubscribes, which transparently redials.
type WebsocketRelay struct {
	url string

	mx   sync.Mutex
	conn *websocket.Conn
	subs map[string]*wsSub

	closeCtx context.Context
	closer   func()
}

type wsSub struct {
	filters []Filter
	ch      chan *Event
}

func NewWebsocketRelay(url string) *WebsocketRelay {
	r := &WebsocketRelay{
		url:  url,
		subs: map[string]*wsSub{},
	}
	r.closeCtx, r.closer = context.WithCancel(context.Background())
	return r
}

func (r *WebsocketRelay) Publish(ctx context.Context, ev *Event) error {
	return r.write(ctx, []any{"EVENT", ev})
}

func (r *WebsocketRelay) Subscribe(ctx context.Context, filters []Filter) (<-chan *Event, error) {
	msg := make([]any, 0, len(filters)+2)
	subId := uuid.New().String()
	msg = append(msg, "REQ", subId)
	for i := range filters {
		msg = append(msg, &filters[i])
	}

	sub := &wsSub{
		filters: filters,
		ch:      make(chan *Event, 1024),
	}

	r.mx.Lock()
	r.subs[subId] = sub
	r.mx.Unlock()

	if err := r.write(ctx, msg); err != nil {
		r.mx.Lock()
		delete(r.subs, subId)
		r.mx.Unlock()
		return nil, err
	}

	return sub.ch, nil
}

func (r *WebsocketRelay) Close() {
	r.closer()

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

func (r *WebsocketRelay) write(ctx context.Context, msg []any) error {
	select {
	case <-r.closeCtx.Done():
		return ErrNotConnected
	default:
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	conn, err := r.ensureConn(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode relay message: %w", err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.dropConnLocked()
		return fmt.Errorf("failed to write to relay: %w", err)
	}
	return nil
}

// ensureConn dials lazily and restores the open subscriptions on a fresh
// connection. Caller holds the mutex.
func (r *WebsocketRelay) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	if r.conn != nil {
		return r.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", r.url, err)
	}
	r.conn = conn

	go r.readLoop(conn)

	// replay REQs for subscriptions that predate this connection
	for subId, sub := range r.subs {
		msg := make([]any, 0, len(sub.filters)+2)
		msg = append(msg, "REQ", subId)
		for i := range sub.filters {
			msg = append(msg, &sub.filters[i])
		}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
			r.dropConnLocked()
			return nil, fmt.Errorf("failed to restore subscription: %w", err)
		}
	}

	log.Info().Str("url", r.url).Msg("connected to relay")
	return conn, nil
}

func (r *WebsocketRelay) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.mx.Lock()
			if r.conn == conn {
				r.dropConnLocked()
			}
			r.mx.Unlock()

			select {
			case <-r.closeCtx.Done():
			default:
				log.Warn().Err(err).Str("url", r.url).Msg("relay connection lost")
			}
			return
		}

		var raw []json.RawMessage
		if err = json.Unmarshal(data, &raw); err != nil || len(raw) < 2 {
			continue
		}

		var typ string
		if err = json.Unmarshal(raw[0], &typ); err != nil {
			continue
		}

		switch typ {
		case "EVENT":
			if len(raw) < 3 {
				continue
			}
			var subId string
			if err = json.Unmarshal(raw[1], &subId); err != nil {
				continue
			}
			var ev *Event
			if err = json.Unmarshal(raw[2], &ev); err != nil {
				log.Debug().Err(err).Msg("failed to decode relay event")
				continue
			}

			// send under the lock: dropConnLocked may close the channel
			r.mx.Lock()
			if sub := r.subs[subId]; sub != nil {
				select {
				case sub.ch <- ev:
				default:
					log.Warn().Str("sub", subId).Msg("dropping event, subscription consumer too slow")
				}
			}
			r.mx.Unlock()
		case "EOSE", "OK", "NOTICE":
			// end-of-stored-events, publish acks and notices need no action
		}
	}
}

// dropConnLocked closes the connection and every subscription channel so
// consumers observe the disconnect. Caller holds the mutex.
func (r *WebsocketRelay) dropConnLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	for subId, sub := range r.subs {
		close(sub.ch)
		delete(r.subs, subId)
	}
}
