package explorer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

const (
	socketHandshakeTimeout = 10 * time.Second
	maxSocketBackoff       = 30 * time.Second
)

type socketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Socket streams new-transaction and new-block events from the explorer's
// websocket endpoint, reconnecting with backoff when the connection drops.
// Events arriving faster than the consumer drains them are dropped; the
// monitor's next poll picks the state up anyway.
type Socket struct {
	url    string
	log    hclog.Logger
	dialer *websocket.Dialer

	txs    chan string
	blocks chan string
}

func NewSocket(url string, logger hclog.Logger) *Socket {
	return &Socket{
		url:    url,
		log:    logger,
		dialer: &websocket.Dialer{HandshakeTimeout: socketHandshakeTimeout},
		txs:    make(chan string, 256),
		blocks: make(chan string, 16),
	}
}

// Txs emits txids of transactions entering the mempool.
func (s *Socket) Txs() <-chan string {
	return s.txs
}

// Blocks emits hashes of newly mined blocks.
func (s *Socket) Blocks() <-chan string {
	return s.blocks
}

// Run connects and keeps reading until ctx is done. Dial failures back off
// exponentially; an established connection that drops is redialed after a
// second.
func (s *Socket) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("explorer socket dial failed", "url", s.url, "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxSocketBackoff {
				backoff = maxSocketBackoff
			}
			continue
		}
		backoff = time.Second

		s.log.Info("explorer socket connected", "url", s.url)
		err = s.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("explorer socket disconnected", "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sub := map[string]string{"event": "subscribe", "room": "inv"}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	for {
		var msg socketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Event {
		case "tx":
			var ev struct {
				TxID string `json:"txid"`
			}
			if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.TxID == "" {
				s.log.Warn("malformed tx event", "data", string(msg.Data))
				continue
			}
			select {
			case s.txs <- ev.TxID:
			default:
				s.log.Warn("tx event queue full, dropping", "txid", ev.TxID)
			}
		case "block":
			var ev struct {
				Hash string `json:"hash"`
			}
			if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Hash == "" {
				s.log.Warn("malformed block event", "data", string(msg.Data))
				continue
			}
			select {
			case s.blocks <- ev.Hash:
			default:
				s.log.Warn("block event queue full, dropping", "hash", ev.Hash)
			}
		}
	}
}
