package feed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/domain"
)

// Broker wire constants. Outgoing control frames are JSON; market data
// arrives as little-endian binary packets with an 8-byte header.
const (
	requestCodeSubscribe   = 15
	requestCodeUnsubscribe = 16

	packetKindTicker     = 2
	packetKindQuote      = 4
	packetKindPrevClose  = 6
	packetKindFull       = 8
	packetKindDisconnect = 50

	headerLen = 8
)

var segmentByCode = map[byte]domain.Segment{
	0: domain.SegmentIndex,
	1: domain.SegmentNSEEq,
	2: domain.SegmentNSEFNO,
	8: domain.SegmentBSEFNO,
}

// wireInstrument is the broker's JSON shape for one instrument.
type wireInstrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

// wireSubscription is the broker's JSON control frame.
type wireSubscription struct {
	RequestCode     int              `json:"RequestCode"`
	InstrumentCount int              `json:"InstrumentCount"`
	InstrumentList  []wireInstrument `json:"InstrumentList"`
}

/// WSTransport is the production Transport: one gorilla/websocket
// connection with a ping loop and read deadlines. Reconnects are driven
// by the hub; the transport only reports failure.
type WSTransport struct {
	cfg config.FeedConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closeCh   chan struct{}
}

// NewWSTransport builds a transport from the feed config.
func NewWSTransport(cfg config.FeedConfig) *WSTransport {
	return &WSTransport{cfg: cfg}
}

// Connect dials the feed endpoint with credentials in the query string.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return fmt.Errorf("already connected")
	}

	u, err := url.Parse(t.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("invalid feed URL: %w", err)
	}
	q := u.Query()
	q.Set("version", "2")
	q.Set("token", t.cfg.AccessToken)
	q.Set("clientId", t.cfg.ClientID)
	q.Set("authType", "2")
	u.RawQuery = q.Encode()

	log.Info().Str("url", t.cfg.WSURL).Msg("Connecting to market feed")

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("feed connection failed: %w", err)
	}

	readTimeout := t.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 40 * time.Second
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	t.conn = conn
	t.connected = true
	t.closeCh = make(chan struct{})

	go t.pingLoop(conn, t.closeCh)

	log.Info().Msg("Market feed connected")
	return nil
}

// Send writes one subscribe/unsubscribe frame.
func (t *WSTransport) Send(_ context.Context, req SubscriptionRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return fmt.Errorf("not connected")
	}

	code := requestCodeSubscribe
	if req.Action == ActionUnsubscribe {
		code = requestCodeUnsubscribe
	}
	frame := wireSubscription{
		RequestCode:     code,
		InstrumentCount: len(req.Instruments),
		InstrumentList:  make([]wireInstrument, 0, len(req.Instruments)),
	}
	for _, ik := range req.Instruments {
		frame.InstrumentList = append(frame.InstrumentList, wireInstrument{
			ExchangeSegment: string(ik.Segment),
			SecurityID:      ik.SecurityID,
		})
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}
	return nil
}

// ReadTick blocks for the next market-data packet. Text frames (control
// acks) are consumed silently.
func (t *WSTransport) ReadTick(ctx context.Context) (domain.Tick, error) {
	t.mu.Lock()
	conn, connected := t.conn, t.connected
	t.mu.Unlock()
	if !connected {
		return domain.Tick{}, fmt.Errorf("not connected")
	}

	readTimeout := t.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 40 * time.Second
	}

	for {
		if err := ctx.Err(); err != nil {
			return domain.Tick{}, err
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return domain.Tick{}, fmt.Errorf("feed read failed: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			tick, ok, err := decodePacket(data)
			if err != nil {
				return domain.Tick{}, err
			}
			if !ok {
				continue
			}
			tick.ReceivedAt = time.Now()
			return tick, nil
		case websocket.TextMessage:
			log.Debug().RawJSON("message", data).Msg("Feed control message")
		default:
		}
	}
}

// Close tears down the connection. Safe to call repeatedly.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	close(t.closeCh)
	err := t.conn.Close()
	t.conn = nil
	t.connected = false
	return err
}

// IsConnected reports transport-level connectivity.
func (t *WSTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WSTransport) pingLoop(conn *websocket.Conn, closeCh chan struct{}) {
	interval := t.cfg.PingInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-closeCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			if !t.connected || t.conn != conn {
				t.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Msg("Feed ping failed")
				return
			}
		}
	}
}

// decodePacket parses one binary market-data packet. ok=false means the
// packet is valid but carries nothing the controller consumes.
func decodePacket(data []byte) (domain.Tick, bool, error) {
	if len(data) < headerLen {
		return domain.Tick{}, false, nil
	}

	kind := data[0]
	seg, segOK := segmentByCode[data[3]]
	sid := binary.LittleEndian.Uint32(data[4:8])

	switch kind {
	case packetKindDisconnect:
		reason := uint16(0)
		if len(data) >= headerLen+2 {
			reason = binary.LittleEndian.Uint16(data[8:10])
		}
		return domain.Tick{}, false, fmt.Errorf("feed disconnected by server (code %d)", reason)

	case packetKindTicker:
		if !segOK || len(data) < headerLen+8 {
			return domain.Tick{}, false, nil
		}
		ltp := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[8:12])))
		ltt := int64(binary.LittleEndian.Uint32(data[12:16]))
		return domain.Tick{
			Segment:    seg,
			SecurityID: fmt.Sprintf("%d", sid),
			LTP:        ltp,
			Kind:       domain.TickKindTicker,
			TS:         ltt,
		}, true, nil

	case packetKindQuote, packetKindFull:
		// Quote and full packets share the leading LTP; LTT follows the
		// two-byte last-traded-quantity field.
		if !segOK || len(data) < headerLen+10 {
			return domain.Tick{}, false, nil
		}
		ltp := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[8:12])))
		ltt := int64(binary.LittleEndian.Uint32(data[14:18]))
		k := domain.TickKindQuote
		if kind == packetKindFull {
			k = domain.TickKindFull
		}
		return domain.Tick{
			Segment:    seg,
			SecurityID: fmt.Sprintf("%d", sid),
			LTP:        ltp,
			Kind:       k,
			TS:         ltt,
		}, true, nil

	case packetKindPrevClose:
		if !segOK || len(data) < headerLen+4 {
			return domain.Tick{}, false, nil
		}
		prev := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[8:12])))
		return domain.Tick{
			Segment:    seg,
			SecurityID: fmt.Sprintf("%d", sid),
			LTP:        prev,
			Kind:       domain.TickKindPrevClose,
		}, true, nil
	}

	return domain.Tick{}, false, nil
}
