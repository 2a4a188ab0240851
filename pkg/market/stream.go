package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamClient manages the combined trade stream from the exchange's public
// websocket endpoint.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
}

// NewStreamClient builds a websocket client against streamURL
// (e.g. wss://stream.binance.com:9443).
func NewStreamClient(streamURL string) *StreamClient {
	return &StreamClient{
		StreamURL: streamURL,
		dialer:    websocket.DefaultDialer,
	}
}

// SubscribeTrades opens one combined connection carrying the trade streams of
// every symbol and pushes parsed price points into a channel. It returns the
// channel and a stop function. The channel closes when the connection drops;
// reconnecting is the caller's job.
func (c *StreamClient) SubscribeTrades(ctx context.Context, symbols []string) (<-chan PricePoint, func(), error) {
	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		streams = append(streams, strings.ToLower(sym)+"@trade")
	}
	u := fmt.Sprintf("%s/stream?streams=%s", c.StreamURL, strings.Join(streams, "/"))

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial exchange ws: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})

	out := make(chan PricePoint, 256)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			close(out)
		})
	}

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				log.Printf("[FEED] exchange ws read error: %v", err)
				return
			}

			point, err := parseTradeEnvelope(msg)
			if err != nil {
				log.Printf("[FEED] exchange ws parse error: %v", err)
				continue
			}
			if point.Symbol == "" {
				continue
			}

			select {
			case out <- point:
			default:
				// Drop under pressure; the next trade supersedes this one.
			}
		}
	}()

	return out, stop, nil
}

// parseTradeEnvelope decodes the combined-stream envelope down to the fields
// the feed needs.
func parseTradeEnvelope(msg []byte) (PricePoint, error) {
	var raw struct {
		Data struct {
			EventTime int64  `json:"E"`
			Symbol    string `json:"s"`
			Price     string `json:"p"`
			TradeTime int64  `json:"T"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return PricePoint{}, err
	}

	price, err := strconv.ParseFloat(raw.Data.Price, 64)
	if err != nil {
		return PricePoint{}, fmt.Errorf("parse price %q: %w", raw.Data.Price, err)
	}

	ts := raw.Data.TradeTime
	if ts == 0 {
		ts = raw.Data.EventTime
	}
	return PricePoint{Symbol: raw.Data.Symbol, Price: price, Timestamp: ts}, nil
}
