package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"crypto-alert-bot/internal/types"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// binanceStream is a push-based adapter: it keeps a trade stream open and
// serves the latest cached value. A fetch fails with ErrStale once the cache
// ages past the freshness bound, so the scheduler treats a dead stream as a
// transient failure instead of alerting on outdated data.
type binanceStream struct {
	symbol    string
	freshness time.Duration

	mu    sync.RWMutex
	price decimal.Decimal
	at    time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newBinanceStream(symbol string, freshness time.Duration) *binanceStream {
	s := &binanceStream{
		symbol:    symbol,
		freshness: freshness,
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *binanceStream) Fetch(_ context.Context, symbol string) (types.PriceObservation, error) {
	s.mu.RLock()
	price, at := s.price, s.at
	s.mu.RUnlock()

	if at.IsZero() {
		return types.PriceObservation{}, errors.Wrapf(ErrStale, "binance stream %s: no data yet", s.symbol)
	}
	if age := time.Since(at); age > s.freshness {
		return types.PriceObservation{}, errors.Wrapf(ErrStale, "binance stream %s: last update %s ago", s.symbol, age.Round(time.Second))
	}
	return types.PriceObservation{
		Exchange:  ExchangeBinanceWS,
		Symbol:    symbol,
		Price:     price,
		Timestamp: at,
	}, nil
}

func (s *binanceStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *binanceStream) run() {
	url := fmt.Sprintf("wss://stream.binance.com:9443/ws/%s@trade", strings.ToLower(s.symbol))
	for {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			log.Debugf("binance stream %s: dial failed: %v", s.symbol, err)
			if !s.sleep(5 * time.Second) {
				return
			}
			continue
		}

		stop := make(chan struct{})
		go func() {
			select {
			case <-s.done:
				conn.Close()
			case <-stop:
			}
		}()

		s.readLoop(conn)
		close(stop)
		conn.Close()

		if !s.sleep(time.Second) {
			return
		}
		log.Debugf("binance stream %s: reconnecting", s.symbol)
	}
}

func (s *binanceStream) sleep(d time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-time.After(d):
		return true
	}
}

func (s *binanceStream) readLoop(conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(time.Minute))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Debugf("binance stream %s: read failed: %v", s.symbol, err)
			}
			return
		}

		var trade struct {
			Price string `json:"p"`
		}
		if err := json.Unmarshal(msg, &trade); err != nil || trade.Price == "" {
			continue
		}
		price, err := decimal.NewFromString(trade.Price)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.price = price
		s.at = time.Now()
		s.mu.Unlock()
	}
}
