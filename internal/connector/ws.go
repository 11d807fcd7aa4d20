package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"arbflow/logger"
)

const (
	defaultReconnectDelay = 5 * time.Second
	keepAliveInterval     = 20 * time.Second
	readTimeout           = 60 * time.Second
	writeTimeout          = 10 * time.Second
	subscribeRate         = 5 // subscription frames per second
)

// wsConn serializes writes to the websocket. The read loop, the keepalive
// loop and heartbeat replies all write concurrently.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) write(messageType int, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(messageType, payload)
}

// run is the connection loop: dial, subscribe, stream, reconnect with
// backoff until the attempt budget is spent or the context is cancelled.
func (c *Connector) run() {
	defer c.wg.Done()

	log := c.log.WithComponent(c.adapter.Name() + "_connector")
	attempts := 0

	for {
		if c.ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		c.adapter.Reset()

		err := c.connectOnce(log)
		if c.ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if err != nil {
			log.WithError(err).Warn("connection ended")
			c.emitError(err)
		}

		if !c.cfg.Reconnect {
			c.setState(StateDisconnected)
			return
		}

		attempts++
		if c.cfg.MaxReconnectAttempts > 0 && attempts > c.cfg.MaxReconnectAttempts {
			log.WithFields(logger.Fields{"attempts": attempts - 1}).Error("reconnect attempts exhausted")
			c.emitError(fmt.Errorf("%s: reconnect attempts exhausted", c.adapter.Name()))
			c.setState(StateDisconnected)
			return
		}
		c.reconnects.Add(1)

		c.setState(StateReconnecting)
		c.markUnsynced()

		delay := c.reconnectDelay(attempts)
		log.WithFields(logger.Fields{
			"attempt": attempts,
			"delay":   delay.String(),
		}).Warn("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return
		case <-timer.C:
		}
	}
}

// reconnectDelay applies fixed or capped exponential backoff per config.
func (c *Connector) reconnectDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	if !c.cfg.ExponentialBackoff {
		return delay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.cfg.MaxReconnectDelay > 0 && delay >= c.cfg.MaxReconnectDelay {
			return c.cfg.MaxReconnectDelay
		}
	}
	return delay
}

// connectOnce performs one full connection lifecycle: endpoint resolution
// (including any venue auth handshake), dial, subscribe and the read loop.
// It returns when the transport fails or the context is cancelled.
func (c *Connector) connectOnce(log *logger.Entry) error {
	endpoint, err := c.adapter.Endpoint(c.ctx)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(c.ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	// Close the transport on cancellation so the read loop does not sit out
	// its deadline during shutdown.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-c.ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	frames, err := c.adapter.SubscribeFrames(c.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("build subscriptions: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(subscribeRate), 1)
	for _, frame := range frames {
		if err := limiter.Wait(c.ctx); err != nil {
			return err
		}
		if err := ws.write(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	c.setState(StateSubscribed)
	c.connectedAt.Store(time.Now().UnixMilli())
	log.WithFields(logger.Fields{
		"endpoint":      endpoint,
		"subscriptions": len(frames),
	}).Info("subscribed")

	// Venues whose delta stream needs an out-of-band snapshot seed each
	// configured symbol after subscribing.
	if r, ok := c.adapter.(resyncer); ok {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.seedBooks(r)
		}()
	}

	pingCtx, pingCancel := context.WithCancel(c.ctx)
	defer pingCancel()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.keepAlive(pingCtx, ws)
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if c.ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.dispatch(raw, ws)
	}
}

// keepAlive sends protocol-level pings plus any venue application ping the
// adapter requires. Server side heartbeats are answered in dispatch.
func (c *Connector) keepAlive(ctx context.Context, ws *wsConn) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	payload, interval, hasAppPing := c.adapter.AppPing()
	var appTicker *time.Ticker
	var appC <-chan time.Time
	if hasAppPing {
		appTicker = time.NewTicker(interval)
		appC = appTicker.C
		defer appTicker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-appC:
			if err := ws.write(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// dispatch classifies one inbound frame and routes it.
func (c *Connector) dispatch(raw []byte, ws *wsConn) {
	logger.IncrementFrameRead(c.adapter.Name(), len(raw))

	switch c.adapter.Classify(raw) {
	case FrameHeartbeat:
		if reply, ok := c.adapter.HeartbeatReply(raw); ok {
			if err := ws.write(websocket.TextMessage, reply); err != nil {
				c.log.WithComponent(c.adapter.Name() + "_connector").WithError(err).Warn("heartbeat reply failed")
			}
		}
	case FrameControl:
		if err := c.adapter.Control(raw); err != nil {
			c.DecodeError(err)
		}
	case FrameSnapshot, FrameDelta, FrameTicker:
		if c.State() == StateSubscribed {
			c.setState(StateStreaming)
		}
		if err := c.adapter.Handle(raw, c); err != nil {
			c.DecodeError(err)
		}
	default:
		c.errorCount.Add(1)
		c.log.WithComponent(c.adapter.Name() + "_connector").WithFields(logger.Fields{
			"frame_bytes": len(raw),
		}).Debug("unclassifiable frame dropped")
	}
}

// seedBooks requests an out-of-band snapshot for every configured symbol.
func (c *Connector) seedBooks(r resyncer) {
	for _, sym := range c.cfg.Symbols {
		venueSym := c.venueSymbol(sym)
		if err := r.Resync(c.ctx, venueSym, c); err != nil && c.ctx.Err() == nil {
			c.log.WithComponent(c.adapter.Name()+"_connector").WithError(err).WithFields(logger.Fields{
				"symbol": sym,
			}).Warn("snapshot seed failed")
		}
	}
}
