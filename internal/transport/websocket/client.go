// Package websocket implements the Connection adapter over a gorilla
// WebSocket client: reconnect with backoff, ping/pong supervision, and a
// bounded inbound buffer drained non-blockingly from the core loop.
package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charging-platform/charge-point-client/internal/logger"
	"github.com/charging-platform/charge-point-client/internal/metrics"
)

// Config WebSocket客户端配置
type Config struct {
	// URL CSMS端点，形如 wss://host/ocpp/<chargePointId>
	URL string `json:"url"`
	// Subprotocol 协商的OCPP子协议
	Subprotocol string `json:"subprotocol"`

	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	PingInterval     time.Duration `json:"ping_interval"`
	PongTimeout      time.Duration `json:"pong_timeout"`
	MaxMessageSize   int64         `json:"max_message_size"`

	// ReconnectMin/Max 重连退避区间
	ReconnectMin time.Duration `json:"reconnect_min"`
	ReconnectMax time.Duration `json:"reconnect_max"`

	// InboundBuffer 入站帧缓冲容量
	InboundBuffer int `json:"inbound_buffer"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Subprotocol:      "ocpp1.6",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		MaxMessageSize:   1024 * 1024,
		ReconnectMin:     time.Second,
		ReconnectMax:     60 * time.Second,
		InboundBuffer:    32,
	}
}

// Client 面向CSMS的WebSocket连接
//
// 读协程把文本帧推入有界缓冲；Send与Receive从核心loop同
// 步调用，均不阻塞。
type Client struct {
	config *Config
	log    *logger.Logger

	inbound   chan string
	connected atomic.Bool

	mutex sync.Mutex
	conn  *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient 创建客户端
func NewClient(config *Config, log *logger.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:  config,
		log:     log.Component("websocket"),
		inbound: make(chan string, config.InboundBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动连接维护协程
func (c *Client) Start() {
	c.wg.Add(1)
	go c.maintainLoop()
}

// Stop 关闭连接并停止维护协程
func (c *Client) Stop() {
	c.cancel()
	c.closeConn()
	c.wg.Wait()
}

// Send 发送一个文本帧，失败返回false
func (c *Client) Send(text string) bool {
	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()
	if conn == nil {
		return false
	}

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.log.Warnf("Send failed: %v", err)
		c.closeConn()
		return false
	}
	return true
}

// Receive 排空入站缓冲
func (c *Client) Receive(cb func(text string)) {
	for {
		select {
		case text := <-c.inbound:
			cb(text)
		default:
			return
		}
	}
}

// IsConnected 底层连接是否建立
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// IsOnline 连接是否可用于收发
func (c *Client) IsOnline() bool {
	return c.connected.Load()
}

// maintainLoop 重连循环
func (c *Client) maintainLoop() {
	defer c.wg.Done()

	backoff := c.config.ReconnectMin
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			c.log.Warnf("Dial %s failed: %v, retrying in %v", c.config.URL, err, backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.ReconnectMax {
				backoff = c.config.ReconnectMax
			}
			continue
		}

		backoff = c.config.ReconnectMin
		c.log.Infof("Connected to %s (%s)", c.config.URL, conn.Subprotocol())

		c.mutex.Lock()
		c.conn = conn
		c.mutex.Unlock()
		c.connected.Store(true)
		metrics.Connected.Set(1)

		c.readLoop(conn)

		c.connected.Store(false)
		metrics.Connected.Set(0)
		c.closeConn()
	}
}

// dial 建立一次连接
func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
		Subprotocols:     []string{c.config.Subprotocol},
	}
	conn, _, err := dialer.DialContext(c.ctx, c.config.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(c.config.MaxMessageSize)
	return conn, nil
}

// readLoop 读帧并维持ping/pong，连接断开时返回
func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.mutex.Lock()
				current := c.conn
				c.mutex.Unlock()
				if current != conn {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.log.Warnf("Ping failed: %v", err)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Warnf("Connection lost: %v", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case c.inbound <- string(data):
		default:
			c.log.Warn("Inbound buffer full, dropping frame")
		}
	}
}

// closeConn 关闭当前连接
func (c *Client) closeConn() {
	c.mutex.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mutex.Unlock()
	c.connected.Store(false)
}
