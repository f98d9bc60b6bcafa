package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxbridge/voxbridge/pkg/errorsx"
	"github.com/voxbridge/voxbridge/pkg/events"
	"github.com/voxbridge/voxbridge/pkg/tools"
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultModel   = "gpt-4o-realtime-preview-2024-10-01"
)

// Config describes one realtime model connection and its session setup.
type Config struct {
	APIKey       string  `mapstructure:"api_key"`
	Model        string  `mapstructure:"model"`
	BaseURL      string  `mapstructure:"base_url"`
	Voice        string  `mapstructure:"voice"`
	Temperature  float64 `mapstructure:"temperature"`
	Instructions string  `mapstructure:"instructions"`
	// Greeting, when set, is enqueued as a synthetic first user turn so the
	// assistant speaks first.
	Greeting string `mapstructure:"greeting"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.8
	}
	return c
}

// Client is one realtime WebSocket connection to the speech model. Writes
// are serialized internally so dispatcher workers and the relay loops can
// share it.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	cfg     Config
}

// Dial opens the realtime connection. Any failure here is a connection-level
// failure; nothing is retried.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errorsx.Wrap(fmt.Errorf("missing api key"), errorsx.ReasonModelConnect)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonModelConnect)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonModelConnect)
	}
	return &Client{conn: conn, cfg: cfg}, nil
}

func (c *Client) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonModelRead)
	}
	return msg, nil
}

func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return errorsx.Wrap(c.conn.WriteJSON(v), errorsx.ReasonModelSend)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// InitializeSession sends the one-time session configuration: server-driven
// voice-activity turn detection, companded 8kHz telephony audio both ways,
// voice, instructions, temperature, the registry's tool schemas, and
// automatic tool choice. When a greeting is configured, it also enqueues a
// synthetic first user turn and triggers generation so the assistant speaks
// first.
func (c *Client) InitializeSession(registry tools.Registry) error {
	update := events.NewSessionUpdate(events.SessionConfig{
		TurnDetection:     events.TurnDetection{Type: "server_vad"},
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		Voice:             c.cfg.Voice,
		Instructions:      c.cfg.Instructions,
		Modalities:        []string{"text", "audio"},
		Temperature:       c.cfg.Temperature,
		Tools:             ToolSchemas(registry),
		ToolChoice:        "auto",
	})
	if err := c.WriteJSON(update); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonModelInit)
	}
	if c.cfg.Greeting != "" {
		if err := c.WriteJSON(events.NewMessageItem("user", c.cfg.Greeting)); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonModelInit)
		}
		if err := c.WriteJSON(events.NewResponseCreate()); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonModelInit)
		}
	}
	return nil
}

// ToolSchemas converts the registry's declarations into the wire format the
// session configuration expects.
func ToolSchemas(registry tools.Registry) []events.ToolSchema {
	if registry == nil {
		return []events.ToolSchema{}
	}
	declared := registry.Tools()
	out := make([]events.ToolSchema, 0, len(declared))
	for _, t := range declared {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, events.ToolSchema{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return out
}
