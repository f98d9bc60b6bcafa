package twilio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/voxbridge/voxbridge/pkg/errorsx"
	"github.com/voxbridge/voxbridge/pkg/redact"
	"github.com/voxbridge/voxbridge/pkg/transports"
	twilioclient "github.com/twilio/twilio-go/client"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	PublicURL      string   `mapstructure:"public_url"`
	AuthToken      string   `mapstructure:"auth_token"`
	AccountSID     string   `mapstructure:"account_sid"`
	VoicePath      string   `mapstructure:"voice_path"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	VoiceGreeting  string   `mapstructure:"voice_greeting"`
	Passcode       string   `mapstructure:"passcode"`
	PasscodePrompt string   `mapstructure:"passcode_prompt"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":5050"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/incoming-call"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/media-stream"
	}
	if c.PasscodePrompt == "" {
		c.PasscodePrompt = "Please enter your passcode."
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport negotiates Twilio call setup: it serves the voice webhook that
// answers with TwiML (optionally gated by a passcode), upgrades the media
// stream WebSocket, and hands each accepted stream to the call handler.
type Transport struct {
	cfg      Config
	handler  transports.CallHandler
	server   *http.Server
	upgrader websocket.Upgrader

	draining atomic.Bool
}

func New(cfg Config, handler transports.CallHandler) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:     cfg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url": t.voiceWebhookURL(),
		"stream_url":  t.streamURL(nil),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	return nil
}

// ServeHTTP upgrades the media stream socket and runs one call on it.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	stream := &StreamConn{conn: conn}
	defer func() { _ = stream.Close() }()

	info := transports.CallInfo{
		TraceID:    uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
	}
	slog.Info("media_stream_connected", "trace_id", info.TraceID)
	if t.handler != nil {
		t.handler(r.Context(), stream, info)
	}
}

// handleVoice answers the incoming-call webhook with TwiML connecting the
// caller to the media stream, behind the passcode gate when one is set.
func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.Method == http.MethodPost && t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if from := r.FormValue("From"); from != "" {
		slog.Info("incoming_call", "from", redact.Phone(from))
	}

	var twiml string
	if t.cfg.Passcode != "" {
		twiml = t.passcodeTwiml(r)
	} else {
		twiml = t.connectTwiml(r)
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) connectTwiml(r *http.Request) string {
	wsURL := t.streamURL(r)
	greeting := strings.TrimSpace(t.cfg.VoiceGreeting)
	if greeting != "" {
		return `<Response><Say>` + xmlEscape(greeting) + `</Say><Pause length="1"/><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	return `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
}

func (t *Transport) passcodeTwiml(r *http.Request) string {
	digits := strings.TrimSpace(r.FormValue("Digits"))
	switch {
	case digits == "":
		prompt := xmlEscape(t.cfg.PasscodePrompt)
		return `<Response><Gather numDigits="` + digitCount(t.cfg.Passcode) + `" action="` + t.cfg.VoicePath + `" method="POST"><Say>` + prompt + `</Say></Gather><Say>We didn't receive any input. Goodbye.</Say><Hangup/></Response>`
	case digits == t.cfg.Passcode:
		return t.connectTwiml(r)
	default:
		slog.Warn("passcode_rejected")
		return `<Response><Say>Sorry, that passcode is not correct. Goodbye.</Say><Hangup/></Response>`
	}
}

func digitCount(passcode string) string {
	n := len(passcode)
	if n == 0 {
		return "4"
	}
	return strconv.Itoa(n)
}

func (t *Transport) streamURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := ""
	if r != nil {
		host = r.Host
	}
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.VoicePath
	}
	addr := t.cfg.ServerAddr
	if addr == "" {
		addr = ":5050"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + t.cfg.VoicePath
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	params := map[string]string{}
	if values, err := url.ParseQuery(string(body)); err == nil {
		for k := range values {
			params[k] = values.Get(k)
		}
	}
	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.Validate(t.requestURL(r), params, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	if len(v) >= 8 && v[:8] == "https://" {
		v = v[8:]
	} else if len(v) >= 7 && v[:7] == "http://" {
		v = v[7:]
	}
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}

// StreamConn wraps one upgraded media stream socket. Writes are serialized;
// gorilla connections allow a single concurrent writer.
type StreamConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (s *StreamConn) ReadMessage() ([]byte, error) {
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTelephonyRead)
	}
	return msg, nil
}

func (s *StreamConn) WriteJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return errorsx.Wrap(s.conn.WriteJSON(v), errorsx.ReasonTelephonySend)
}

func (s *StreamConn) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

var _ transports.StreamConn = (*StreamConn)(nil)
