package voxbridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/pkg/bridge"
	"github.com/voxbridge/voxbridge/pkg/configutil"
	"github.com/voxbridge/voxbridge/pkg/errorsx"
	"github.com/voxbridge/voxbridge/pkg/logging"
	"github.com/voxbridge/voxbridge/pkg/metrics"
	"github.com/voxbridge/voxbridge/pkg/providers/openai"
	"github.com/voxbridge/voxbridge/pkg/redact"
	"github.com/voxbridge/voxbridge/pkg/runner"
	"github.com/voxbridge/voxbridge/pkg/tools"
	"github.com/voxbridge/voxbridge/pkg/transports"
	"github.com/voxbridge/voxbridge/pkg/transports/twilio"
)

// ModelConn is one live connection to the realtime speech model.
type ModelConn interface {
	bridge.Conn
	InitializeSession(registry tools.Registry) error
}

// Engine owns the process-wide pieces: transport intake, the tool registry,
// observers, and the per-call bridge wiring. Each accepted media stream gets
// its own model connection, session state, watchdog, and dispatcher.
type Engine struct {
	cfg       Config
	lang      LanguagePack
	modelCfg  openai.Config
	registry  tools.Registry
	transport transports.Transport
	dialer    transports.OutboundDialer
	dialModel func(context.Context, openai.Config) (ModelConn, error)
	log       *slog.Logger
	obs       *metrics.AsyncObserver
	jsonlFile *os.File
	runner    *runner.LifecycleRunner
	active    atomic.Int64
	calls     sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

type EngineOptions struct {
	Config Config
	Tools  tools.Registry
	// Transport, when set, replaces the config-built transport. The factory
	// receives the engine's per-call handler.
	Transport func(transports.CallHandler) (transports.Transport, error)
	// DialModel, when set, replaces the realtime model dialer.
	DialModel func(context.Context, openai.Config) (ModelConn, error)
	// Observer, when set, receives metrics events alongside the built-in ones.
	Observer metrics.Observer
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	log := logging.Init(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	lang := ResolveLanguage(cfg.Languages)

	var modelCfg openai.Config
	if err := configutil.DecodeSettings(cfg.Model.Settings, &modelCfg); err != nil {
		return nil, fmt.Errorf("model settings: %w", err)
	}
	if strings.TrimSpace(modelCfg.Instructions) == "" {
		modelCfg.Instructions = lang.Instructions
	}

	e := &Engine{
		cfg:      cfg,
		lang:     lang,
		modelCfg: modelCfg,
		registry: opts.Tools,
		log:      log,
	}

	obsList := []metrics.Observer{}
	if opts.Observer != nil {
		obsList = append(obsList, opts.Observer)
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		f, err := openArtifactsLog(dir)
		if err != nil {
			return nil, fmt.Errorf("artifacts dir: %w", err)
		}
		e.jsonlFile = f
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	var inner metrics.Observer = metrics.NoopObserver{}
	if len(obsList) == 1 {
		inner = obsList[0]
	} else if len(obsList) > 1 {
		inner = metrics.NewMultiObserver(obsList...)
	}
	e.obs = metrics.NewAsyncObserver(inner, 2048)

	e.dialModel = opts.DialModel
	if e.dialModel == nil {
		e.dialModel = func(ctx context.Context, cfg openai.Config) (ModelConn, error) {
			return openai.Dial(ctx, cfg)
		}
	}

	if opts.Transport != nil {
		t, err := opts.Transport(e.HandleCall)
		if err != nil {
			return nil, err
		}
		e.transport = t
	} else {
		t, dialer, err := buildTransport(cfg, lang, e.HandleCall)
		if err != nil {
			return nil, err
		}
		e.transport = t
		e.dialer = dialer
	}

	slog.Info("voxbridge_init",
		"environment", cfg.Environment,
		"model_provider", cfg.Model.Provider,
		"transport", cfg.Transports.Provider,
		"language", lang.Code,
		"max_call_duration_s", cfg.Call.MaxDurationSeconds,
	)

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Voxbridge Ready"}
			if rr, ok := e.transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if e.obs != nil {
				e.obs.Close()
			}
			if e.jsonlFile != nil {
				_ = e.jsonlFile.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", e.active.Load())
		},
	}

	drainer := runner.DrainerFunc(func() error {
		if e.transport != nil {
			_ = e.transport.Stop()
		}
		if e.cancel != nil {
			e.cancel()
		}
		done := make(chan struct{})
		go func() {
			e.calls.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(20 * time.Second):
		}
		return nil
	})

	e.runner = runner.NewLifecycleRunner(drainer, hooks, 30*time.Second)
	return e, nil
}

func buildTransport(cfg Config, lang LanguagePack, handler transports.CallHandler) (transports.Transport, transports.OutboundDialer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "twilio":
		var tcfg twilio.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &tcfg); err != nil {
			return nil, nil, fmt.Errorf("transport settings: %w", err)
		}
		if strings.TrimSpace(tcfg.VoiceGreeting) == "" {
			tcfg.VoiceGreeting = lang.VoiceGreeting
		}
		return twilio.New(tcfg, handler), twilio.NewDialer(tcfg), nil
	default:
		return nil, nil, fmt.Errorf("unknown transport provider %q", cfg.Transports.Provider)
	}
}

func openArtifactsLog(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "events.jsonl")
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	if e.transport != nil {
		if err := e.transport.Start(e.ctx); err != nil {
			return err
		}
	}
	go func() {
		_ = e.runner.Run(e.ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// HandleCall runs one call end to end: dial the model, configure the
// session, then relay both directions until either side hangs up.
func (e *Engine) HandleCall(ctx context.Context, conn transports.StreamConn, info transports.CallInfo) {
	e.active.Add(1)
	e.calls.Add(1)
	defer func() {
		e.active.Add(-1)
		e.calls.Done()
	}()

	log := e.log.With("trace_id", info.TraceID)
	e.record("call_accepted", info.TraceID)

	model, err := e.dialModel(ctx, e.modelCfg)
	if err != nil {
		log.Error("model_dial_failed", "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
		e.record("model_dial_failed", info.TraceID)
		_ = conn.Close()
		return
	}
	if err := model.InitializeSession(e.registry); err != nil {
		log.Error("model_init_failed", "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
		_ = model.Close()
		_ = conn.Close()
		return
	}

	sess := bridge.NewSession(time.Now())
	wd := bridge.NewWatchdog(sess.CallStart(), bridge.WatchdogConfig{
		MaxDuration: time.Duration(e.cfg.Call.MaxDurationSeconds) * time.Second,
		Grace:       time.Duration(e.cfg.Call.GraceSeconds) * time.Second,
	}, log, e.obs)
	dispatcher := bridge.NewToolDispatcher(e.registry, model, log, e.obs, bridge.DispatcherOptions{
		Concurrency:  e.cfg.Tools.Concurrency,
		Timeout:      time.Duration(e.cfg.Tools.TimeoutMS) * time.Millisecond,
		Retries:      e.cfg.Tools.Retries,
		RetryBackoff: time.Duration(e.cfg.Tools.RetryBackoffMS) * time.Millisecond,
	})
	relay := bridge.NewRelay(sess, conn, model, wd, dispatcher, log, e.obs, bridge.RelayOptions{
		Goodbye:       e.lang.Goodbye,
		LogEventTypes: e.cfg.Observability.LogEventTypes,
	})
	_ = relay.Run(ctx)
}

func (e *Engine) record(name, traceID string) {
	if e.obs == nil {
		return
	}
	e.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{"trace_id": traceID},
	})
}

func (e *Engine) Transport() transports.Transport { return e.transport }

// Dialer returns the outbound dialer when the transport supports one.
func (e *Engine) Dialer() transports.OutboundDialer { return e.dialer }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Language() LanguagePack { return e.lang }

func (e *Engine) ActiveCalls() int64 { return e.active.Load() }

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}
