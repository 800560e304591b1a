package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adalabs/ada/internal/agents/cad"
	"github.com/adalabs/ada/internal/agents/faceauth"
	"github.com/adalabs/ada/internal/agents/lights"
	"github.com/adalabs/ada/internal/agents/printer"
	"github.com/adalabs/ada/internal/agents/web"
	"github.com/adalabs/ada/internal/audio"
	"github.com/adalabs/ada/internal/config"
	"github.com/adalabs/ada/internal/live"
	"github.com/adalabs/ada/internal/project"
	"github.com/adalabs/ada/internal/server"
	"github.com/adalabs/ada/internal/session"
	"github.com/adalabs/ada/internal/settings"
	"github.com/adalabs/ada/internal/syncx"
	"github.com/adalabs/ada/internal/tools"
	"github.com/adalabs/ada/internal/trace"
	"github.com/adalabs/ada/internal/video"
)

const defaultSystemPrompt = `You are Ada, a hands-free assistant running on the user's machine.
Be concise; your replies are spoken aloud. Use the available tools for
anything involving files, projects, CAD models, smart devices, 3D
printers, or the web, and say what you did afterwards.`

const startMessage = "You just started up. Briefly greet the user and ask what they want to work on."

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, _ = trace.EnsureContext(ctx)
	log := trace.Logger(ctx)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := settings.NewStore(cfg.SettingsPath)
	if err != nil {
		return err
	}

	projects, err := project.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		return err
	}

	// Device streams live for the whole daemon and are shared across
	// session restarts.
	capture := audio.NewCapture(cfg.SendSampleRate, cfg.ChunkFrames, cfg.InputDevice)
	playback := audio.NewPlayback(cfg.ReceiveSampleRate, cfg.ChunkFrames, cfg.PlaybackQueueSize)
	go func() {
		if err := capture.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("microphone capture stopped", "error", err)
		}
	}()
	go func() {
		if err := playback.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("speaker playback stopped", "error", err)
		}
	}()

	var frames session.FrameSource
	if cfg.VideoMode != "none" && cfg.CaptureCmd != "" {
		sampler := video.NewSampler(cfg.FrameInterval, strings.Fields(cfg.CaptureCmd), func() bool {
			return store.Get().CameraFlipped
		})
		go func() {
			if err := sampler.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("frame sampler stopped", "error", err)
			}
		}()
		frames = frameAdapter{sampler}
	}

	// Agents.
	cadAgent := cad.New(cfg.GeminiAPIKey, "gemini-2.0-flash", cfg.PythonPath, projects)
	webAgent := web.New(cfg.BrowserAgentURL)

	boot := store.Get()
	lightsAgent := lights.New()
	seeds := make([]lights.Device, 0, len(boot.KnownDevices))
	for _, d := range boot.KnownDevices {
		seeds = append(seeds, lights.Device{Alias: d.Alias, Addr: d.IP + ":9999"})
	}
	lightsAgent.Seed(seeds)

	printerKeys := make(map[string]string)
	for _, p := range boot.KnownPrinters {
		if p.APIKey != "" {
			printerKeys[p.Name] = p.APIKey
		}
	}
	printerAgent := printer.New(cfg.SlicerPath, printerKeys)
	for _, p := range boot.KnownPrinters {
		printerAgent.AddManual(printer.Printer{
			Name:    p.Name,
			Kind:    printer.Kind(p.Type),
			BaseURL: fmt.Sprintf("http://%s:%d", p.Host, printerPort(p)),
			APIKey:  p.APIKey,
		})
	}

	// The active supervisor changes across start/stop; tool callbacks
	// resolve it at call time.
	active := syncx.NewRWGuard[*session.Supervisor](nil)

	handlers := tools.NewHandlers(tools.Deps{
		Projects: projects,
		CAD:      cadAgent,
		Web:      webAgent,
		Lights:   lightsAgent,
		Printers: printerAgent,
	})

	var auth faceauth.Authenticator = faceauth.AllowAll{}
	if cfg.FaceAuthCmd != "" {
		auth = faceauth.NewExec(strings.Fields(cfg.FaceAuthCmd))
	}

	ui := server.New(store, nil, auth, projects)
	ui.RunCtx = ctx

	confirm := tools.NewConfirmations(cfg.ConfirmTimeout, ui.PromptConfirm)
	dispatcher := tools.NewDispatcher(handlers, store, confirm)
	dispatcher.Notify = func(ctx context.Context, text string) {
		if sup := active.Get(); sup != nil {
			sup.NotifySystem(ctx, text)
		}
	}
	dispatcher.PushContext = func(ctx context.Context, text string) {
		if sup := active.Get(); sup != nil {
			sup.PushContext(ctx, text)
		}
	}
	dispatcher.OnStatus = ui.Status
	webAgent.OnUpdate = func(ctx context.Context, u web.Update) {
		switch u.Type {
		case "log":
			ui.Status(ctx, u.Data)
		case "image":
			img, err := base64.StdEncoding.DecodeString(u.Data)
			if err != nil {
				return
			}
			name := fmt.Sprintf("page-%s.jpg", time.Now().Format("150405"))
			if _, err := projects.SaveArtifact("browser", name, img); err != nil {
				trace.Logger(ctx).Warn("save browser screenshot failed", "error", err)
			}
		}
	}
	playback.Mirror = ui.MirrorAudio

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	sessionCfg := live.SessionConfig{
		APIKey:            cfg.GeminiAPIKey,
		Model:             cfg.Model,
		SystemInstruction: systemPrompt,
		VoiceName:         cfg.VoiceName,
		Tools:             []live.Tool{{FunctionDeclarations: dispatcher.Declarations()}},
	}

	ui.NewSupervisor = func() *session.Supervisor {
		sup := session.NewSupervisor(session.SupervisorConfig{
			Dial: func(ctx context.Context) (session.Conn, error) {
				return live.Dial(ctx, sessionCfg)
			},
			Outbound:       session.NewOutbound(cfg.OutboundQueueSize),
			VAD:            session.NewVAD(cfg.VADThreshold, cfg.SilenceWindow),
			Mic:            capture.Output(),
			AudioMIME:      "audio/pcm;rate=" + strconv.Itoa(cfg.SendSampleRate),
			Frames:         frames,
			Playback:       playback,
			Tools:          dispatcher,
			Observer:       ui,
			ChatLog:        projects,
			History:        projects,
			StartMessage:   startMessage,
			ProjectContext: projects.ContextSummary,
		})
		active.Set(sup)
		return sup
	}
	ui.SetConfirm(confirm)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           ui.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("daemon listening", "addr", cfg.HTTPAddr, "workspace", cfg.WorkspaceRoot)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// printerPort fills the conventional port for each API flavor when the
// settings entry leaves it out.
func printerPort(p settings.KnownPrinter) int {
	if p.Port != 0 {
		return p.Port
	}
	if p.Type == string(printer.KindMoonraker) {
		return 7125
	}
	return 80
}

// frameAdapter exposes the sampler's latest frame as an outbound item.
type frameAdapter struct {
	sampler *video.Sampler
}

func (f frameAdapter) Latest() (session.Item, bool) {
	frame, ok := f.sampler.Latest()
	if !ok {
		return session.Item{}, false
	}
	return session.Item{MIMEType: frame.MIMEType, Data: frame.Data}, true
}
