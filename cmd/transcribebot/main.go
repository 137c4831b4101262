package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/maratb946/telegram-transcribe-bot/internal/config"
	"github.com/maratb946/telegram-transcribe-bot/internal/correct"
	. "github.com/maratb946/telegram-transcribe-bot/internal/logging"
	"github.com/maratb946/telegram-transcribe-bot/internal/render"
	"github.com/maratb946/telegram-transcribe-bot/internal/scratch"
	"github.com/maratb946/telegram-transcribe-bot/internal/stt"
	"github.com/maratb946/telegram-transcribe-bot/internal/telegram"
	"github.com/maratb946/telegram-transcribe-bot/internal/workflow"
)

const version = "0.2.0"

var cli struct {
	Config  string           `help:"Path to the config file." type:"path"`
	Debug   bool             `help:"Enable debug logging."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("transcribebot"),
		kong.Description("Telegram bot that turns voice messages into text, TXT, DOCX or PDF."),
		kong.Vars{"version": version},
	)

	// Local .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		Init(nil)
		L_fatal("failed to load config: %v", err)
	}

	level := logLevel(cfg.LogLevel)
	if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{
		Level:      level,
		TimeFormat: "15:04:05",
		ShowCaller: cli.Debug,
	})

	L_info("transcribebot %s starting", version)

	store, err := scratch.NewStore(cfg.Scratch)
	if err != nil {
		L_fatal("failed to init scratch store: %v", err)
	}
	store.Start()

	provider, err := stt.NewProvider(cfg.STT)
	if err != nil {
		L_fatal("failed to init stt provider: %v", err)
	}
	L_info("stt provider ready", "provider", provider.Name())

	corrector := correct.NewLanguageTool(cfg.Correction)
	renderer := render.New(store, cfg.Render)

	bot, err := telegram.New(cfg.Telegram)
	if err != nil {
		L_fatal("failed to create telegram bot: %v", err)
	}

	engine := workflow.New(bot, provider, corrector, renderer, store, cfg.Workflow)
	bot.SetEngine(engine)

	engine.Start()
	bot.Start()

	L_info("transcribebot ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	L_info("shutting down", "signal", sig.String())

	bot.Stop()
	engine.Stop()
	if err := provider.Close(); err != nil {
		L_warn("stt provider close failed", "error", err)
	}
	store.Close()

	L_info("transcribebot stopped")
}

// logLevel maps the config's level name to a logging level.
func logLevel(name string) int {
	switch name {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
