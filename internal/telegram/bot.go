// Package telegram provides the Telegram transport for the transcribe bot.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	. "github.com/maratb946/telegram-transcribe-bot/internal/logging"
	"github.com/maratb946/telegram-transcribe-bot/internal/workflow"
)

// DownloadTimeout is the maximum time to wait for a file download when the
// caller supplies no tighter deadline.
const DownloadTimeout = 30 * time.Second

// Config holds the Telegram bot configuration.
type Config struct {
	BotToken     string  `json:"botToken"`
	AllowedUsers []int64 `json:"allowedUsers"` // Empty allows everyone
}

// Bot is the Telegram bot. It feeds inbound events into the workflow
// engine and implements workflow.Messenger for outbound traffic.
type Bot struct {
	bot    *tele.Bot
	engine *workflow.Engine
	config Config

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Telegram bot. The workflow engine is attached afterwards
// with SetEngine, since the engine's Messenger port is the bot itself.
func New(cfg Config) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}

	pref := tele.Settings{
		Token:  cfg.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	bot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	L_debug("telegram: bot created", "username", bot.Me.Username, "id", bot.Me.ID)

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bot{
		bot:    bot,
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	b.setupHandlers()
	L_debug("telegram: handlers registered")

	return b, nil
}

// SetEngine wires the workflow engine. Must be called before Start.
func (b *Bot) SetEngine(engine *workflow.Engine) {
	b.engine = engine
}

// setupHandlers registers message and callback handlers
func (b *Bot) setupHandlers() {
	b.bot.Handle("/start", func(c tele.Context) error {
		return c.Send("Hi! Send me a voice message or an audio file and I'll transcribe it.")
	})

	b.bot.Handle("/help", func(c tele.Context) error {
		return c.Send(`Send a voice message or an audio file.

I'll transcribe it, offer to fix grammar mistakes, and deliver the result as a message or a TXT, DOCX or PDF file.`)
	})

	b.bot.Handle(tele.OnVoice, func(c tele.Context) error {
		voice := c.Message().Voice
		if voice == nil {
			return nil
		}
		return b.handleAudio(c, workflow.AudioRef{FileID: voice.FileID})
	})

	b.bot.Handle(tele.OnAudio, func(c tele.Context) error {
		audio := c.Message().Audio
		if audio == nil {
			return nil
		}
		return b.handleAudio(c, workflow.AudioRef{FileID: audio.FileID, FileName: audio.FileName})
	})

	// Audio sent "as file" arrives as a document; check the MIME type.
	b.bot.Handle(tele.OnDocument, func(c tele.Context) error {
		doc := c.Message().Document
		if doc == nil {
			return nil
		}
		if !strings.HasPrefix(doc.MIME, "audio/") {
			return b.handleNonAudio(c)
		}
		return b.handleAudio(c, workflow.AudioRef{FileID: doc.FileID, FileName: doc.FileName})
	})

	b.bot.Handle(tele.OnText, b.handleNonAudio)
	b.bot.Handle(tele.OnPhoto, b.handleNonAudio)
	b.bot.Handle(tele.OnVideo, b.handleNonAudio)
	b.bot.Handle(tele.OnSticker, b.handleNonAudio)

	// Choice buttons route their signal into the state machine.
	for _, signal := range []string{
		workflow.SignalCorrectYes,
		workflow.SignalCorrectNo,
		workflow.SignalFormatMsg,
		workflow.SignalFormatTXT,
		workflow.SignalFormatDOCX,
		workflow.SignalFormatPDF,
	} {
		b.bot.Handle(&tele.Btn{Unique: signal}, b.signalHandler(signal))
	}
}

// handleAudio feeds an audio submission into the engine. The engine call
// runs on its own goroutine so a long transcription cannot stall polling.
func (b *Bot) handleAudio(c tele.Context, ref workflow.AudioRef) error {
	chatID := c.Chat().ID

	if !b.accept(c) {
		return nil
	}

	L_info("telegram: audio received", "chatID", chatID, "fileID", ref.FileID)
	_ = c.Notify(tele.Typing)

	go func() {
		if err := b.engine.HandleAudio(b.ctx, chatID, ref); err != nil {
			L_error("telegram: audio workflow error", "chatID", chatID, "error", err)
		}
	}()
	return nil
}

// handleNonAudio rejects anything that is not an audio submission.
func (b *Bot) handleNonAudio(c tele.Context) error {
	if !b.accept(c) {
		return nil
	}
	L_debug("telegram: non-audio submission", "chatID", c.Chat().ID)
	return b.engine.HandleNonAudio(c.Chat().ID)
}

// signalHandler adapts a callback button press into a workflow signal.
func (b *Bot) signalHandler(signal string) tele.HandlerFunc {
	return func(c tele.Context) error {
		if err := c.Respond(); err != nil {
			L_trace("telegram: callback respond failed", "error", err)
		}

		chatID := c.Chat().ID
		if !b.accept(c) {
			return nil
		}

		L_debug("telegram: choice signal", "chatID", chatID, "signal", signal)

		go func() {
			if err := b.engine.HandleSignal(b.ctx, chatID, signal); err != nil {
				L_error("telegram: signal workflow error", "chatID", chatID, "signal", signal, "error", err)
			}
		}()
		return nil
	}
}

// accept filters group chats and, when an allowlist is configured,
// unknown users. Unauthorized traffic is silently ignored.
func (b *Bot) accept(c tele.Context) bool {
	if c.Chat().Type != tele.ChatPrivate {
		L_debug("telegram: ignoring group message", "chatID", c.Chat().ID)
		return false
	}
	if len(b.config.AllowedUsers) == 0 {
		return true
	}
	sender := c.Sender()
	if sender == nil {
		return false
	}
	for _, id := range b.config.AllowedUsers {
		if sender.ID == id {
			return true
		}
	}
	L_warn("telegram: unknown user ignored", "userID", sender.ID)
	return false
}

// SendText sends a plain text message. Implements workflow.Messenger.
func (b *Bot) SendText(chatID int64, text string) (int, error) {
	msg, err := b.bot.Send(&tele.Chat{ID: chatID}, text)
	if err != nil {
		return 0, fmt.Errorf("send text: %w", err)
	}
	return msg.ID, nil
}

// EditText edits a message in place, attaching an inline keyboard when
// choices are given. Implements workflow.Messenger.
func (b *Bot) EditText(chatID int64, messageID int, text string, choices ...workflow.Choice) error {
	msg := &tele.Message{
		ID:   messageID,
		Chat: &tele.Chat{ID: chatID},
	}

	var err error
	if len(choices) > 0 {
		_, err = b.bot.Edit(msg, text, choiceKeyboard(choices))
	} else {
		_, err = b.bot.Edit(msg, text)
	}
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// choiceKeyboard lays choices out as inline buttons, two per row.
func choiceKeyboard(choices []workflow.Choice) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	var rows []tele.Row
	var row []tele.Btn
	for _, choice := range choices {
		row = append(row, markup.Data(choice.Label, choice.Signal))
		if len(row) == 2 {
			rows = append(rows, markup.Row(row...))
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, markup.Row(row...))
	}

	markup.Inline(rows...)
	return markup
}

// DeleteMessage deletes a message. Callers treat failures as non-fatal.
func (b *Bot) DeleteMessage(chatID int64, messageID int) error {
	msg := &tele.Message{
		ID:   messageID,
		Chat: &tele.Chat{ID: chatID},
	}
	if err := b.bot.Delete(msg); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// SendDocument delivers a file as a named attachment.
func (b *Bot) SendDocument(chatID int64, filePath, displayName string) error {
	doc := &tele.Document{
		File:     tele.FromDisk(filePath),
		FileName: displayName,
	}
	if _, err := b.bot.Send(&tele.Chat{ID: chatID}, doc); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	L_debug("telegram: sent document", "chatID", chatID, "name", displayName)
	return nil
}

// DownloadAudio fetches the submitted audio's bytes through the bot API.
func (b *Bot) DownloadAudio(ctx context.Context, ref workflow.AudioRef) ([]byte, error) {
	if ref.FileID == "" {
		return nil, fmt.Errorf("invalid audio: missing file ID")
	}

	fileInfo, err := b.bot.FileByID(ref.FileID)
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.bot.Token, fileInfo.FilePath)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DownloadTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read file content: %w", err)
	}

	L_debug("telegram: downloaded audio", "fileID", ref.FileID, "bytes", len(data))
	return data, nil
}

// Start starts long polling.
func (b *Bot) Start() {
	L_info("starting telegram bot", "username", b.bot.Me.Username)
	go b.bot.Start()
}

// Stop stops the bot.
func (b *Bot) Stop() {
	L_info("stopping telegram bot")
	b.cancel()
	b.bot.Stop()
}
