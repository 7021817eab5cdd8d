package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/profremontpredst/anna-telegram-bot/internal/convstore"
	"github.com/profremontpredst/anna-telegram-bot/internal/dispatch"
	"github.com/profremontpredst/anna-telegram-bot/internal/logutil"
	"github.com/profremontpredst/anna-telegram-bot/internal/prompt"
	"github.com/profremontpredst/anna-telegram-bot/internal/speech"
	"github.com/profremontpredst/anna-telegram-bot/internal/telegram"
)

const contactButtonLabel = "📱 Поделиться контактом"

func newTelegramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Run the Anna Telegram bot (long polling)",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(flagOrViperString(cmd, "telegram-bot-token", "telegram.bot_token"))
			if token == "" {
				return fmt.Errorf("missing telegram.bot_token (set via --telegram-bot-token or ANNABOT_TELEGRAM_BOT_TOKEN)")
			}
			apiKey := strings.TrimSpace(viper.GetString("llm.api_key"))
			if apiKey == "" {
				return fmt.Errorf("missing llm.api_key (set via ANNABOT_LLM_API_KEY)")
			}

			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			pollTimeout := flagOrViperDuration(cmd, "telegram-poll-timeout", "telegram.poll_timeout")
			if pollTimeout <= 0 {
				pollTimeout = 30 * time.Second
			}
			taskTimeout := flagOrViperDuration(cmd, "telegram-task-timeout", "telegram.task_timeout")
			if taskTimeout <= 0 {
				taskTimeout = 2 * time.Minute
			}
			maxConc := flagOrViperInt(cmd, "telegram-max-concurrency", "telegram.max_concurrency")
			if maxConc <= 0 {
				maxConc = 3
			}
			queueSize := viper.GetInt("telegram.queue_size")

			tempDir := strings.TrimSpace(viper.GetString("file_cache_dir"))
			if tempDir == "" {
				tempDir = os.TempDir()
			} else if err := os.MkdirAll(tempDir, 0o700); err != nil {
				return fmt.Errorf("file cache dir: %w", err)
			}

			profile, err := prompt.Load(viper.GetString("prompt.profile_path"))
			if err != nil {
				return err
			}

			httpClient := &http.Client{Timeout: 60 * time.Second}
			api := telegram.New(httpClient, "https://api.telegram.org", token)

			oai := openaiClientFromViper(apiKey)
			store := convstore.New()
			transcriber := speech.NewTranscriber(api, oai, viper.GetString("stt.model"), tempDir, logger)
			transcriber.MaxBytes = viper.GetInt64("telegram.max_voice_bytes")
			synthesizer := speech.NewSynthesizer(
				viper.GetString("tts.proxy_url"),
				viper.GetString("tts.emotion"),
				viper.GetString("tts.ffmpeg_path"),
				tempDir,
				logger,
			)

			d := dispatch.New(store, oai, &telegramMessenger{api: api}, transcriber, synthesizer, profile, dispatch.Config{
				Model:       viper.GetString("llm.model"),
				Temperature: viper.GetFloat64("llm.temperature"),
				MaxTokens:   viper.GetInt("llm.max_tokens"),
			}, logger)

			me, err := api.GetMe(context.Background())
			if err != nil {
				return err
			}

			if err := api.SetMyCommands(context.Background(), []telegram.BotCommand{
				{Command: "setprompt", Description: "📝 Изменить промт"},
				{Command: "resetprompt", Description: "🔄 Сбросить промт"},
			}); err != nil {
				logger.Warn("telegram_set_commands_error", "error", err.Error())
			}

			startHealthServer(logger, viper.GetString("health.bind"), viper.GetInt("health.port"))

			pool := dispatch.NewPool(maxConc, queueSize, func(ev dispatch.Event) {
				stopTyping := telegram.StartTypingTicker(context.Background(), api, ev.ChatID, 4*time.Second)
				defer stopTyping()

				ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
				defer cancel()
				d.Handle(ctx, ev)
			}, logger)
			defer pool.Close()

			logger.Info("telegram_start",
				"bot_username", me.Username,
				"bot_id", me.ID,
				"poll_timeout", pollTimeout.String(),
				"task_timeout", taskTimeout.String(),
				"max_concurrency", maxConc,
				"llm_model", viper.GetString("llm.model"),
			)

			var offset int64
			for {
				updates, nextOffset, err := api.GetUpdates(context.Background(), offset, pollTimeout)
				if err != nil {
					logger.Warn("telegram_get_updates_error", "error", err.Error())
					time.Sleep(1 * time.Second)
					continue
				}
				offset = nextOffset

				for _, u := range updates {
					if ev, ok := eventFromUpdate(u); ok {
						pool.Submit(ev)
					}
				}
			}
		},
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().Duration("telegram-poll-timeout", 30*time.Second, "Long-poll timeout for getUpdates.")
	cmd.Flags().Duration("telegram-task-timeout", 2*time.Minute, "Per-event processing timeout.")
	cmd.Flags().Int("telegram-max-concurrency", 3, "Max events processed in parallel across chats.")
	return cmd
}

// eventFromUpdate maps one Telegram update onto a dispatch event. Updates
// without a usable message (or authored by bots) are skipped.
func eventFromUpdate(u telegram.Update) (dispatch.Event, bool) {
	msg := u.Message
	if msg == nil || msg.Chat == nil {
		return dispatch.Event{}, false
	}
	if msg.From != nil && msg.From.IsBot {
		return dispatch.Event{}, false
	}

	ev := dispatch.Event{
		EventID: uuid.NewString(),
		ChatID:  msg.Chat.ID,
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}

	cmdWord, _ := splitCommand(text)
	switch normalizeSlashCommand(cmdWord) {
	case "/setprompt":
		ev.Command = dispatch.CmdSetPrompt
	case "/resetprompt":
		ev.Command = dispatch.CmdResetPrompt
	default:
		ev.Text = text
		if msg.Voice != nil {
			ev.VoiceFileID = msg.Voice.FileID
		}
	}
	return ev, true
}

func splitCommand(text string) (cmd string, rest string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	i := strings.IndexAny(text, " \n\t")
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

func normalizeSlashCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || !strings.HasPrefix(cmd, "/") {
		return ""
	}
	// Allow "/cmd@BotName" variants by stripping "@...".
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

// telegramMessenger adapts the Bot API client to the dispatcher's outbound
// action surface.
type telegramMessenger struct {
	api *telegram.API
}

func (m *telegramMessenger) SendText(ctx context.Context, chatID int64, text string) error {
	return m.api.SendMessage(ctx, chatID, text)
}

func (m *telegramMessenger) SendContactPrompt(ctx context.Context, chatID int64, text string) error {
	return m.api.SendContactPrompt(ctx, chatID, text, contactButtonLabel)
}

func (m *telegramMessenger) SendVoice(ctx context.Context, chatID int64, clip []byte) error {
	return m.api.SendVoice(ctx, chatID, "voice.ogg", bytes.NewReader(clip))
}
