// Package dispatch is the relay's core: it turns one inbound Telegram event
// into outbound actions by resolving input text (direct or transcribed),
// consulting the completion service with the conversation transcript, and
// acting on the directive tags found in the reply.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/profremontpredst/anna-telegram-bot/internal/convstore"
	"github.com/profremontpredst/anna-telegram-bot/internal/directive"
	"github.com/profremontpredst/anna-telegram-bot/internal/prompt"
	"github.com/profremontpredst/anna-telegram-bot/llm"
)

// Fixed protocol texts, kept verbatim from the bot's reference behavior.
const (
	PromoCode          = "ANNA50"
	PromoReply         = "Промокод активирован: −50% на подключение, абонентка без изменений. Передала в отдел продаж."
	ApologyReply       = "Произошла ошибка. Попробуй ещё раз."
	VoiceFailReply     = "Не получилось распознать голос. Напиши текстом."
	CompletionFallback = "Ошибка GPT."
	LeadFormFallback   = "Оставь заявку прямо здесь:"
	PromptAskReply     = "Введи новый текст для промта (часть про стиль/поведение):"
	PromptSetReply     = "✅ Промт обновлён!"
	PromptEmptyReply   = "❌ Пустой текст. Попробуй ещё раз."
	PromptResetReply   = "🔄 Промт сброшен до стандартного."
)

const (
	CmdSetPrompt   = "/setprompt"
	CmdResetPrompt = "/resetprompt"
)

// Event is one inbound unit of work. Command, when set, short-circuits the
// conversational pipeline entirely.
type Event struct {
	EventID     string
	ChatID      int64
	Text        string
	VoiceFileID string
	Command     string
}

type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendContactPrompt(ctx context.Context, chatID int64, text string) error
	SendVoice(ctx context.Context, chatID int64, clip []byte) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, fileID string) string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

type Dispatcher struct {
	Store       *convstore.Store
	LLM         llm.Client
	Messenger   Messenger
	Transcriber Transcriber
	Synthesizer Synthesizer
	Profile     prompt.Profile
	Cfg         Config
	Logger      *slog.Logger
}

func New(store *convstore.Store, client llm.Client, messenger Messenger, transcriber Transcriber, synthesizer Synthesizer, profile prompt.Profile, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Store:       store,
		LLM:         client,
		Messenger:   messenger,
		Transcriber: transcriber,
		Synthesizer: synthesizer,
		Profile:     profile,
		Cfg:         cfg,
		Logger:      logger,
	}
}

// Handle processes one event end to end. It never returns an error: every
// failure is either recovered into a user-visible notice or logged, so the
// event loop survives regardless.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) {
	key := convstore.TelegramKey(ev.ChatID)
	log := d.Logger.With("event_id", ev.EventID, "chat_id", ev.ChatID)

	switch ev.Command {
	case CmdSetPrompt:
		d.Store.SetAwaitingPrompt(key, true)
		d.send(ctx, log, ev.ChatID, PromptAskReply)
		return
	case CmdResetPrompt:
		d.Store.ClearPromptOverride(key)
		d.Store.SetAwaitingPrompt(key, false)
		d.send(ctx, log, ev.ChatID, PromptResetReply)
		return
	}

	if d.Store.Get(key).AwaitingPrompt {
		d.handlePromptInput(ctx, log, key, ev)
		return
	}

	text := strings.TrimSpace(ev.Text)
	if ev.VoiceFileID != "" {
		text = d.Transcriber.Transcribe(ctx, ev.VoiceFileID)
		if text == "" {
			d.send(ctx, log, ev.ChatID, VoiceFailReply)
			return
		}
	}
	if text == "" {
		// Non-text, non-voice message: nothing to act on.
		return
	}

	if containsFold(text, PromoCode) {
		d.send(ctx, log, ev.ChatID, PromoReply)
		return
	}

	d.Store.AppendTurn(key, llm.RoleUser, text)

	reply, err := d.complete(ctx, key)
	if err != nil {
		log.Error("completion_error", "error", err.Error())
		d.send(ctx, log, ev.ChatID, ApologyReply)
		return
	}

	res := directive.Parse(reply)
	if res.PlainText != "" {
		// The transcript keeps the stripped reply so control tags are not
		// replayed into the model's context on later turns.
		d.Store.AppendTurn(key, llm.RoleAssistant, res.PlainText)
	}

	switch {
	case res.Has(directive.OpenLeadForm):
		msg := res.PlainText
		if msg == "" {
			msg = LeadFormFallback
		}
		if err := d.Messenger.SendContactPrompt(ctx, ev.ChatID, msg); err != nil {
			log.Error("send_error", "kind", "contact_prompt", "error", err.Error())
			d.send(ctx, log, ev.ChatID, ApologyReply)
		}
	case res.Has(directive.Voice):
		// Voice replaces the text message; a failed synthesis just means the
		// turn produces no outbound action.
		clip, err := d.Synthesizer.Synthesize(ctx, reply)
		if err != nil {
			log.Warn("tts_error", "error", err.Error())
			return
		}
		if clip == nil {
			return
		}
		if err := d.Messenger.SendVoice(ctx, ev.ChatID, clip); err != nil {
			log.Error("send_error", "kind", "voice", "error", err.Error())
			d.send(ctx, log, ev.ChatID, ApologyReply)
		}
	default:
		if res.PlainText != "" {
			d.send(ctx, log, ev.ChatID, res.PlainText)
		}
	}
}

// handlePromptInput consumes the next message as a prompt-override value
// while the conversation is in the awaiting-prompt state.
func (d *Dispatcher) handlePromptInput(ctx context.Context, log *slog.Logger, key string, ev Event) {
	text := strings.TrimSpace(ev.Text)
	if ev.VoiceFileID != "" {
		text = d.Transcriber.Transcribe(ctx, ev.VoiceFileID)
		if text == "" {
			// Stay in the awaiting state so the user can retry.
			d.send(ctx, log, ev.ChatID, VoiceFailReply)
			return
		}
	}

	d.Store.SetAwaitingPrompt(key, false)
	if text == "" {
		d.Store.ClearPromptOverride(key)
		d.send(ctx, log, ev.ChatID, PromptEmptyReply)
		return
	}
	d.Store.SetPromptOverride(key, text)
	d.send(ctx, log, ev.ChatID, PromptSetReply)
}

// complete replays the conversation to the model behind the composed system
// prompt. An empty reply body is recovered into the fixed fallback string;
// transport failures propagate.
func (d *Dispatcher) complete(ctx context.Context, key string) (string, error) {
	conv := d.Store.Get(key)
	msgs := make([]llm.Message, 0, len(conv.History)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: d.Profile.Compose(conv.PromptOverride)})
	msgs = append(msgs, conv.History...)

	res, err := d.LLM.Chat(ctx, llm.Request{
		Model:       d.Cfg.Model,
		Messages:    msgs,
		Temperature: d.Cfg.Temperature,
		MaxTokens:   d.Cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Text) == "" {
		return CompletionFallback, nil
	}
	return res.Text, nil
}

func (d *Dispatcher) send(ctx context.Context, log *slog.Logger, chatID int64, text string) {
	if err := d.Messenger.SendText(ctx, chatID, text); err != nil {
		log.Error("send_error", "kind", "text", "error", err.Error())
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
