package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/profremontpredst/anna-telegram-bot/internal/convstore"
	"github.com/profremontpredst/anna-telegram-bot/internal/prompt"
	"github.com/profremontpredst/anna-telegram-bot/llm"
)

type fakeMessenger struct {
	mu       sync.Mutex
	texts    []string
	contacts []string
	voices   [][]byte
	textErr  error
}

func (m *fakeMessenger) SendText(_ context.Context, _ int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.textErr != nil {
		return m.textErr
	}
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeMessenger) SendContactPrompt(_ context.Context, _ int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = append(m.contacts, text)
	return nil
}

func (m *fakeMessenger) SendVoice(_ context.Context, _ int64, clip []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voices = append(m.voices, clip)
	return nil
}

type fakeLLM struct {
	reply string
	err   error
	calls int
	reqs  []llm.Request
}

func (f *fakeLLM) Chat(_ context.Context, req llm.Request) (llm.Result, error) {
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return llm.Result{}, f.err
	}
	return llm.Result{Text: f.reply}, nil
}

type fakeTranscriber struct {
	text  string
	calls int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string) string {
	f.calls++
	return f.text
}

type fakeSynth struct {
	clip  []byte
	err   error
	calls int
	input string
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) ([]byte, error) {
	f.calls++
	f.input = text
	return f.clip, f.err
}

type harness struct {
	store *convstore.Store
	msgr  *fakeMessenger
	llm   *fakeLLM
	stt   *fakeTranscriber
	tts   *fakeSynth
	d     *Dispatcher
}

func newHarness(reply string) *harness {
	h := &harness{
		store: convstore.New(),
		msgr:  &fakeMessenger{},
		llm:   &fakeLLM{reply: reply},
		stt:   &fakeTranscriber{},
		tts:   &fakeSynth{clip: []byte("OggS")},
	}
	h.d = New(h.store, h.llm, h.msgr, h.stt, h.tts, prompt.DefaultProfile(), Config{
		Model:       "gpt-4o",
		Temperature: 0.7,
		MaxTokens:   200,
	}, slog.Default())
	return h
}

func (h *harness) handleText(text string) {
	h.d.Handle(context.Background(), Event{EventID: "ev", ChatID: 1, Text: text})
}

func TestTextReplySentPlain(t *testing.T) {
	h := newHarness("Здравствуйте! Чем помочь?")
	h.handleText("привет")

	if len(h.msgr.texts) != 1 || h.msgr.texts[0] != "Здравствуйте! Чем помочь?" {
		t.Fatalf("sent texts mismatch: %v", h.msgr.texts)
	}
	if h.tts.calls != 0 {
		t.Fatalf("synthesizer call count mismatch: got %d want 0", h.tts.calls)
	}

	hist := h.store.Get(convstore.TelegramKey(1)).History
	if len(hist) != 2 {
		t.Fatalf("history length mismatch: got %d want 2", len(hist))
	}
	if hist[0].Role != llm.RoleUser || hist[0].Content != "привет" {
		t.Fatalf("user turn mismatch: %+v", hist[0])
	}
	if hist[1].Role != llm.RoleAssistant {
		t.Fatalf("assistant turn mismatch: %+v", hist[1])
	}
}

func TestVoiceDirectiveReplacesText(t *testing.T) {
	h := newHarness("[voice] Привет, это Анна!")
	h.handleText("привет")

	if h.tts.calls != 1 {
		t.Fatalf("synthesizer call count mismatch: got %d want 1", h.tts.calls)
	}
	// Synthesis receives the raw reply; the adapter strips its own tag.
	if h.tts.input != "[voice] Привет, это Анна!" {
		t.Fatalf("synthesizer input mismatch: got %q", h.tts.input)
	}
	if len(h.msgr.voices) != 1 {
		t.Fatalf("voice send count mismatch: got %d want 1", len(h.msgr.voices))
	}
	if len(h.msgr.texts) != 0 {
		t.Fatalf("no separate text expected, got %v", h.msgr.texts)
	}
}

func TestOpenLeadFormWinsOverVoice(t *testing.T) {
	h := newHarness("[openLeadForm][voice] Оставьте контакт")
	h.handleText("хочу подключиться")

	if len(h.msgr.contacts) != 1 || h.msgr.contacts[0] != "Оставьте контакт" {
		t.Fatalf("contact prompt mismatch: %v", h.msgr.contacts)
	}
	if h.tts.calls != 0 {
		t.Fatalf("synthesizer must not run, got %d calls", h.tts.calls)
	}
	if len(h.msgr.texts) != 0 || len(h.msgr.voices) != 0 {
		t.Fatalf("unexpected extra sends: texts=%v voices=%d", h.msgr.texts, len(h.msgr.voices))
	}
}

func TestOpenLeadFormFallbackPrompt(t *testing.T) {
	h := newHarness("[openLeadForm]")
	h.handleText("хочу подключиться")

	if len(h.msgr.contacts) != 1 || h.msgr.contacts[0] != LeadFormFallback {
		t.Fatalf("contact prompt mismatch: %v", h.msgr.contacts)
	}
}

func TestPromoCodeShortCircuits(t *testing.T) {
	h := newHarness("ignored")
	h.handleText("use code anna50 now")

	if len(h.msgr.texts) != 1 || h.msgr.texts[0] != PromoReply {
		t.Fatalf("promo reply mismatch: %v", h.msgr.texts)
	}
	if h.llm.calls != 0 {
		t.Fatalf("completion call count mismatch: got %d want 0", h.llm.calls)
	}
	if got := len(h.store.Get(convstore.TelegramKey(1)).History); got != 0 {
		t.Fatalf("history length mismatch: got %d want 0", got)
	}
}

func TestAssistantTurnStoredStripped(t *testing.T) {
	h := newHarness("[voice] Привет!")
	h.handleText("привет")

	hist := h.store.Get(convstore.TelegramKey(1)).History
	if len(hist) != 2 {
		t.Fatalf("history length mismatch: got %d want 2", len(hist))
	}
	if hist[1].Content != "Привет!" {
		t.Fatalf("assistant turn not stripped: got %q", hist[1].Content)
	}
}

func TestVoiceMessageTranscribed(t *testing.T) {
	h := newHarness("ответ")
	h.stt.text = "голосовой вопрос"
	h.d.Handle(context.Background(), Event{EventID: "ev", ChatID: 1, VoiceFileID: "f1"})

	if h.stt.calls != 1 {
		t.Fatalf("transcriber call count mismatch: got %d want 1", h.stt.calls)
	}
	hist := h.store.Get(convstore.TelegramKey(1)).History
	if len(hist) == 0 || hist[0].Content != "голосовой вопрос" {
		t.Fatalf("transcribed turn mismatch: %+v", hist)
	}
}

func TestEmptyTranscriptionNotice(t *testing.T) {
	h := newHarness("ignored")
	h.stt.text = ""
	h.d.Handle(context.Background(), Event{EventID: "ev", ChatID: 1, VoiceFileID: "f1"})

	if len(h.msgr.texts) != 1 || h.msgr.texts[0] != VoiceFailReply {
		t.Fatalf("notice mismatch: %v", h.msgr.texts)
	}
	if got := len(h.store.Get(convstore.TelegramKey(1)).History); got != 0 {
		t.Fatalf("history length mismatch: got %d want 0", got)
	}
	if h.llm.calls != 0 {
		t.Fatalf("completion must not run, got %d calls", h.llm.calls)
	}
}

func TestEmptyEventSilentlyIgnored(t *testing.T) {
	h := newHarness("ignored")
	h.d.Handle(context.Background(), Event{EventID: "ev", ChatID: 1})

	if len(h.msgr.texts) != 0 {
		t.Fatalf("no sends expected, got %v", h.msgr.texts)
	}
	if h.llm.calls != 0 {
		t.Fatalf("completion must not run, got %d calls", h.llm.calls)
	}
}

func TestCompletionFailureApologizesAndSurvives(t *testing.T) {
	h := newHarness("")
	h.llm.err = fmt.Errorf("connection refused")
	h.handleText("привет")

	if len(h.msgr.texts) != 1 || h.msgr.texts[0] != ApologyReply {
		t.Fatalf("apology mismatch: %v", h.msgr.texts)
	}
	// User turn is retained, not rolled back.
	if got := len(h.store.Get(convstore.TelegramKey(1)).History); got != 1 {
		t.Fatalf("history length mismatch: got %d want 1", got)
	}

	// The next event must go through normally.
	h.llm.err = nil
	h.llm.reply = "снова на связи"
	h.handleText("ещё раз")
	if got := h.msgr.texts[len(h.msgr.texts)-1]; got != "снова на связи" {
		t.Fatalf("recovery reply mismatch: %q", got)
	}
}

func TestEmptyCompletionUsesFallbackReply(t *testing.T) {
	h := newHarness("   ")
	h.handleText("привет")

	if len(h.msgr.texts) != 1 || h.msgr.texts[0] != CompletionFallback {
		t.Fatalf("fallback mismatch: %v", h.msgr.texts)
	}
}

func TestSynthesisFailureProducesNoOutboundAction(t *testing.T) {
	h := newHarness("[voice] Привет!")
	h.tts.err = fmt.Errorf("tts http 502")
	h.tts.clip = nil
	h.handleText("привет")

	if len(h.msgr.voices) != 0 || len(h.msgr.texts) != 0 {
		t.Fatalf("no sends expected: texts=%v voices=%d", h.msgr.texts, len(h.msgr.voices))
	}
	// The turn still made it into history.
	if got := len(h.store.Get(convstore.TelegramKey(1)).History); got != 2 {
		t.Fatalf("history length mismatch: got %d want 2", got)
	}
}

func TestSetPromptRoundTrip(t *testing.T) {
	h := newHarness("хорошо")
	h.d.Handle(context.Background(), Event{EventID: "e1", ChatID: 1, Command: CmdSetPrompt})
	if got := h.msgr.texts[len(h.msgr.texts)-1]; got != PromptAskReply {
		t.Fatalf("ask reply mismatch: %q", got)
	}

	h.handleText("Будь формальной")
	if got := h.msgr.texts[len(h.msgr.texts)-1]; got != PromptSetReply {
		t.Fatalf("set reply mismatch: %q", got)
	}
	// The override text must not enter conversation history.
	if got := len(h.store.Get(convstore.TelegramKey(1)).History); got != 0 {
		t.Fatalf("history length mismatch: got %d want 0", got)
	}

	h.handleText("какие цены?")
	if h.llm.calls != 1 {
		t.Fatalf("completion call count mismatch: got %d want 1", h.llm.calls)
	}
	system := h.llm.reqs[0].Messages[0]
	if system.Role != llm.RoleSystem {
		t.Fatalf("first message role mismatch: %q", system.Role)
	}
	if !strings.Contains(system.Content, "Будь формальной") {
		t.Fatalf("system prompt missing override: %q", system.Content)
	}
	if !strings.HasSuffix(system.Content, prompt.DefaultRules) {
		t.Fatalf("system prompt missing ruleset suffix")
	}
}

func TestSetPromptEmptyClearsOverride(t *testing.T) {
	h := newHarness("ок")
	h.store.SetPromptOverride(convstore.TelegramKey(1), "старый")
	h.d.Handle(context.Background(), Event{EventID: "e1", ChatID: 1, Command: CmdSetPrompt})
	h.handleText("   ")

	if got := h.msgr.texts[len(h.msgr.texts)-1]; got != PromptEmptyReply {
		t.Fatalf("reply mismatch: %q", got)
	}
	conv := h.store.Get(convstore.TelegramKey(1))
	if conv.PromptOverride != "" {
		t.Fatalf("override not cleared: %q", conv.PromptOverride)
	}
	if conv.AwaitingPrompt {
		t.Fatalf("awaiting state not cleared")
	}
}

func TestSetPromptViaVoice(t *testing.T) {
	h := newHarness("ок")
	h.d.Handle(context.Background(), Event{EventID: "e1", ChatID: 1, Command: CmdSetPrompt})

	// Unintelligible voice keeps the awaiting state.
	h.stt.text = ""
	h.d.Handle(context.Background(), Event{EventID: "e2", ChatID: 1, VoiceFileID: "f1"})
	if got := h.msgr.texts[len(h.msgr.texts)-1]; got != VoiceFailReply {
		t.Fatalf("reply mismatch: %q", got)
	}
	if !h.store.Get(convstore.TelegramKey(1)).AwaitingPrompt {
		t.Fatalf("awaiting state lost after failed transcription")
	}

	// A recognizable one becomes the override.
	h.stt.text = "Говори кратко"
	h.d.Handle(context.Background(), Event{EventID: "e3", ChatID: 1, VoiceFileID: "f2"})
	conv := h.store.Get(convstore.TelegramKey(1))
	if conv.PromptOverride != "Говори кратко" {
		t.Fatalf("override mismatch: %q", conv.PromptOverride)
	}
	if conv.AwaitingPrompt {
		t.Fatalf("awaiting state not cleared")
	}
}

func TestResetPromptClearsOverride(t *testing.T) {
	h := newHarness("ок")
	key := convstore.TelegramKey(1)
	h.store.SetPromptOverride(key, "кастомный")
	h.store.SetAwaitingPrompt(key, true)

	h.d.Handle(context.Background(), Event{EventID: "e1", ChatID: 1, Command: CmdResetPrompt})
	conv := h.store.Get(key)
	if conv.PromptOverride != "" || conv.AwaitingPrompt {
		t.Fatalf("state not reset: %+v", conv)
	}
	if got := h.msgr.texts[len(h.msgr.texts)-1]; got != PromptResetReply {
		t.Fatalf("reply mismatch: %q", got)
	}
}

func TestHistoryReplayedInOrder(t *testing.T) {
	h := newHarness("ответ")
	h.handleText("первый")
	h.handleText("второй")

	req := h.llm.reqs[1]
	roles := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	want := []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	if len(roles) != len(want) {
		t.Fatalf("message count mismatch: got %v want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("role order mismatch at %d: got %v want %v", i, roles, want)
		}
	}
	if req.Temperature != 0.7 || req.MaxTokens != 200 || req.Model != "gpt-4o" {
		t.Fatalf("request params mismatch: %+v", req)
	}
}
