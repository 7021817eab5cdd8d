// Package speech adapts the two audio collaborators: text-to-speech through
// the voice proxy plus an ffmpeg re-encode into a Telegram voice-note
// container, and speech-to-text through file download plus transcription.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/profremontpredst/anna-telegram-bot/internal/directive"
)

type Synthesizer struct {
	ProxyURL   string
	Emotion    string
	FFmpegPath string
	TempDir    string
	HTTP       *http.Client
	Logger     *slog.Logger
}

func NewSynthesizer(proxyURL, emotion, ffmpegPath, tempDir string, logger *slog.Logger) *Synthesizer {
	if emotion == "" {
		emotion = "neutral"
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		ProxyURL:   strings.TrimRight(proxyURL, "/"),
		Emotion:    emotion,
		FFmpegPath: ffmpegPath,
		TempDir:    tempDir,
		HTTP:       &http.Client{Timeout: 60 * time.Second},
		Logger:     logger,
	}
}

type ttsRequest struct {
	Text    string `json:"text"`
	Emotion string `json:"emotion"`
}

// Synthesize turns reply text into an ogg/opus voice clip ready for a
// Telegram voice note. Leftover [voice] markers are stripped first; text that
// is empty after stripping is a no-op, not an error. All intermediate files
// are removed regardless of outcome.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	clean := strings.TrimSpace(directive.StripMarker(text, directive.Voice))
	if clean == "" {
		return nil, nil
	}

	mp3, err := s.fetchSpeech(ctx, clean)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	tmpIn := filepath.Join(s.TempDir, id+".mp3")
	tmpOut := filepath.Join(s.TempDir, id+".ogg")
	defer s.removeTemp(tmpIn)
	defer s.removeTemp(tmpOut)

	if err := os.WriteFile(tmpIn, mp3, 0o600); err != nil {
		return nil, err
	}
	if err := s.reencode(ctx, tmpIn, tmpOut); err != nil {
		return nil, err
	}
	return os.ReadFile(tmpOut)
}

func (s *Synthesizer) fetchSpeech(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(ttsRequest{Text: text, Emotion: s.Emotion})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ProxyURL+"/tg-voice", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tts http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return io.ReadAll(resp.Body)
}

// reencode converts the proxy's mp3 into mono 48kHz ~64kbit/s opus-in-ogg
// tuned for voice calls, the container Telegram expects for voice notes.
func (s *Synthesizer) reencode(ctx context.Context, in, out string) error {
	cmd := exec.CommandContext(ctx, s.FFmpegPath,
		"-y",
		"-i", in,
		"-vn",
		"-c:a", "libopus",
		"-ar", "48000",
		"-b:a", "64k",
		"-ac", "1",
		"-application", "voip",
		"-f", "ogg",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	return nil
}

func (s *Synthesizer) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.Logger.Warn("temp_file_remove_error", "path", path, "error", err.Error())
	}
}
