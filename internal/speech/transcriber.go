package speech

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/profremontpredst/anna-telegram-bot/internal/telegram"
)

// FileSource resolves and downloads a voice attachment by its file id.
// *telegram.API satisfies it.
type FileSource interface {
	GetFile(ctx context.Context, fileID string) (*telegram.File, error)
	DownloadFileTo(ctx context.Context, filePath, dstPath string, maxBytes int64) (int64, bool, error)
}

// SpeechToText submits a local audio file for transcription.
// *openai.Client satisfies it.
type SpeechToText interface {
	TranscribeFile(ctx context.Context, path, model string) (string, error)
}

type Transcriber struct {
	Files    FileSource
	STT      SpeechToText
	Model    string
	TempDir  string
	MaxBytes int64
	Logger   *slog.Logger
}

func NewTranscriber(files FileSource, stt SpeechToText, model, tempDir string, logger *slog.Logger) *Transcriber {
	if model == "" {
		model = "whisper-1"
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		Files:    files,
		STT:      stt,
		Model:    model,
		TempDir:  tempDir,
		MaxBytes: 20 * 1024 * 1024,
		Logger:   logger,
	}
}

// Transcribe downloads the voice attachment and returns its transcript.
// Every failure is recovered into an empty string; the caller treats empty
// text as "could not understand audio". The downloaded temp file is removed
// whether or not the call succeeds.
func (t *Transcriber) Transcribe(ctx context.Context, fileID string) string {
	f, err := t.Files.GetFile(ctx, fileID)
	if err != nil {
		t.Logger.Warn("stt_error", "stage", "get_file", "error", err.Error())
		return ""
	}

	tmpPath := filepath.Join(t.TempDir, uuid.NewString()+".oga")
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			t.Logger.Warn("temp_file_remove_error", "path", tmpPath, "error", err.Error())
		}
	}()

	if _, _, err := t.Files.DownloadFileTo(ctx, f.FilePath, tmpPath, t.MaxBytes); err != nil {
		t.Logger.Warn("stt_error", "stage", "download", "error", err.Error())
		return ""
	}

	text, err := t.STT.TranscribeFile(ctx, tmpPath, t.Model)
	if err != nil {
		t.Logger.Warn("stt_error", "stage", "transcribe", "error", err.Error())
		return ""
	}
	return strings.TrimSpace(text)
}
