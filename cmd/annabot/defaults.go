package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	viper.SetDefault("llm.endpoint", "https://api.openai.com")
	viper.SetDefault("llm.model", "gpt-4o")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.temperature", 0.7)
	viper.SetDefault("llm.max_tokens", 200)
	viper.SetDefault("llm.request_timeout", 90*time.Second)

	viper.SetDefault("stt.model", "whisper-1")

	viper.SetDefault("tts.proxy_url", "https://elevenlabs-proxy.onrender.com")
	viper.SetDefault("tts.emotion", "neutral")
	viper.SetDefault("tts.ffmpeg_path", "ffmpeg")

	viper.SetDefault("prompt.profile_path", "")

	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.task_timeout", 2*time.Minute)
	viper.SetDefault("telegram.max_concurrency", 3)
	viper.SetDefault("telegram.queue_size", 16)
	viper.SetDefault("telegram.max_voice_bytes", int64(20*1024*1024))

	viper.SetDefault("file_cache_dir", "")

	viper.SetDefault("health.bind", "0.0.0.0")
	viper.SetDefault("health.port", 3000)
}
