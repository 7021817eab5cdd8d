package main

import (
	"github.com/spf13/viper"

	"github.com/profremontpredst/anna-telegram-bot/providers/openai"
)

func openaiClientFromViper(apiKey string) *openai.Client {
	c := openai.New(viper.GetString("llm.endpoint"), apiKey)
	if d := viper.GetDuration("llm.request_timeout"); d > 0 {
		c.HTTP.Timeout = d
	}
	return c
}
