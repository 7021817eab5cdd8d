// Package prompt composes the system prompt sent ahead of every completion
// request: a persona base (default or per-conversation override) followed by
// the fixed tag ruleset the model must obey.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultBase = `Ты — "Анна", менеджер по продажам и консультант наших продуктов. Общение в Telegram.

Стиль: коротко (1–4 предложения), по-человечески, без эмодзи.`

const DefaultRules = `Разрешены теги: [openLeadForm], [voice], [quiz], [showOptions].

Правила голоса:
- Первое приветствие всегда содержит [voice].
- [voice] ставь, когда лучше сказать голосом: приветствие, короткие подтверждения, сочувствие, живое объяснение.
- Для списков, цен и длинных инструкций используй текст без [voice].
- Если [voice] есть, бот озвучивает текст сам.`

type Profile struct {
	Base  string `yaml:"base"`
	Rules string `yaml:"rules"`
}

func DefaultProfile() Profile {
	return Profile{Base: DefaultBase, Rules: DefaultRules}
}

// Load reads a persona profile from a YAML file. A missing file yields the
// defaults; profile keys left empty fall back to the defaults field by field.
func Load(path string) (Profile, error) {
	p := DefaultProfile()
	path = strings.TrimSpace(path)
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read prompt profile: %w", err)
	}
	var in Profile
	if err := yaml.Unmarshal(raw, &in); err != nil {
		return p, fmt.Errorf("parse prompt profile: %w", err)
	}
	if s := strings.TrimSpace(in.Base); s != "" {
		p.Base = s
	}
	if s := strings.TrimSpace(in.Rules); s != "" {
		p.Rules = s
	}
	return p, nil
}

// Compose builds the final system prompt. A non-empty override replaces the
// persona base; the ruleset suffix is always appended.
func (p Profile) Compose(override string) string {
	base := strings.TrimSpace(override)
	if base == "" {
		base = p.Base
	}
	return base + "\n\n" + p.Rules
}
