package convstore

import "strconv"

// TelegramKey builds the stable conversation key for a Telegram chat.
func TelegramKey(chatID int64) string {
	return "tg:" + strconv.FormatInt(chatID, 10)
}
