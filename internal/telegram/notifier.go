package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/calnotify/calnotify/internal/model"
)

// Sender is the raw Telegram send capability.
type Sender interface {
	Send(chatID int64, text string) error
}

// BotSender adapts a Bot API client to Sender.
type BotSender struct {
	bot *tgbotapi.BotAPI
}

func NewBotSender(bot *tgbotapi.BotAPI) *BotSender {
	return &BotSender{bot: bot}
}

func (s *BotSender) Send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	_, err := s.bot.Send(msg)
	return err
}

// Notifier delivers one message per due occurrence, retrying transient
// failures with exponential backoff. A permanent failure (the user blocked
// the bot) is reported up and never retried.
type Notifier struct {
	sender  Sender
	retries int
	logger  zerolog.Logger
}

func NewNotifier(sender Sender, retries int, logger zerolog.Logger) *Notifier {
	return &Notifier{
		sender:  sender,
		retries: retries,
		logger:  logger.With().Str("component", "notifier").Logger(),
	}
}

// Notify sends the reminder for occ to the user. Returns nil on delivery,
// a permanent-delivery error when the recipient is unreachable for good,
// or a transient error once retries are exhausted.
func (n *Notifier) Notify(ctx context.Context, user *model.User, occ model.Occurrence) error {
	text := FormatReminder(occ)

	backoff := time.Second
	for attempt := 0; ; attempt++ {
		err := n.sender.Send(user.ID, text)
		if err == nil {
			return nil
		}

		err = classifySendError(err)
		if model.IsPermanentDelivery(err) || attempt+1 >= n.retries {
			return err
		}

		n.logger.Debug().Err(err).Int64("user_id", user.ID).Int("attempt", attempt+1).Msg("retrying send")
		select {
		case <-ctx.Done():
			return model.TransientErr(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// FormatReminder renders the notification text. The start time is shown in
// the event's own timezone.
func FormatReminder(occ model.Occurrence) string {
	start := occ.Start
	if loc, err := time.LoadLocation(occ.Timezone); err == nil {
		start = start.In(loc)
	}

	text := fmt.Sprintf("🔔 <b>%s</b> starts at %s", occ.Title, start.Format("15:04"))
	if occ.MeetLink != "" {
		text += fmt.Sprintf("\n🔗 %s", occ.MeetLink)
	}
	return text
}

// classifySendError maps Bot API failures onto the engine's error classes.
// 403 means the user blocked the bot; a 400 "chat not found" is equally
// unrecoverable. Rate limits and network errors clear up on their own.
func classifySendError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusForbidden:
			return model.PermanentDeliveryErr(err)
		case http.StatusBadRequest:
			return model.PermanentDeliveryErr(err)
		default:
			return model.TransientErr(err)
		}
	}
	return model.TransientErr(err)
}
