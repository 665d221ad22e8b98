package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/calnotify/calnotify/internal/google"
	"github.com/calnotify/calnotify/internal/model"
	"github.com/calnotify/calnotify/internal/store"
)

// Bot handles the Telegram command surface: account linking and on-demand
// calendar queries. Scheduled reminders are the scheduler's job; the bot
// only creates the users and credentials the scheduler works from.
type Bot struct {
	api         *tgbotapi.BotAPI
	users       *store.UserStore
	tokens      *store.TokenStore
	oauthCfg    *oauth2.Config
	fetcher     google.Fetcher
	defaultLead time.Duration
	logger      zerolog.Logger
}

// Config holds parameters for creating a Bot.
type Config struct {
	API         *tgbotapi.BotAPI
	Users       *store.UserStore
	Tokens      *store.TokenStore
	OAuthCfg    *oauth2.Config
	Fetcher     google.Fetcher
	DefaultLead time.Duration
	Logger      zerolog.Logger
}

func New(cfg Config) *Bot {
	return &Bot{
		api:         cfg.API,
		users:       cfg.Users,
		tokens:      cfg.Tokens,
		oauthCfg:    cfg.OAuthCfg,
		fetcher:     cfg.Fetcher,
		defaultLead: cfg.DefaultLead,
		logger:      cfg.Logger.With().Str("component", "bot").Logger(),
	}
}

// Run starts the long-poll update loop. Blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	b.logger.Debug().Int64("chat_id", chatID).Str("command", msg.Command()).Msg("command received")

	var err error
	switch msg.Command() {
	case "start":
		err = b.handleStart(msg)
	case "auth":
		err = b.handleAuth(msg)
	case "code":
		err = b.handleCode(ctx, msg)
	case "leadtime":
		err = b.handleLeadTime(msg)
	case "week":
		err = b.handleWeek(ctx, msg)
	default:
		err = b.reply(chatID, "Unknown command. Available: /start, /auth, /code, /week, /leadtime")
	}

	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Str("command", msg.Command()).Msg("command failed")
		_ = b.reply(chatID, "Something went wrong, please try again.")
	}
}

func (b *Bot) handleStart(msg *tgbotapi.Message) error {
	name := msg.Chat.Title
	if msg.From != nil {
		name = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	if err := b.users.Upsert(msg.Chat.ID, name, b.defaultLead); err != nil {
		return err
	}

	return b.reply(msg.Chat.ID,
		"Hi! I send reminders for upcoming Google Meet calls on your calendar.\n\n"+
			"Link your Google Calendar with /auth to get started.")
}

func (b *Bot) handleAuth(msg *tgbotapi.Message) error {
	if err := b.users.Upsert(msg.Chat.ID, "", b.defaultLead); err != nil {
		return err
	}

	state, err := google.NewAuthState()
	if err != nil {
		return err
	}
	if err := b.tokens.SaveAuthState(msg.Chat.ID, state); err != nil {
		return err
	}

	url := google.ConsentURL(b.oauthCfg, state)
	return b.reply(msg.Chat.ID,
		"1. Open this link and allow calendar access:\n"+url+"\n\n"+
			"2. Copy the authorization code you receive.\n\n"+
			"3. Send it back here as:\n/code YOUR_CODE")
}

func (b *Bot) handleCode(ctx context.Context, msg *tgbotapi.Message) error {
	code := strings.TrimSpace(msg.CommandArguments())
	if code == "" {
		return b.reply(msg.Chat.ID, "Please send the code as /code YOUR_CODE")
	}

	state, err := b.tokens.GetAuthState(msg.Chat.ID)
	if err != nil {
		return err
	}
	if state == "" {
		return b.reply(msg.Chat.ID, "No authorization in progress. Start over with /auth.")
	}

	token, err := google.Exchange(ctx, b.oauthCfg, code)
	if err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", msg.Chat.ID).Msg("code exchange failed")
		return b.reply(msg.Chat.ID, "❌ That code didn't work. Start over with /auth.")
	}

	raw, err := google.EncodeToken(token)
	if err != nil {
		return err
	}
	if err := b.tokens.Save(msg.Chat.ID, raw); err != nil {
		return err
	}
	if err := b.tokens.DeleteAuthState(msg.Chat.ID); err != nil {
		return err
	}
	if err := b.users.Activate(msg.Chat.ID); err != nil {
		return err
	}

	b.logger.Info().Int64("chat_id", msg.Chat.ID).Msg("calendar linked")
	return b.reply(msg.Chat.ID, "✅ Calendar linked! You'll get a reminder before each Meet call. Try /week to see what's coming up.")
}

func (b *Bot) handleLeadTime(msg *tgbotapi.Message) error {
	arg := strings.TrimSpace(msg.CommandArguments())
	minutes, err := strconv.Atoi(arg)
	if err != nil || minutes < 1 || minutes > 24*60 {
		return b.reply(msg.Chat.ID, "Usage: /leadtime MINUTES (1–1440), e.g. /leadtime 10")
	}

	if err := b.users.SetLeadTime(msg.Chat.ID, time.Duration(minutes)*time.Minute); err != nil {
		return err
	}
	return b.reply(msg.Chat.ID, fmt.Sprintf("OK, I'll remind you %d minutes before each call.", minutes))
}

func (b *Bot) handleWeek(ctx context.Context, msg *tgbotapi.Message) error {
	stored, err := b.tokens.Get(msg.Chat.ID)
	if err != nil {
		return err
	}
	if stored == "" {
		return b.reply(msg.Chat.ID, "You haven't linked Google Calendar yet. Use /auth first.")
	}

	now := time.Now()
	occs, err := b.fetcher.FetchWindow(ctx, msg.Chat.ID, now, now.Add(7*24*time.Hour))
	if err != nil {
		if model.IsAuth(err) {
			return b.reply(msg.Chat.ID, "Your calendar access has expired. Re-link with /auth.")
		}
		return err
	}

	if len(occs) == 0 {
		return b.reply(msg.Chat.ID, "No Meet calls on your calendar this week.")
	}

	for _, text := range FormatWeek(occs) {
		if err := b.reply(msg.Chat.ID, text); err != nil {
			return err
		}
	}
	return nil
}

// FormatWeek groups occurrences by day, one message per day, times shown
// in each event's own timezone.
func FormatWeek(occs []model.Occurrence) []string {
	sorted := make([]model.Occurrence, len(occs))
	copy(sorted, occs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	byDay := make(map[string][]model.Occurrence)
	var days []string
	for _, occ := range sorted {
		start := occ.Start
		if loc, err := time.LoadLocation(occ.Timezone); err == nil {
			start = start.In(loc)
		}
		day := start.Format("02.01.2006")
		if _, seen := byDay[day]; !seen {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], occ)
	}

	var messages []string
	for _, day := range days {
		var sb strings.Builder
		fmt.Fprintf(&sb, "📆 <b>Meet calls on %s:</b>\n\n", day)
		for _, occ := range byDay[day] {
			start := occ.Start
			if loc, err := time.LoadLocation(occ.Timezone); err == nil {
				start = start.In(loc)
			}
			fmt.Fprintf(&sb, "🕒 %s — <b>%s</b>\n🔗 %s\n\n", start.Format("15:04"), occ.Title, occ.MeetLink)
		}
		messages = append(messages, strings.TrimRight(sb.String(), "\n"))
	}
	return messages
}

func (b *Bot) reply(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}
