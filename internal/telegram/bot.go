package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crypto-alert-bot/internal/database"
	"crypto-alert-bot/internal/notify"
	"crypto-alert-bot/internal/source"
	"crypto-alert-bot/internal/types"
	"crypto-alert-bot/lib/helpers"
	"crypto-alert-bot/lib/translation"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// NewBot creates new telegram bot
func NewBot(c BotConfig, store *database.AlertStore) (*Bot, error) {
	bot, err := tgbotapi.NewBotAPI(c.Token)
	if err != nil {
		return nil, errors.Wrap(err, "could not create telegram bot")
	}

	bot.Debug = c.Debug

	return &Bot{
		Bot:    bot,
		Config: c,
		store:  store,
	}, nil
}

// GetUpdatesChannel gets new updates updates
func (b *Bot) GetUpdatesChannel() (tgbotapi.UpdatesChannel, error) {
	updatesConfig := tgbotapi.NewUpdate(0)
	if b.Config.UpdatesTimeout > 0 {
		updatesConfig.Timeout = b.Config.UpdatesTimeout
	}
	return b.Bot.GetUpdatesChan(updatesConfig), nil
}

// SendMessage sends a telegram message
func (b *Bot) SendMessage(m Message) error {
	msg := tgbotapi.NewMessage(m.ChatID, m.Text)
	msg.ReplyToMessageID = m.MessageID
	msg.DisableWebPagePreview = true
	msg.ParseMode = "MarkdownV2"
	_, err := b.Bot.Send(msg)
	return errors.Wrapf(err, "could not send message: %v", m)
}

// Notify renders and delivers a fire event to its owner. It implements the
// dispatcher's Sender contract; permanent telegram refusals map to
// notify.ErrRejected so the dispatcher skips pointless retries.
func (b *Bot) Notify(ev types.FireEvent) error {
	text := fmt.Sprintf(
		"🚨 *%s*\n\n*%s* \\(%s\\) %s *%s* %s *$%s*\n%s: *$%s*",
		helpers.EscapeMarkdownV2(translation.Translate("Price Alert Triggered")),
		helpers.EscapeMarkdownV2(ev.Symbol),
		helpers.EscapeMarkdownV2(ev.Exchange),
		helpers.EscapeMarkdownV2(translation.Translate("crossed")),
		helpers.EscapeMarkdownV2(string(ev.Direction)),
		helpers.EscapeMarkdownV2(translation.Translate("the target of")),
		helpers.FormatPriceUS(ev.Target.InexactFloat64(), true),
		helpers.EscapeMarkdownV2(translation.Translate("Current Price")),
		helpers.FormatPriceUS(ev.Price.InexactFloat64(), true),
	)

	err := b.SendMessage(Message{ChatID: ev.Owner, Text: text})
	if err == nil {
		return nil
	}

	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.Code >= 400 && tgErr.Code < 500 && tgErr.Code != 429 {
		return errors.Wrap(notify.ErrRejected, err.Error())
	}
	return errors.Wrap(notify.ErrUnreachable, err.Error())
}

// HandleUpdate processes Telegram updates
func (b *Bot) HandleUpdate(u tgbotapi.Update) string {
	log.Debugf("received command: %s", u.Message.Command())

	chatID := u.Message.Chat.ID
	args := strings.Fields(u.Message.CommandArguments())

	switch u.Message.Command() {
	case "alert":
		return b.handleAlertCommand(chatID, args)
	case "price":
		return b.handlePriceCommand(args)
	}
	return helpers.EscapeMarkdownV2(translation.Translate("Command help message"))
}

func (b *Bot) handleAlertCommand(chatID int64, args []string) string {
	if len(args) == 0 {
		return helpers.EscapeMarkdownV2(translation.Translate("alert_command_usage"))
	}

	switch args[0] {
	case "add":
		return b.handleAlertAdd(chatID, args[1:])
	case "list":
		return b.handleAlertList(chatID)
	case "mute":
		return b.handleAlertMute(chatID, args[1:], true)
	case "resume":
		return b.handleAlertMute(chatID, args[1:], false)
	case "edit":
		return b.handleAlertEdit(chatID, args[1:])
	case "delete":
		return b.handleAlertDelete(chatID, args[1:])
	}
	return helpers.EscapeMarkdownV2(translation.Translate("alert_command_usage"))
}

// handleAlertAdd parses `/alert add EXCHANGE SYMBOL above|below TARGET [oneshot]`.
func (b *Bot) handleAlertAdd(chatID int64, args []string) string {
	if len(args) < 4 {
		return helpers.EscapeMarkdownV2(translation.Translate("alert_add_usage"))
	}

	exchange := strings.ToUpper(args[0])
	if !source.Supported(exchange) {
		return helpers.EscapeMarkdownV2(translation.Translate(
			"Unsupported exchange %s. Supported: %s",
			exchange, strings.Join(source.SupportedExchanges(), ", ")))
	}

	symbol := types.NormalizeSymbol(args[1])

	var direction types.Direction
	switch strings.ToUpper(args[2]) {
	case "ABOVE":
		direction = types.DirectionAbove
	case "BELOW":
		direction = types.DirectionBelow
	default:
		return helpers.EscapeMarkdownV2(translation.Translate("Direction must be above or below"))
	}

	target, err := decimal.NewFromString(args[3])
	if err != nil || target.Sign() <= 0 {
		return helpers.EscapeMarkdownV2(translation.Translate("Invalid target price"))
	}

	mode := types.ModePersistent
	if len(args) > 4 && strings.EqualFold(args[4], "oneshot") {
		mode = types.ModeOneShot
	}

	alert := types.Alert{
		ID:        uuid.NewString(),
		Owner:     chatID,
		Exchange:  exchange,
		Symbol:    symbol,
		Direction: direction,
		Target:    target,
		Mode:      mode,
		State:     types.StateUnknown,
	}
	if err := b.store.Create(alert); err != nil {
		log.Errorf("Failed to create alert: %v", err)
		return helpers.EscapeMarkdownV2(translation.Translate("Failed to save alert. Please try again later."))
	}

	return fmt.Sprintf("✅ %s\n`%s`\n*%s* \\| %s \\| %s *$%s*",
		helpers.EscapeMarkdownV2(translation.Translate("Alert created")),
		helpers.EscapeMarkdownV2(alert.ID),
		helpers.EscapeMarkdownV2(symbol),
		helpers.EscapeMarkdownV2(exchange),
		helpers.EscapeMarkdownV2(string(direction)),
		helpers.FormatPriceUS(target.InexactFloat64(), true),
	)
}

func (b *Bot) handleAlertList(chatID int64) string {
	alerts, err := b.store.List(chatID)
	if err != nil {
		log.Errorf("Failed to list alerts: %v", err)
		return helpers.EscapeMarkdownV2(translation.Translate("Failed to fetch alerts. Please try again later."))
	}
	if len(alerts) == 0 {
		return helpers.EscapeMarkdownV2(translation.Translate("You have no alerts set."))
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📋 *%s*\n\n", helpers.EscapeMarkdownV2(translation.Translate("Your Alerts:"))))
	for _, a := range alerts {
		status := "🔔"
		if a.Muted {
			status = "🔇"
		}
		sb.WriteString(fmt.Sprintf("%s `%s`\n*%s* \\| %s \\| %s *$%s* \\| %s\n\n",
			status,
			helpers.EscapeMarkdownV2(a.ID),
			helpers.EscapeMarkdownV2(a.Symbol),
			helpers.EscapeMarkdownV2(a.Exchange),
			helpers.EscapeMarkdownV2(string(a.Direction)),
			helpers.FormatPriceUS(a.Target.InexactFloat64(), true),
			helpers.EscapeMarkdownV2(string(a.Mode)),
		))
	}
	return sb.String()
}

func (b *Bot) handleAlertMute(chatID int64, args []string, muted bool) string {
	alert, msg := b.ownedAlert(chatID, args)
	if alert == nil {
		return msg
	}
	if err := b.store.SetMuted(alert.ID, muted); err != nil {
		log.Errorf("Failed to update alert %s: %v", alert.ID, err)
		return helpers.EscapeMarkdownV2(translation.Translate("Failed to update alert. Please try again later."))
	}
	if muted {
		return helpers.EscapeMarkdownV2(translation.Translate("Alert muted. Monitoring continues in the background."))
	}
	return helpers.EscapeMarkdownV2(translation.Translate("Alert resumed."))
}

func (b *Bot) handleAlertEdit(chatID int64, args []string) string {
	alert, msg := b.ownedAlert(chatID, args)
	if alert == nil {
		return msg
	}
	if len(args) < 2 {
		return helpers.EscapeMarkdownV2(translation.Translate("alert_edit_usage"))
	}
	target, err := decimal.NewFromString(args[1])
	if err != nil || target.Sign() <= 0 {
		return helpers.EscapeMarkdownV2(translation.Translate("Invalid target price"))
	}
	if err := b.store.UpdateTarget(alert.ID, target); err != nil {
		log.Errorf("Failed to update alert %s: %v", alert.ID, err)
		return helpers.EscapeMarkdownV2(translation.Translate("Failed to update alert. Please try again later."))
	}
	return fmt.Sprintf("✅ %s *$%s*",
		helpers.EscapeMarkdownV2(translation.Translate("Target updated to")),
		helpers.FormatPriceUS(target.InexactFloat64(), true))
}

func (b *Bot) handleAlertDelete(chatID int64, args []string) string {
	alert, msg := b.ownedAlert(chatID, args)
	if alert == nil {
		return msg
	}
	if err := b.store.Delete(alert.ID); err != nil {
		log.Errorf("Failed to delete alert %s: %v", alert.ID, err)
		return helpers.EscapeMarkdownV2(translation.Translate("Failed to delete alert. Please try again later."))
	}
	return helpers.EscapeMarkdownV2(translation.Translate("Alert deleted."))
}

// handlePriceCommand answers `/price EXCHANGE SYMBOL` with a one-off fetch.
func (b *Bot) handlePriceCommand(args []string) string {
	if len(args) < 2 {
		return helpers.EscapeMarkdownV2(translation.Translate("price_command_usage"))
	}
	exchange := strings.ToUpper(args[0])
	if !source.Supported(exchange) {
		return helpers.EscapeMarkdownV2(translation.Translate(
			"Unsupported exchange %s. Supported: %s",
			exchange, strings.Join(source.SupportedExchanges(), ", ")))
	}
	symbol := types.NormalizeSymbol(args[1])

	obs, err := source.FetchOnce(context.Background(), exchange, symbol, 5*time.Second)
	if err != nil {
		log.Errorf("Price check failed for %s %s: %v", exchange, symbol, err)
		return helpers.EscapeMarkdownV2(translation.Translate("Could not fetch the price right now."))
	}

	return fmt.Sprintf("*%s* \\(%s\\): *$%s*",
		helpers.EscapeMarkdownV2(symbol),
		helpers.EscapeMarkdownV2(exchange),
		helpers.FormatPriceUS(obs.Price.InexactFloat64(), true))
}

// ownedAlert resolves args[0] as an alert id owned by chatID.
func (b *Bot) ownedAlert(chatID int64, args []string) (*types.Alert, string) {
	if len(args) == 0 {
		return nil, helpers.EscapeMarkdownV2(translation.Translate("Missing alert id."))
	}
	alert, err := b.store.Get(args[0])
	if errors.Is(err, database.ErrAlertNotFound) {
		return nil, helpers.EscapeMarkdownV2(translation.Translate("Alert not found."))
	} else if err != nil {
		log.Errorf("Failed to fetch alert %s: %v", args[0], err)
		return nil, helpers.EscapeMarkdownV2(translation.Translate("Failed to fetch alert. Please try again later."))
	}
	if alert.Owner != chatID {
		return nil, helpers.EscapeMarkdownV2(translation.Translate("Alert not found."))
	}
	return &alert, ""
}
