package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"chatflow/pkg/bus"
	"chatflow/pkg/channel"
	"chatflow/pkg/config"
	"chatflow/pkg/inbound"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240

// Adapter bridges Telegram updates into normalized inbound events.
type Adapter struct {
	cfg       config.TelegramConfig
	bot       *telego.Bot
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Adapter{
		cfg:       cfg,
		bot:       bot,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in events and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and publishes every supported update.
func (a *Adapter) Run(ctx context.Context, publish channel.Publish) error {
	if publish == nil {
		return errors.New("publish is required")
	}

	updates, err := a.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			a.acknowledge(ctx, update)

			ev, ok := normalize(update)
			if !ok {
				continue
			}
			if !a.senderAllowed(ev.UserID) {
				a.log.Debug("Ignoring update from unauthorized sender", "user_id", ev.UserID)
				continue
			}

			a.log.Info("Received update", "update_id", update.UpdateID, "user_id", ev.UserID, "kind", ev.Kind, "text", previewText(ev.MatchText()), "attachments", len(ev.Attachments))
			if !publish(ctx, ev) {
				a.log.Warn("Inbound event not accepted", "user_id", ev.UserID)
			}
		}
	}
}

// acknowledge answers the queries Telegram waits on before anything else can
// happen: callback spinners and pre-checkout confirmations.
func (a *Adapter) acknowledge(ctx context.Context, update telego.Update) {
	if query := update.CallbackQuery; query != nil {
		if err := a.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: query.ID}); err != nil {
			a.log.Debug("Failed to answer callback query", "error", err)
		}
	}

	if query := update.PreCheckoutQuery; query != nil {
		err := a.bot.AnswerPreCheckoutQuery(ctx, &telego.AnswerPreCheckoutQueryParams{PreCheckoutQueryID: query.ID, Ok: true})
		if err != nil {
			a.log.Error("Failed to approve pre-checkout query", "user_id", query.From.ID, "error", err)
		}
	}
}

// Send delivers text first, then each media item.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ChatID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}
	target := tu.ID(chatID)

	if text := strings.TrimSpace(msg.Text); text != "" {
		a.log.Info("Sending message", "chat_id", msg.ChatID, "text", previewText(text))
		if _, err := a.bot.SendMessage(ctx, tu.Message(target, text)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	for _, media := range msg.Media {
		if err := a.sendMedia(ctx, target, media); err != nil {
			return err
		}
	}

	return nil
}

func (a *Adapter) sendMedia(ctx context.Context, target telego.ChatID, media bus.Media) error {
	file := inputFile(media.Ref)

	var err error
	switch media.Type {
	case bus.MediaPhoto:
		_, err = a.bot.SendPhoto(ctx, tu.Photo(target, file).WithCaption(media.Caption))
	case bus.MediaDocument:
		_, err = a.bot.SendDocument(ctx, tu.Document(target, file).WithCaption(media.Caption))
	case bus.MediaAudio:
		_, err = a.bot.SendAudio(ctx, tu.Audio(target, file).WithCaption(media.Caption))
	case bus.MediaVideo:
		_, err = a.bot.SendVideo(ctx, tu.Video(target, file).WithCaption(media.Caption))
	case bus.MediaVoice:
		_, err = a.bot.SendVoice(ctx, tu.Voice(target, file).WithCaption(media.Caption))
	default:
		return fmt.Errorf("unsupported media type %q", media.Type)
	}
	if err != nil {
		return fmt.Errorf("send telegram %s: %w", media.Type, err)
	}

	return nil
}

// inputFile treats http(s) references as URLs and anything else as a file id.
func inputFile(ref string) telego.InputFile {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tu.FileFromURL(ref)
	}

	return tu.FileFromID(ref)
}

// normalize maps one update to an event. Updates the engine does not route
// (edits, channel posts, bare pre-checkout queries) report false.
func normalize(update telego.Update) (inbound.Event, bool) {
	if message := update.Message; message != nil {
		if message.From == nil {
			return inbound.Event{}, false
		}

		ev := inbound.Event{
			Channel:     channelName,
			UserID:      strconv.FormatInt(message.From.ID, 10),
			ChatID:      strconv.FormatInt(message.Chat.ID, 10),
			Kind:        inbound.KindMessage,
			Text:        message.Text,
			Caption:     message.Caption,
			Attachments: attachments(message),
			Profile:     profile(*message.From),
			Raw:         update,
		}

		if payment := message.SuccessfulPayment; payment != nil {
			ev.Kind = inbound.KindPayment
			ev.Payment = &inbound.Payment{
				Currency:       payment.Currency,
				TotalAmount:    payment.TotalAmount,
				InvoicePayload: payment.InvoicePayload,
				ChargeID:       payment.TelegramPaymentChargeID,
			}
		}

		return ev, true
	}

	if query := update.CallbackQuery; query != nil {
		chatID := query.From.ID
		if query.Message != nil {
			chatID = query.Message.GetChat().ID
		}

		return inbound.Event{
			Channel: channelName,
			UserID:  strconv.FormatInt(query.From.ID, 10),
			ChatID:  strconv.FormatInt(chatID, 10),
			Kind:    inbound.KindCallback,
			Text:    query.Data,
			Profile: profile(query.From),
			Raw:     update,
		}, true
	}

	return inbound.Event{}, false
}

func attachments(message *telego.Message) []inbound.Attachment {
	var out []inbound.Attachment

	if n := len(message.Photo); n > 0 {
		// Telegram lists sizes ascending; keep the largest.
		out = append(out, inbound.Attachment{Type: inbound.AttachmentPhoto, FileID: message.Photo[n-1].FileID})
	}
	if doc := message.Document; doc != nil {
		out = append(out, inbound.Attachment{Type: inbound.AttachmentDocument, MIMEType: doc.MimeType, FileID: doc.FileID})
	}
	if audio := message.Audio; audio != nil {
		out = append(out, inbound.Attachment{Type: inbound.AttachmentAudio, MIMEType: audio.MimeType, FileID: audio.FileID})
	}
	if video := message.Video; video != nil {
		out = append(out, inbound.Attachment{Type: inbound.AttachmentVideo, MIMEType: video.MimeType, FileID: video.FileID})
	}
	if voice := message.Voice; voice != nil {
		out = append(out, inbound.Attachment{Type: inbound.AttachmentVoice, MIMEType: voice.MimeType, FileID: voice.FileID})
	}
	if animation := message.Animation; animation != nil {
		out = append(out, inbound.Attachment{Type: inbound.AttachmentAnimation, MIMEType: animation.MimeType, FileID: animation.FileID})
	}
	if sticker := message.Sticker; sticker != nil {
		out = append(out, inbound.Attachment{Type: inbound.AttachmentSticker, FileID: sticker.FileID})
	}

	return out
}

// profile snapshots the sender identity captured on first contact.
func profile(user telego.User) map[string]any {
	snapshot := map[string]any{
		"id":         strconv.FormatInt(user.ID, 10),
		"is_bot":     user.IsBot,
		"first_name": user.FirstName,
	}
	if user.LastName != "" {
		snapshot["last_name"] = user.LastName
	}
	if user.Username != "" {
		snapshot["username"] = user.Username
	}
	if user.LanguageCode != "" {
		snapshot["language_code"] = user.LanguageCode
	}

	return snapshot
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
