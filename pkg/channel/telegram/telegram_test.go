package telegram

import (
	"strings"
	"testing"

	"chatflow/pkg/config"
	"chatflow/pkg/inbound"

	"github.com/mymmrac/telego"
)

func TestNewAdapterRequiresToken(t *testing.T) {
	if _, err := NewAdapter(config.TelegramConfig{Token: "  "}, nil); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestNormalizeTextMessage(t *testing.T) {
	update := telego.Update{
		UpdateID: 1,
		Message: &telego.Message{
			From: &telego.User{ID: 42, FirstName: "Ada", Username: "ada"},
			Chat: telego.Chat{ID: 1042},
			Text: "Hello",
		},
	}

	ev, ok := normalize(update)
	if !ok {
		t.Fatal("expected message to normalize")
	}
	if ev.UserID != "42" || ev.ChatID != "1042" || ev.Kind != inbound.KindMessage || ev.Text != "Hello" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.HasAttachments() {
		t.Fatal("text message should carry no attachments")
	}
	if ev.Profile["first_name"] != "Ada" || ev.Profile["username"] != "ada" || ev.Profile["id"] != "42" {
		t.Fatalf("profile = %#v", ev.Profile)
	}
	if _, ok := ev.Profile["last_name"]; ok {
		t.Fatal("empty last name should be omitted")
	}
}

func TestNormalizeAttachments(t *testing.T) {
	update := telego.Update{
		Message: &telego.Message{
			From:     &telego.User{ID: 1},
			Chat:     telego.Chat{ID: 1},
			Caption:  "invoice",
			Photo:    []telego.PhotoSize{{FileID: "small"}, {FileID: "large"}},
			Document: &telego.Document{FileID: "doc", MimeType: "application/pdf"},
			Voice:    &telego.Voice{FileID: "voice"},
		},
	}

	ev, ok := normalize(update)
	if !ok {
		t.Fatal("expected message to normalize")
	}
	if len(ev.Attachments) != 3 {
		t.Fatalf("attachments = %+v, want 3", ev.Attachments)
	}
	if ev.Attachments[0].FileID != "large" {
		t.Fatalf("photo file id = %q, want largest size", ev.Attachments[0].FileID)
	}
	if !ev.HasAttachment("application/pdf") || !ev.HasAttachment("voice") || ev.HasAttachment("video") {
		t.Fatalf("unexpected attachment tags: %+v", ev.Attachments)
	}
	if ev.MatchText() != "invoice" {
		t.Fatalf("MatchText = %q, want caption", ev.MatchText())
	}
}

func TestNormalizeSuccessfulPayment(t *testing.T) {
	update := telego.Update{
		Message: &telego.Message{
			From: &telego.User{ID: 9},
			Chat: telego.Chat{ID: 9},
			SuccessfulPayment: &telego.SuccessfulPayment{
				Currency:                "EUR",
				TotalAmount:             1299,
				InvoicePayload:          "order-7",
				TelegramPaymentChargeID: "tg-charge",
			},
		},
	}

	ev, ok := normalize(update)
	if !ok {
		t.Fatal("expected payment to normalize")
	}
	if ev.Kind != inbound.KindPayment || ev.Payment == nil {
		t.Fatalf("event = %+v, want payment kind", ev)
	}
	if ev.Payment.TotalAmount != 1299 || ev.Payment.ChargeID != "tg-charge" || ev.Payment.InvoicePayload != "order-7" {
		t.Fatalf("payment = %+v", ev.Payment)
	}
}

func TestNormalizeCallbackQueryUsesDataAsText(t *testing.T) {
	update := telego.Update{
		CallbackQuery: &telego.CallbackQuery{
			ID:   "cb-1",
			From: telego.User{ID: 5, FirstName: "Lin"},
			Data: "menu:prices",
		},
	}

	ev, ok := normalize(update)
	if !ok {
		t.Fatal("expected callback to normalize")
	}
	if ev.Kind != inbound.KindCallback || ev.Text != "menu:prices" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.ChatID != "5" {
		t.Fatalf("chat id = %q, want sender id when the message is unavailable", ev.ChatID)
	}
}

func TestNormalizeIgnoresUnsupportedUpdates(t *testing.T) {
	tests := []telego.Update{
		{},
		{Message: &telego.Message{Text: "no sender"}},
		{PreCheckoutQuery: &telego.PreCheckoutQuery{ID: "pc-1"}},
		{EditedMessage: &telego.Message{From: &telego.User{ID: 1}, Text: "edit"}},
	}

	for i, update := range tests {
		if _, ok := normalize(update); ok {
			t.Fatalf("update %d should be ignored", i)
		}
	}
}

func TestInputFile(t *testing.T) {
	if got := inputFile("https://example.com/a.png"); got.URL != "https://example.com/a.png" {
		t.Fatalf("URL input = %+v", got)
	}
	if got := inputFile(" AgACAgQ "); got.FileID != "AgACAgQ" {
		t.Fatalf("file id input = %+v", got)
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if _, ok := allowed["456"]; !ok {
		t.Fatal("allowFromSet missing 456")
	}
}

func TestSenderAllowed(t *testing.T) {
	adapter := &Adapter{allowFrom: map[string]struct{}{"1": {}}}
	if !adapter.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if adapter.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	adapter.allowFrom = nil
	if !adapter.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestPreviewText(t *testing.T) {
	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q", got)
	}
	if got := previewText(" hi "); got != "hi" {
		t.Fatalf("previewText short = %q", got)
	}
}
