package inbound

import "testing"

func TestHasAttachment(t *testing.T) {
	ev := Event{Attachments: []Attachment{
		{Type: AttachmentPhoto},
		{Type: AttachmentDocument, MIMEType: "application/pdf"},
	}}

	tests := []struct {
		tag  string
		want bool
	}{
		{tag: "photo", want: true},
		{tag: " PHOTO ", want: true},
		{tag: "application/pdf", want: true},
		{tag: "audio", want: false},
		{tag: "", want: false},
	}

	for _, tt := range tests {
		if got := ev.HasAttachment(tt.tag); got != tt.want {
			t.Fatalf("HasAttachment(%q) = %v, want %v", tt.tag, got, tt.want)
		}
	}
}

func TestMimeTypeOnlyCountsForDocuments(t *testing.T) {
	ev := Event{Attachments: []Attachment{{Type: AttachmentVideo, MIMEType: "video/mp4"}}}
	if ev.HasAttachment("video/mp4") {
		t.Fatal("expected MIME type match to be limited to documents")
	}
}

func TestMatchTextFallsBackToCaption(t *testing.T) {
	if got := (Event{Text: "  hi "}).MatchText(); got != "hi" {
		t.Fatalf("MatchText = %q, want %q", got, "hi")
	}
	if got := (Event{Caption: "look"}).MatchText(); got != "look" {
		t.Fatalf("MatchText = %q, want %q", got, "look")
	}
}
