package relay

import (
	"github.com/nugget/yaebot/internal/store"
	"github.com/nugget/yaebot/internal/telegram"
)

// storable reports whether msg is a kind of message the bot records.
func storable(msg *telegram.Message) bool {
	return msg.Text != "" || len(msg.Photo) > 0
}

// turnFromMessage converts a text or photo message into a Turn. Photos
// are stored by their largest size and the caption becomes the body.
func turnFromMessage(msg *telegram.Message) store.Turn {
	t := store.Turn{
		ChatID:     msg.Chat.ID,
		MessageID:  msg.MessageID,
		AuthorName: telegram.UserName(msg.From),
		Timestamp:  msg.Date,
		Kind:       store.KindText,
		Body:       msg.Text,
	}
	if p := telegram.LargestPhoto(msg.Photo); p != nil {
		t.Kind = store.KindMedia
		t.Body = msg.Caption
		t.MediaRef = p.FileID
	}
	return t
}

// placeholderFor builds the stand-in row for the message msg replies
// to, or returns false when msg is not a reply we can key. botID marks
// in-chat replies to the bot's own messages as generated turns.
func placeholderFor(msg *telegram.Message, botID int64) (store.Turn, bool) {
	if r := msg.ReplyToMessage; r != nil {
		p := store.Turn{
			ChatID:     msg.Chat.ID,
			MessageID:  r.MessageID,
			AuthorName: telegram.UserName(r.From),
			Timestamp:  r.Date,
			Kind:       store.KindText,
			Body:       r.Text,
		}
		if photo := telegram.LargestPhoto(r.Photo); photo != nil {
			p.Kind = store.KindMedia
			p.Body = r.Caption
			p.MediaRef = photo.FileID
		} else if r.From != nil && r.From.ID == botID {
			p.Kind = store.KindGenerated
		}
		return p, true
	}

	ext := msg.ExternalReply
	if ext == nil || ext.Chat == nil || ext.Chat.ID == 0 || ext.MessageID == 0 {
		return store.Turn{}, false
	}
	p := store.Turn{
		ChatID:     ext.Chat.ID,
		MessageID:  ext.MessageID,
		AuthorName: telegram.OriginName(ext.Origin),
		Timestamp:  ext.Origin.Date,
		Kind:       store.KindText,
	}
	if msg.Quote != nil {
		p.Body = msg.Quote.Text
	}
	if photo := telegram.LargestPhoto(ext.Photo); photo != nil {
		p.Kind = store.KindMedia
		p.MediaRef = photo.FileID
	}
	return p, true
}
