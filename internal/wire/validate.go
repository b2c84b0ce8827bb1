package wire

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// Validation errors. Each wraps ErrInvalidPayload.
var (
	ErrEmptyContent   = fmt.Errorf("%w: empty content", ErrInvalidPayload)
	ErrContentTooLong = fmt.Errorf("%w: content too long", ErrInvalidPayload)
	ErrBadID          = fmt.Errorf("%w: bad identifier", ErrInvalidPayload)
	ErrBadType        = fmt.Errorf("%w: unknown message type", ErrInvalidPayload)
	ErrBadStatus      = fmt.Errorf("%w: unknown presence status", ErrInvalidPayload)
)

// MaxIDLen bounds chat, message and user identifiers.
const MaxIDLen = 64

// MaxClockSkew is how far a sender timestamp may sit from the relay clock
// before the relay replaces it with its own.
const MaxClockSkew = 5 * time.Minute

// NormalizeContent returns content in Unicode NFC with surrounding
// whitespace removed, so equal text compares and counts equally everywhere.
func NormalizeContent(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// ValidateID checks an opaque identifier: 1..MaxIDLen bytes, valid UTF-8,
// no whitespace or control characters.
func ValidateID(id string) error {
	if id == "" || len(id) > MaxIDLen || !utf8.ValidString(id) {
		return ErrBadID
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrBadID
		}
	}
	return nil
}

// Normalize canonicalizes the payload in place and validates it. maxRunes
// bounds the content length in runes (<= 0 means unbounded).
func (p *MessageSendPayload) Normalize(maxRunes int) error {
	p.Content = NormalizeContent(p.Content)
	if p.Type == "" {
		p.Type = domain.TypeText
	}
	if !p.Timestamp.IsZero() {
		p.Timestamp = p.Timestamp.UTC().Truncate(time.Millisecond)
	}
	return errors.Join(
		idErr("messageId", p.MessageID),
		idErr("chatId", p.ChatID),
		idErr("sender", p.Sender),
		contentErr(p.Content, maxRunes),
		typeErr(p.Type),
		optionalIDErr("replyTo", p.ReplyTo),
	)
}

// ClampTimestamp replaces a missing or skewed sender timestamp with now.
func (p *MessageSendPayload) ClampTimestamp(now time.Time) {
	now = now.UTC().Truncate(time.Millisecond)
	if p.Timestamp.IsZero() {
		p.Timestamp = now
		return
	}
	if d := p.Timestamp.Sub(now); d > MaxClockSkew || d < -MaxClockSkew {
		p.Timestamp = now
	}
}

// ToMessage converts the payload into a persisted message record.
func (p *MessageSendPayload) ToMessage() *domain.Message {
	return &domain.Message{
		ID:        p.MessageID,
		ChatID:    p.ChatID,
		Sender:    p.Sender,
		Content:   p.Content,
		Timestamp: p.Timestamp,
		Type:      p.Type,
		ReplyTo:   p.ReplyTo,
		Status:    domain.StatusSent,
	}
}

// SendPayloadFrom builds the push-channel payload for m.
func SendPayloadFrom(m *domain.Message) MessageSendPayload {
	return MessageSendPayload{
		MessageID: m.ID,
		ChatID:    m.ChatID,
		Sender:    m.Sender,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Type:      m.Type,
		ReplyTo:   m.ReplyTo,
	}
}

// ValidateContent checks normalized content against the rune limit.
func ValidateContent(content string, maxRunes int) error {
	return contentErr(content, maxRunes)
}

// Validate checks a read receipt.
func (p *MessageReadPayload) Validate() error {
	return errors.Join(idErr("messageId", p.MessageID), idErr("chatId", p.ChatID))
}

// Validate checks a reaction toggle. Emoji are short opaque strings.
func (p *MessageReactPayload) Validate() error {
	p.Emoji = norm.NFC.String(strings.TrimSpace(p.Emoji))
	var emojiErr error
	if p.Emoji == "" || utf8.RuneCountInString(p.Emoji) > 16 {
		emojiErr = fmt.Errorf("%w: emoji", ErrInvalidPayload)
	}
	return errors.Join(idErr("messageId", p.MessageID), idErr("chatId", p.ChatID), emojiErr)
}

// Validate checks a typing payload.
func (p *TypingPayload) Validate() error {
	return idErr("chatId", p.ChatID)
}

// Validate checks a room payload.
func (p *RoomPayload) Validate() error {
	return idErr("chatId", p.ChatID)
}

// Validate checks a presence announcement.
func (p *PresencePayload) Validate() error {
	if !p.Status.Valid() {
		return ErrBadStatus
	}
	return nil
}

func idErr(field, id string) error {
	if err := ValidateID(id); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

func optionalIDErr(field, id string) error {
	if id == "" {
		return nil
	}
	return idErr(field, id)
}

func contentErr(content string, maxRunes int) error {
	if content == "" {
		return ErrEmptyContent
	}
	if maxRunes > 0 && utf8.RuneCountInString(content) > maxRunes {
		return ErrContentTooLong
	}
	return nil
}

func typeErr(t domain.MessageType) error {
	if !t.Valid() {
		return ErrBadType
	}
	return nil
}
