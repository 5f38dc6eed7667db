package messaging

import (
	"time"

	"github.com/google/uuid"

	"github.com/medflow/medflow/internal/platform/bot"
)

// Direction of a message relative to MedFlow.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Thread is the conversation with one Telegram chat.
type Thread struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	ChatID    int64      `db:"chat_id" json:"chatId"`
	PatientID *uuid.UUID `db:"patient_id" json:"patientId,omitempty"`
	Username  string     `db:"username" json:"username,omitempty"`
	FirstName string     `db:"first_name" json:"firstName,omitempty"`
	Language  string     `db:"language" json:"language,omitempty"`
	Messages  []Message  `db:"messages" json:"messages"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time  `db:"updated_at" json:"updatedAt"`
}

type Message struct {
	ID                uuid.UUID       `json:"id"`
	Direction         string          `json:"direction"`
	Type              bot.MessageType `json:"type"`
	Text              string          `json:"text,omitempty"`
	MediaKey          string          `json:"mediaKey,omitempty"`
	SenderID          *uuid.UUID      `json:"senderId,omitempty"`
	TelegramMessageID int             `json:"telegramMessageId,omitempty"`
	SentAt            time.Time       `json:"sentAt"`
}

// Participant is what an inbound message tells us about the chat.
// Empty fields leave the stored values unchanged.
type Participant struct {
	ChatID    int64
	Username  string
	FirstName string
	Language  string
}

type SendTextRequest struct {
	Text string `json:"text"`
}

// MediaURL is a presigned link to stored Telegram media.
type MediaURL struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
