package router

import (
	"fmt"
	"regexp"
	"time"
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusReplied   Status = "replied"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Envelope tracks one outbound message and its reply.
type Envelope struct {
	MessageID    string    `json:"message_id"`
	SenderID     string    `json:"sender_id"`
	RecipientID  string    `json:"recipient_id"`
	Content      string    `json:"content"`
	SentAt       time.Time `json:"sent_at"`
	DeliveredAt  time.Time `json:"delivered_at,omitempty"`
	RepliedAt    time.Time `json:"replied_at,omitempty"`
	ReplyContent string    `json:"reply_content,omitempty"`
	WaitForReply bool      `json:"wait_for_reply"`
	Status       Status    `json:"status"`
}

var tagPattern = regexp.MustCompile(`^\[MSG:([0-9A-Za-z-]+)\] ?`)

// FormatPayload renders the text a recipient session receives.
func FormatPayload(messageID, content string) string {
	return fmt.Sprintf("[MSG:%s] %s", messageID, content)
}

// ParsePayload splits a tagged payload into message id and content.
func ParsePayload(payload string) (messageID, content string, ok bool) {
	match := tagPattern.FindStringSubmatchIndex(payload)
	if match == nil {
		return "", payload, false
	}
	return payload[match[2]:match[3]], payload[match[1]:], true
}
