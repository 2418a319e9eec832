package messenger

import (
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the messaging backend.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// NotFound reports whether the error is a 404 APIError.
func NotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == 404
}

// ============================================================================
// Wire Types
// ============================================================================

// APIMessage is a message as the backend returns it. Content is ciphertext
// when the sender encrypted it (see Encrypt / SafeDecrypt).
type APIMessage struct {
	ID               string     `json:"id"`
	ConversationID   string     `json:"conversationId"`
	SenderID         string     `json:"senderId"`
	Content          string     `json:"content"`
	MessageType      string     `json:"messageType"`
	ReplyToMessageID string     `json:"replyToMessageId,omitempty"`
	IsRead           bool       `json:"isRead"`
	ReadAt           *time.Time `json:"readAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// APIConversation is a conversation summary. Participant fields describe the
// other party from the requesting user's point of view.
type APIConversation struct {
	ID                  string     `json:"id"`
	InitiatorID         string     `json:"initiatorId"`
	ReceiverID          string     `json:"receiverId"`
	ParticipantID       string     `json:"participantId,omitempty"`
	ParticipantName     string     `json:"participantName,omitempty"`
	ParticipantAvatar   string     `json:"participantAvatar,omitempty"`
	LastMessage         string     `json:"lastMessage,omitempty"`
	LastMessageSenderID string     `json:"lastMessageSenderId,omitempty"`
	LastMessageIsRead   bool       `json:"lastMessageIsRead"`
	UnreadCount         int        `json:"unreadCount"`
	IsExisting          bool       `json:"isExisting,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	LastMessageAt       *time.Time `json:"lastMessageAt,omitempty"`
}

// OtherParticipant returns the participant that is not userID.
func (c *APIConversation) OtherParticipant(userID string) string {
	if c.InitiatorID == userID {
		return c.ReceiverID
	}
	return c.InitiatorID
}

// SendMessageRequest is the payload for Client.SendMessage.
type SendMessageRequest struct {
	ConversationID   string `json:"conversationId"`
	SenderID         string `json:"senderId"`
	Content          string `json:"content"`
	MessageType      string `json:"messageType"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
}

// Pagination describes one page of a paged listing.
type Pagination struct {
	Page        int  `json:"page"`
	PageSize    int  `json:"pageSize"`
	TotalItems  int  `json:"totalItems"`
	TotalPages  int  `json:"totalPages"`
	HasNext     bool `json:"hasNext"`
	HasPrevious bool `json:"hasPrevious"`
}

// MessagesPage is one page of a conversation's history, oldest first.
type MessagesPage struct {
	Messages   []APIMessage `json:"messages"`
	Pagination Pagination   `json:"pagination"`
}

// APIUser is a user's public profile from the user service.
type APIUser struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// DisplayName returns the user's full name, or a stable fallback when the
// profile carries no name fields.
func (u *APIUser) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		name = u.Username
	}
	if name == "" {
		return "Unknown User"
	}
	return name
}

// OnlineStatus is a presence snapshot for a single user.
type OnlineStatus struct {
	UserID    string    `json:"userId"`
	IsOnline  bool      `json:"isOnline"`
	Timestamp time.Time `json:"timestamp"`
}
