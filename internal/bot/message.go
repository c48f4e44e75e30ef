package bot

import (
	"time"

	"github.com/bwmarrin/discordgo"
)

// Message adapts a discordgo message to message.Message
type Message struct {
	msg   *discordgo.Message
	botID string
}

// NewMessage wraps m. botID is used to recognise replies to the bot.
func NewMessage(m *discordgo.Message, botID string) *Message {
	return &Message{msg: m, botID: botID}
}

func (m *Message) ID() string        { return m.msg.ID }
func (m *Message) Text() string      { return m.msg.Content }
func (m *Message) ChannelID() string { return m.msg.ChannelID }

func (m *Message) AuthorID() string {
	if m.msg.Author == nil {
		return ""
	}
	return m.msg.Author.ID
}

func (m *Message) AuthorName() string {
	if m.msg.Member != nil && m.msg.Member.Nick != "" {
		return m.msg.Member.Nick
	}
	if m.msg.Author == nil {
		return ""
	}
	if m.msg.Author.GlobalName != "" {
		return m.msg.Author.GlobalName
	}
	return m.msg.Author.Username
}

func (m *Message) IsFromBot() bool {
	return m.msg.Author != nil && (m.msg.Author.Bot || (m.botID != "" && m.msg.Author.ID == m.botID))
}

func (m *Message) MentionsUser(userID string) bool {
	for _, u := range m.msg.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// IsReplyToBot reports whether the message replies to one of the bot's messages
func (m *Message) IsReplyToBot() bool {
	ref := m.msg.ReferencedMessage
	return ref != nil && ref.Author != nil && m.botID != "" && ref.Author.ID == m.botID
}

func (m *Message) Timestamp() time.Time { return m.msg.Timestamp }
