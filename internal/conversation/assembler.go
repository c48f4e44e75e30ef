package conversation

import "strings"

// Role identifies the speaker of a turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultPlaceholder is the content of the synthetic user turn appended after a trailing assistant turn
const DefaultPlaceholder = "..."

// Turn is one role-tagged block of content sent to an LLM provider
type Turn struct {
	Role        Role
	Content     string
	AuthorLabel string
}

// HistoryMessage is a platform message reduced to what the assembler needs
type HistoryMessage struct {
	Text       string
	IsFromBot  bool
	AuthorID   string
	AuthorName string
}

// Assembler turns channel history into provider-agnostic turns
type Assembler struct {
	Placeholder string
}

// NewAssembler creates an assembler. An empty placeholder means DefaultPlaceholder.
func NewAssembler(placeholder string) *Assembler {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	return &Assembler{Placeholder: placeholder}
}

// Assemble builds the turn sequence for a system prompt and history ordered oldest first.
// Consecutive messages from the same role are merged, and the sequence never ends on an assistant turn.
func (a *Assembler) Assemble(systemPrompt string, history []HistoryMessage) []Turn {
	turns := []Turn{{Role: RoleSystem, Content: systemPrompt}}

	var (
		role   Role
		label  string
		pieces []string
	)

	flush := func() {
		if len(pieces) == 0 {
			return
		}
		turns = append(turns, Turn{
			Role:        role,
			Content:     strings.Join(pieces, "\n"),
			AuthorLabel: label,
		})
		pieces = nil
	}

	for _, msg := range history {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}

		r := RoleUser
		if msg.IsFromBot {
			r = RoleAssistant
		}

		if r != role {
			flush()
			role = r
			label = msg.AuthorName
		}
		pieces = append(pieces, text)
	}
	flush()

	if turns[len(turns)-1].Role == RoleAssistant {
		turns = append(turns, Turn{Role: RoleUser, Content: a.Placeholder})
	}

	return turns
}

// FromTurns converts non-system turns back into history messages
func FromTurns(turns []Turn) []HistoryMessage {
	history := make([]HistoryMessage, 0, len(turns))
	for _, t := range turns {
		if t.Role == RoleSystem {
			continue
		}
		history = append(history, HistoryMessage{
			Text:       t.Content,
			IsFromBot:  t.Role == RoleAssistant,
			AuthorName: t.AuthorLabel,
		})
	}
	return history
}

// LatestUserText returns the content of the last user turn that is not the given placeholder
func LatestUserText(turns []Turn, placeholder string) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != RoleUser {
			continue
		}
		if placeholder != "" && turns[i].Content == placeholder {
			continue
		}
		return turns[i].Content
	}
	return ""
}
