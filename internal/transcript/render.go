package transcript

import (
	"fmt"
	"strings"
)

// Render formats a conversation as a User:/Assistant: transcript, the text
// stored as the knowledge item's content.
func Render(c Conversation) string {
	var sb strings.Builder
	for _, msg := range c.Messages {
		switch msg.Role {
		case RoleUser:
			sb.WriteString("User: ")
		case RoleAssistant:
			sb.WriteString("Assistant: ")
		case RoleSystem:
			sb.WriteString("System: ")
		default:
			sb.WriteString("Unknown: ")
		}
		sb.WriteString(msg.Text)
		sb.WriteString("\n\n")
	}
	if c.Truncated {
		fmt.Fprintf(&sb, "[truncated: %d of %d messages]\n", len(c.Messages), c.TotalMessages)
	}
	return sb.String()
}
