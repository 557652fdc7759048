package chat

import (
	"strings"

	"github.com/loqalabs/loqa-persona/internal/history"
	"github.com/loqalabs/loqa-persona/internal/knowledge"
	"github.com/loqalabs/loqa-persona/internal/llm"
)

const defaultNoContextNote = "没有找到相关上下文。"

// SystemMessage composes the persona prompt with the retrieved context and a
// reminder about the user's name.
func SystemMessage(opts Options, passages []knowledge.Passage) string {
	var ctxText strings.Builder
	for _, p := range passages {
		ctxText.WriteString(p.Content)
		ctxText.WriteString("\n")
	}
	if ctxText.Len() == 0 {
		note := opts.NoContextNote
		if note == "" {
			note = defaultNoContextNote
		}
		ctxText.WriteString(note)
	}

	reminder := "请记住用户的名字，并在对话中正确使用。"
	if opts.UserName != "" {
		reminder = "请记住用户的名字为：" + opts.UserName + "，并在对话中正确使用。"
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(opts.SystemPrompt))
	sb.WriteString("\n\n上下文信息如下:\n")
	sb.WriteString(ctxText.String())
	sb.WriteString("\n\n")
	sb.WriteString(reminder)
	return sb.String()
}

// BuildMessages orders the system message, the thread's past messages and the
// new user message.
func BuildMessages(opts Options, passages []knowledge.Passage, past []history.Message, userText string) []llm.Message {
	messages := make([]llm.Message, 0, len(past)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: SystemMessage(opts, passages)})
	for _, m := range past {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userText})
	return messages
}
