package nlu

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/nlu_prompt.txt
var systemPromptTemplate string

// RenderSystem renders the understanding system prompt via the Eino prompt
// component so prompt callbacks fire. tasks and entityTypes come from the
// bot configuration.
func RenderSystem(ctx context.Context, tasks, entityTypes []string) (string, error) {
	content := strings.NewReplacer(
		"{TD}", tupDelim,
		"{RD}", recDelim,
		"{CD}", endDelim,
		"{tasks}", strings.Join(tasks, ", "),
		"{entity_types}", strings.Join(entityTypes, ", "),
	).Replace(systemPromptTemplate)

	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("nlu prompt callbacks: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("nlu prompt callbacks: empty result")
	}
	return msgs[0].Content, nil
}
