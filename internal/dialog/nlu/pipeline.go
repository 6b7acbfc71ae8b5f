package nlu

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/tasktalk/server/internal/dialog/config"
	"github.com/tasktalk/server/internal/dialog/model"
	logx "github.com/tasktalk/server/pkg/logger"
)

// node names within the understanding graph
const (
	nodeMessageBuilder = "MessageBuilder"
	nodeChatModel      = "UnderstandingModel"
	nodeParser         = "TupleParser"
)

// PipelineConfig wires the Gemini-backed understanding pipeline.
type PipelineConfig struct {
	APIKey      string
	BaseURL     string
	Model       config.NLUModelConfig
	Tasks       []string
	EntityTypes []string
}

// Pipeline is the compiled understanding graph: build messages, run the
// chat model, parse the tuple output.
type Pipeline struct {
	runnable       compose.Runnable[Query, *model.NLUResult]
	uncertainBelow float64
}

var _ Predictor = (*Pipeline)(nil)

// NewPipeline creates the Gemini client, composes the graph and compiles it.
func NewPipeline(ctx context.Context, cfg PipelineConfig) (*Pipeline, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Model.Model,
		Temperature: &cfg.Model.Temperature,
		MaxTokens:   &cfg.Model.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating understanding model")
		return nil, fmt.Errorf("error creating understanding model: %w", err)
	}

	g := compose.NewGraph[Query, *model.NLUResult]()

	g.AddLambdaNode(nodeMessageBuilder, newMessageBuilder(cfg.Tasks, cfg.EntityTypes))
	g.AddChatModelNode(nodeChatModel, chatModel)
	g.AddLambdaNode(nodeParser, newParserNode(cfg.Model.UncertainBelow))

	edges := [][2]string{
		{compose.START, nodeMessageBuilder},
		{nodeMessageBuilder, nodeChatModel},
		{nodeChatModel, nodeParser},
		{nodeParser, compose.END},
	}
	for _, e := range edges {
		g.AddEdge(e[0], e[1])
	}

	runnable, err := g.Compile(ctx)
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling understanding graph")
		return nil, fmt.Errorf("error compiling understanding graph: %w", err)
	}

	logx.Debug().Msg("Understanding graph compiled successfully")
	return &Pipeline{runnable: runnable, uncertainBelow: cfg.Model.UncertainBelow}, nil
}

// Predict runs one utterance through the compiled graph.
func (p *Pipeline) Predict(ctx context.Context, q Query) (*model.NLUResult, error) {
	out, err := p.runnable.Invoke(ctx, q, compose.WithCallbacks(newCallbacks()))
	if err != nil {
		return nil, err
	}
	if out == nil {
		return &model.NLUResult{}, nil
	}
	return out, nil
}

func newMessageBuilder(tasks, entityTypes []string) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, q Query) ([]*schema.Message, error) {
		systemPrompt, err := RenderSystem(ctx, tasks, entityTypes)
		if err != nil {
			return nil, fmt.Errorf("render understanding system prompt: %w", err)
		}

		var user strings.Builder
		if len(q.History) > 0 {
			user.WriteString("Recent turns:\n")
			for _, line := range q.History {
				user.WriteString(line)
				user.WriteByte('\n')
			}
			user.WriteString("\n")
		}
		user.WriteString("Latest user message: ")
		user.WriteString(q.Utterance)

		return []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(user.String()),
		}, nil
	})
}

func newParserNode(uncertainBelow float64) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, resp *schema.Message) (*model.NLUResult, error) {
		result, err := Parse(resp.Content, uncertainBelow)
		if err != nil {
			logx.Error().Err(err).Msg("Error parsing understanding output")
			return nil, err
		}
		return result, nil
	})
}
