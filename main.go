package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/tasktalk/server/internal/core"
	"github.com/tasktalk/server/internal/dialog/config"
	"github.com/tasktalk/server/internal/dialog/funcs"
	"github.com/tasktalk/server/internal/dialog/model"
	"github.com/tasktalk/server/internal/dialog/nlu"
	"github.com/tasktalk/server/internal/dialog/orchestrator"
	"github.com/tasktalk/server/internal/dialog/policy"
	"github.com/tasktalk/server/internal/dialog/repo"
	"github.com/tasktalk/server/internal/dialog/response"
	"github.com/tasktalk/server/internal/dialog/state"
	"github.com/tasktalk/server/internal/dialog/tree"
	logx "github.com/tasktalk/server/pkg/logger"
	pkgredis "github.com/tasktalk/server/pkg/redis"
)

// AppConfig defines all configurable parameters for the dialogue engine,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// Infrastructure
	Redis pkgredis.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Engine configs
	BotConfigPath string `envconfig:"BOT_CONFIG_PATH" default:"bot_configs/shopbot.yaml"`
	NLU           config.NLUModelConfig
	Session       config.SessionConfig
}

func main() {
	ctx := context.Background()

	// Load .env file
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	// Load structured config from env
	var envCfg AppConfig
	if err := envconfig.Process("", &envCfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(envCfg.Environment)})

	bot, err := config.Load(envCfg.BotConfigPath)
	if err != nil {
		log.Fatalf("Failed to load bot config %q: %v", envCfg.BotConfigPath, err)
	}

	rdb, err := envCfg.Redis.New()
	if err != nil {
		log.Fatalf("Failed to initialise Redis client: %v", err)
	}
	defer rdb.Close()

	ttl, err := time.ParseDuration(envCfg.Session.TTL)
	if err != nil {
		log.Fatalf("Invalid SESSION_TTL %q: %v", envCfg.Session.TTL, err)
	}
	funcTimeout, err := time.ParseDuration(envCfg.Session.FuncTimeout)
	if err != nil {
		log.Fatalf("Invalid SESSION_FUNC_TIMEOUT %q: %v", envCfg.Session.FuncTimeout, err)
	}

	// ====================================================
	// Wire the engine
	var taskNames []string
	for name := range bot.Tasks {
		taskNames = append(taskNames, name)
	}
	trees, err := tree.NewManager(func(task string) (*tree.Node, error) {
		return tree.Compile(bot, task)
	}, taskNames)
	if err != nil {
		log.Fatalf("Failed to compile task trees: %v", err)
	}

	registry := funcs.NewRegistry(demoFunctions(), funcTimeout)
	states := state.NewManager(bot, trees, registry)
	composer := response.NewComposer(bot, rand.New(rand.NewSource(time.Now().UnixNano())))

	predictor, err := nlu.NewPipeline(ctx, nlu.PipelineConfig{
		APIKey:      envCfg.APIKey,
		BaseURL:     envCfg.BaseURL,
		Model:       envCfg.NLU,
		Tasks:       taskNames,
		EntityTypes: entityTypes(bot),
	})
	if err != nil {
		log.Fatalf("Failed to build understanding pipeline: %v", err)
	}

	engine := orchestrator.New(orchestrator.Config{
		Bot:             bot,
		Predictor:       predictor,
		States:          states,
		Policy:          policy.New(bot, states, composer),
		Composer:        composer,
		Sessions:        repo.NewRedisSessionRepository(rdb, ttl),
		MaxHistoryTurns: envCfg.Session.MaxHistoryTurns,
	})

	// ====================================================
	// Interactive loop: one conversation per run
	conversationID := uuid.NewString()
	fmt.Printf("%s ready (conversation %s). Type a message, %q to start over, or ctrl-d to quit.\n",
		bot.Bot.Name, conversationID, orchestrator.ResetCommand)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, err := engine.ProcessTurn(ctx, conversationID, line)
		if err != nil {
			logx.Error().Err(err).Msg("turn failed")
			continue
		}
		fmt.Printf("%s> %s\n", bot.Bot.Name, reply)
	}
	fmt.Println("bye")
}

// entityTypes collects every entity type the bot's tasks can ask for.
func entityTypes(bot *config.Bot) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range bot.Tasks {
		for _, name := range t.Entities.Names {
			for _, typ := range t.Entities.Specs[name].Types {
				if !seen[typ] {
					seen[typ] = true
					out = append(out, typ)
				}
			}
		}
	}
	return out
}

// demoFunctions backs the sample bot config with canned business logic.
// Real deployments register their own functions or point func_name at a
// service URL.
func demoFunctions() map[string]funcs.Func {
	accounts := map[string]bool{
		"a@b.com":        true,
		"demo@shop.test": true,
	}
	orders := map[string]string{
		"12345": "Order 12345 is out for delivery.",
		"67890": "Order 67890 was delivered yesterday.",
	}
	return map[string]funcs.Func{
		"verify_email": func(ctx context.Context, call funcs.Call) model.FuncResult {
			if accounts[call.Value] {
				return model.FuncResult{Success: true}
			}
			return model.FuncResult{Success: false, Msg: "I couldn't find an account with that email."}
		},
		"lookup_order": func(ctx context.Context, call funcs.Call) model.FuncResult {
			if msg, ok := orders[call.Value]; ok {
				return model.FuncResult{Success: true, Msg: msg}
			}
			return model.FuncResult{Success: false, Msg: "I couldn't find that order."}
		},
		"notify_done": func(ctx context.Context, call funcs.Call) model.FuncResult {
			return model.FuncResult{Success: true, Msg: "I've emailed you a summary."}
		},
		"save_contact": func(ctx context.Context, call funcs.Call) model.FuncResult {
			return model.FuncResult{Success: true, Msg: fmt.Sprintf("Saved your %s.", call.CurEntity)}
		},
	}
}
