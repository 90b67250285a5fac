package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/h1v3-io/crafter/internal/agent"
	"github.com/h1v3-io/crafter/internal/config"
	"github.com/h1v3-io/crafter/internal/connector/webhook"
	"github.com/h1v3-io/crafter/internal/metrics"
	"github.com/h1v3-io/crafter/internal/notify"
	"github.com/h1v3-io/crafter/internal/orchestrator"
	"github.com/h1v3-io/crafter/internal/pipeline"
	"github.com/h1v3-io/crafter/internal/provider"
	"github.com/h1v3-io/crafter/internal/reply"
	"github.com/h1v3-io/crafter/internal/tool"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

func buildProviders(cfg *config.Config, logger *slog.Logger) (*provider.Set, error) {
	set := provider.NewSet("default")
	for name, pcfg := range cfg.Providers {
		opts := []provider.Option{provider.WithName(name), provider.WithRetry(2, 2*time.Second)}
		if pcfg.BaseURL != "" {
			opts = append(opts, provider.WithBaseURL(pcfg.BaseURL))
		}
		if pcfg.Model != "" {
			opts = append(opts, provider.WithModel(pcfg.Model))
		}
		p, err := provider.New(pcfg.Type, pcfg.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		set.Add(name, p)
		logger.Info("provider initialized", "name", name, "type", pcfg.Type, "model", p.Model())
	}
	return set, nil
}

// buildStages gives each stage its own Runner so a stage can use a
// different provider, model and tool set.
func buildStages(cfg *config.Config, providers *provider.Set, sb *tool.Sandbox, m *metrics.Metrics, logger *slog.Logger) (pipeline.Stages, error) {
	runner := func(stage protocol.Stage) (*agent.Runner, protocol.StageSpec, error) {
		spec := cfg.Stage(stage)
		prov, err := providers.Lookup(spec.Provider)
		if err != nil {
			return nil, spec, fmt.Errorf("stage %s: %w", stage, err)
		}
		r := agent.NewRunner(spec, prov)
		r.Logger = logger.With("component", "stage")
		if cfg.Pipeline.MaxIterations > 0 {
			r.MaxIterations = cfg.Pipeline.MaxIterations
		}
		r.OnEvent = m.StageEvent
		return r, spec, nil
	}

	sentinel, sentinelSpec, err := runner(protocol.StageSentinel)
	if err != nil {
		return pipeline.Stages{}, err
	}
	planner, plannerSpec, err := runner(protocol.StagePlanner)
	if err != nil {
		return pipeline.Stages{}, err
	}
	coder, coderSpec, err := runner(protocol.StageCoder)
	if err != nil {
		return pipeline.Stages{}, err
	}
	reviewer, reviewerSpec, err := runner(protocol.StageReviewer)
	if err != nil {
		return pipeline.Stages{}, err
	}

	// The Planner may look around the repository but never write.
	readOnly := tool.NewRegistry()
	readOnly.Register(&tool.ReadFileTool{Sandbox: sb})
	readOnly.Register(&tool.ListDirTool{Sandbox: sb})

	coderLog := logger.With("component", "coder")
	fileTools := tool.FileTools(sb, func(rel string, size int) {
		coderLog.Info("file written", "path", rel, "bytes", size)
	})

	return pipeline.Stages{
		Sentinel: &pipeline.LLMSentinel{
			Gen:     sentinel,
			Persona: sentinelSpec.Instructions,
			Retries: cfg.Pipeline.SentinelRetries,
			Logger:  logger.With("component", "sentinel"),
			OnVerdict: func(v pipeline.Verdict, source string) {
				m.Verdict(string(v.Status), source)
			},
		},
		Planner:  &pipeline.LLMPlanner{Gen: planner, Persona: plannerSpec.Instructions, Tools: readOnly},
		Coder:    &pipeline.LLMCoder{Gen: coder, Persona: coderSpec.Instructions, Tools: fileTools},
		Reviewer: &pipeline.LLMReviewer{Gen: reviewer, Persona: reviewerSpec.Instructions},
	}, nil
}

// buildNotifier returns nil when no operator channel is configured.
func buildNotifier(cfg *config.Config, logger *slog.Logger) (orchestrator.Notifier, error) {
	var multi notify.Multi
	if s := cfg.Notify.Slack; s != nil {
		n, err := notify.NewSlack(notify.SlackConfig{BotToken: s.BotToken, Channel: s.Channel}, logger.With("notifier", "slack"))
		if err != nil {
			return nil, err
		}
		multi = append(multi, n)
	}
	if tg := cfg.Notify.Telegram; tg != nil {
		n, err := notify.NewTelegram(notify.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID}, nil, logger.With("notifier", "telegram"))
		if err != nil {
			return nil, err
		}
		multi = append(multi, n)
	}
	if len(multi) == 0 {
		return nil, nil
	}
	if len(cfg.Notify.States) > 0 {
		return notify.Filter{Next: multi, States: cfg.Notify.States}, nil
	}
	return multi, nil
}

// buildReplier returns nil when no reply URL is configured.
func buildReplier(cfg *config.Config, logger *slog.Logger) *reply.Replier {
	if cfg.Webhook.ReplyURL == "" {
		return nil
	}
	poster := webhook.NewPoster(cfg.Webhook.ReplyURL, cfg.Webhook.ReplyToken, cfg.Webhook.ReplySecret)
	return reply.NewReplier(poster, logger.With("component", "reply"))
}
