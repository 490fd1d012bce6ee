package whatsapp

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/autoreply/wa-autoreply/internal/models"

	"github.com/rs/zerolog"
)

// ReplySource says which stage of the pipeline produced a reply
type ReplySource string

const (
	SourceKeyword ReplySource = "keyword"
	SourceAI      ReplySource = "ai"
)

// ReplyAction is the outcome of resolving one inbound message
type ReplyAction struct {
	Text   string
	Source ReplySource
	// RuleID is set when a keyword rule matched
	RuleID int64
	// UseTypingSimulation sends a plain message after a typing indicator instead of a quoted reply
	UseTypingSimulation bool
}

// PipelineOptions tunes the reply pipeline
type PipelineOptions struct {
	AITimeout      time.Duration
	TypingDelayMin time.Duration
	TypingDelayMax time.Duration
}

// Pipeline decides and delivers the reply to an inbound message:
// keyword rules first, then the AI fallback, otherwise nothing.
type Pipeline struct {
	completer Completer
	opts      PipelineOptions
	log       zerolog.Logger

	// overridable in tests
	sleep func(ctx context.Context, d time.Duration) error
	delay func(min, max time.Duration) time.Duration
}

// NewPipeline creates a pipeline. completer may be nil, which disables the AI fallback.
func NewPipeline(completer Completer, opts PipelineOptions, log zerolog.Logger) *Pipeline {
	if opts.AITimeout <= 0 {
		opts.AITimeout = 30 * time.Second
	}
	if opts.TypingDelayMax < opts.TypingDelayMin {
		opts.TypingDelayMax = opts.TypingDelayMin
	}
	return &Pipeline{
		completer: completer,
		opts:      opts,
		log:       log.With().Str("component", "pipeline").Logger(),
		sleep:     sleepContext,
		delay:     randomDelay,
	}
}

// Resolve picks the reply for msg, or nil when nothing should be sent.
// It never returns provider errors; they are logged and resolve to nil.
func (p *Pipeline) Resolve(ctx context.Context, msg models.InboundMessage, cfg models.DeviceConfig, ai models.GlobalAISettings) *ReplyAction {
	log := p.log.With().Str("device", cfg.DeviceID).Str("msg_id", msg.ID).Logger()
	normalized := strings.ToLower(msg.Body)

	for _, rule := range cfg.Keywords {
		if rule.Matches(normalized) {
			log.Debug().Int64("rule", rule.ID).Str("keyword", rule.Keyword).Msg("Keyword matched")
			return &ReplyAction{
				Text:                rule.Reply,
				Source:              SourceKeyword,
				RuleID:              rule.ID,
				UseTypingSimulation: cfg.Settings.TypingSimulation,
			}
		}
	}

	if !cfg.Settings.AIFallback {
		return nil
	}
	if !ai.HasKey() {
		log.Info().Msg("AI fallback enabled but no API key is configured, skipping")
		return nil
	}
	if p.completer == nil {
		log.Warn().Msg("AI fallback enabled but no completion provider is wired")
		return nil
	}

	aiCtx, cancel := context.WithTimeout(ctx, p.opts.AITimeout)
	defer cancel()

	started := time.Now()
	text, err := p.completer.Complete(aiCtx, ai.APIKey, ai.ModelName, msg.Body)
	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("AI completion failed, not replying")
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Warn().Msg("AI completion was empty, not replying")
		return nil
	}

	log.Debug().Dur("elapsed", time.Since(started)).Msg("AI reply generated")
	return &ReplyAction{
		Text:                text,
		Source:              SourceAI,
		UseTypingSimulation: cfg.Settings.TypingSimulation,
	}
}

// Handle runs the whole pipeline for one message: auto-read, resolve, deliver
func (p *Pipeline) Handle(ctx context.Context, r Responder, msg models.InboundMessage, cfg models.DeviceConfig, ai models.GlobalAISettings) error {
	log := p.log.With().Str("device", cfg.DeviceID).Str("msg_id", msg.ID).Logger()

	if cfg.Settings.AutoRead {
		if err := r.MarkSeen(ctx, msg); err != nil {
			log.Warn().Err(err).Msg("Failed to mark message as read")
		}
	}

	action := p.Resolve(ctx, msg, cfg, ai)
	if action == nil {
		return nil
	}
	return p.Deliver(ctx, r, msg, action)
}

// Deliver sends action. With typing simulation the reply is a plain message sent after a
// random pause; otherwise it quotes msg. A cancelled ctx aborts the pause.
func (p *Pipeline) Deliver(ctx context.Context, r Responder, msg models.InboundMessage, action *ReplyAction) error {
	if !action.UseTypingSimulation {
		return r.SendReply(ctx, msg, action.Text)
	}

	log := p.log.With().Str("chat", msg.Chat).Logger()
	if err := r.SetTyping(ctx, msg.Chat, true); err != nil {
		log.Warn().Err(err).Msg("Failed to start typing indicator")
	}
	if err := p.sleep(ctx, p.delay(p.opts.TypingDelayMin, p.opts.TypingDelayMax)); err != nil {
		return err
	}
	if err := r.SetTyping(ctx, msg.Chat, false); err != nil {
		log.Warn().Err(err).Msg("Failed to stop typing indicator")
	}
	return r.SendPlain(ctx, msg.Chat, action.Text)
}

func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
