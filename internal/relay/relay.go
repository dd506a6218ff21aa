// Package relay runs one chat turn through the gates in order: auth, rate
// limit, content checks, persistence, provider call and reply persistence.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/llm"
	"chatrelay/internal/metrics"
	"chatrelay/internal/providers"
	"chatrelay/internal/settings"
	"chatrelay/internal/storage"
)

const (
	DefaultContextLimit = 10
	DefaultHistoryLimit = 50
)

type Identity struct {
	UserID    int64
	SessionID string
	Username  string
	Admin     bool
}

type ConversationStore interface {
	AppendTurn(ctx context.Context, m storage.ChatMessage) (int64, error)
	RecentContextExcluding(ctx context.Context, userID, excludeID int64, limit int) ([]storage.ContextMessage, error)
	History(ctx context.Context, userID int64, maxRows int) ([]storage.ChatMessage, error)
	ClearHistory(ctx context.Context, userID int64) error
	AppendLog(ctx context.Context, e storage.LogEntry) error
}

type ContentGuard interface {
	Validate(raw string) bool
	Sanitize(raw string) string
}

type RateLimiter interface {
	Check(ctx context.Context, userID int64, perHour int) bool
}

type LLM interface {
	Send(ctx context.Context, cfg settings.ProviderConfig, text string, history []providers.Message) (llm.Result, error)
}

type ConfigSource interface {
	Get(ctx context.Context) (settings.ProviderConfig, error)
}

type Locker interface {
	Acquire(ctx context.Context, userID int64) (func(), error)
}

type Reply struct {
	UserMessage    string
	AssistantReply string
	Timestamp      int64
	Usage          *providers.Usage
	Model          string
}

type Config struct {
	Store        ConversationStore
	Guard        ContentGuard
	Limiter      RateLimiter
	LLM          LLM
	Settings     ConfigSource
	Locker       Locker
	BusyErr      error
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	ContextLimit int
	HistoryLimit int
	Now          func() time.Time
}

type Orchestrator struct {
	store        ConversationStore
	guard        ContentGuard
	limiter      RateLimiter
	llm          LLM
	settings     ConfigSource
	locker       Locker
	busyErr      error
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	contextLimit int
	historyLimit int
	now          func() time.Time
}

func New(cfg Config) *Orchestrator {
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultContextLimit
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		store:        cfg.Store,
		guard:        cfg.Guard,
		limiter:      cfg.Limiter,
		llm:          cfg.LLM,
		settings:     cfg.Settings,
		locker:       cfg.Locker,
		busyErr:      cfg.BusyErr,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		contextLimit: cfg.ContextLimit,
		historyLimit: cfg.HistoryLimit,
		now:          cfg.Now,
	}
}

// Relay handles one user turn. It returns a *Error on every failure.
func (o *Orchestrator) Relay(ctx context.Context, id *Identity, message string) (Reply, error) {
	reply, err := o.relay(ctx, id, message)
	o.countTurn(err)
	return reply, err
}

func (o *Orchestrator) relay(ctx context.Context, id *Identity, message string) (Reply, error) {
	if !authenticated(id) {
		return Reply{}, newError(Unauthorized, "Unauthorized access", nil)
	}
	log := o.logger.With().Int64("user_id", id.UserID).Logger()

	release, err := o.lock(ctx, id.UserID, log)
	if err != nil {
		return Reply{}, err
	}
	unlocked := false
	unlock := func() {
		if !unlocked {
			unlocked = true
			release()
		}
	}
	defer unlock()

	cfg, err := o.settings.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load provider config failed, using defaults")
		cfg = settings.Defaults()
	}

	if !o.limiter.Check(ctx, id.UserID, cfg.RateLimitPerHour) {
		return Reply{}, newError(RateLimited, "Rate limit exceeded. Wait before sending another message.", nil)
	}
	if message == "" {
		return Reply{}, newError(EmptyInput, "Message is required", nil)
	}
	if !o.guard.Validate(message) {
		return Reply{}, newError(InvalidContent, "Invalid message content or length", nil)
	}
	text := o.guard.Sanitize(message)
	if text == "" {
		return Reply{}, newError(EmptyInput, "Message cannot be empty", nil)
	}

	ts := o.now().Unix()
	userRowID, err := o.store.AppendTurn(ctx, storage.ChatMessage{
		UserID:    id.UserID,
		Text:      text,
		Sender:    storage.SenderUser,
		Timestamp: ts,
	})
	if err != nil {
		o.logFailure(ctx, log, err, "persist user turn")
		return Reply{}, newError(PersistenceError, "Failed to save message", err)
	}
	unlock()

	rows, err := o.store.RecentContextExcluding(ctx, id.UserID, userRowID, o.contextLimit)
	if err != nil {
		log.Warn().Err(err).Msg("load conversation context failed, sending without it")
		rows = nil
	}
	history := make([]providers.Message, 0, len(rows))
	for _, r := range rows {
		history = append(history, providers.Message{Role: r.Role, Content: r.Content})
	}

	res, err := o.llm.Send(ctx, cfg, text, history)
	if err != nil {
		msg := "Unknown API error"
		var perr *providers.Error
		if errors.As(err, &perr) && perr.Message != "" {
			msg = perr.Message
		}
		return Reply{}, newError(ProviderError, msg, err)
	}

	answer := o.guard.Sanitize(res.Content)
	if answer != "" {
		_, err := o.store.AppendTurn(ctx, storage.ChatMessage{
			UserID:    id.UserID,
			Text:      answer,
			Sender:    storage.SenderAssistant,
			Timestamp: ts,
		})
		if err != nil {
			o.logFailure(ctx, log, err, "persist assistant turn")
		}
	}

	return Reply{
		UserMessage:    text,
		AssistantReply: answer,
		Timestamp:      ts,
		Usage:          res.Usage,
		Model:          res.Model,
	}, nil
}

// History returns the user's stored turns, oldest first.
func (o *Orchestrator) History(ctx context.Context, id *Identity) ([]storage.ChatMessage, error) {
	if !authenticated(id) {
		return nil, newError(Unauthorized, "Unauthorized", nil)
	}
	rows, err := o.store.History(ctx, id.UserID, o.historyLimit)
	if err != nil {
		return nil, newError(PersistenceError, "Failed to load history", err)
	}
	return rows, nil
}

func (o *Orchestrator) ClearHistory(ctx context.Context, id *Identity) error {
	if !authenticated(id) {
		return newError(Unauthorized, "Unauthorized", nil)
	}
	if err := o.store.ClearHistory(ctx, id.UserID); err != nil {
		o.logFailure(ctx, o.logger.With().Int64("user_id", id.UserID).Logger(), err, "clear history")
		return newError(PersistenceError, "Failed to clear history", err)
	}
	return nil
}

func authenticated(id *Identity) bool {
	return id != nil && id.UserID > 0
}

// lock takes the per-user lock when a locker is configured. A locker that
// fails for reasons other than contention is skipped.
func (o *Orchestrator) lock(ctx context.Context, userID int64, log zerolog.Logger) (func(), error) {
	noop := func() {}
	if o.locker == nil {
		return noop, nil
	}
	release, err := o.locker.Acquire(ctx, userID)
	switch {
	case err == nil:
		return release, nil
	case o.busyErr != nil && errors.Is(err, o.busyErr):
		return nil, newError(Busy, "Another message is still being processed", err)
	case ctx.Err() != nil:
		return nil, newError(Busy, "Request cancelled while waiting", err)
	default:
		log.Warn().Err(err).Msg("user lock unavailable, continuing without it")
		return noop, nil
	}
}

func (o *Orchestrator) logFailure(ctx context.Context, log zerolog.Logger, err error, what string) {
	log.Error().Err(err).Msg(what + " failed")
	entry := storage.LogEntry{
		Kind:      storage.LogError,
		Message:   fmt.Sprintf("%s failed: %v", what, err),
		Timestamp: o.now().Unix(),
	}
	if logErr := o.store.AppendLog(ctx, entry); logErr != nil {
		log.Error().Err(logErr).Msg("append failure to log store")
	}
}

func (o *Orchestrator) countTurn(err error) {
	if o.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	o.metrics.RelayTurns.WithLabelValues(outcome).Inc()
}
