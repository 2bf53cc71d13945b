package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/audit"
	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// AuditLogExecutor handles audit-log obligations. It raises the detail
// level of the in-flight audit record; the entry itself is written by
// the audit interceptor when the request completes. Sync and critical:
// a request whose audit obligation cannot be honored must not complete.
type AuditLogExecutor struct{}

// NewAuditLogExecutor creates the executor.
func NewAuditLogExecutor() *AuditLogExecutor { return &AuditLogExecutor{} }

func (e *AuditLogExecutor) Prefixes() []string { return []string{decision.ObligationAuditLog} }
func (e *AuditLogExecutor) Sync() bool         { return true }
func (e *AuditLogExecutor) Critical() bool     { return true }

func (e *AuditLogExecutor) Execute(ctx context.Context, spec decision.ObligationSpec, _ *decision.Context) error {
	rec := audit.RecordFromContext(ctx)
	if rec == nil {
		return fmt.Errorf("no audit record in flight")
	}
	switch level := stringParam(spec.Params, "level", "basic"); level {
	case "basic":
		rec.RaiseDetail(audit.DetailBasic)
	case "detailed":
		rec.RaiseDetail(audit.DetailDetailed)
	case "full":
		rec.RaiseDetail(audit.DetailFull)
	default:
		return fmt.Errorf("unknown audit detail level %q", level)
	}
	return nil
}

// Sender delivers a notification. Implementations are deployment
// specific (webhook, mail relay); the default just logs.
type Sender interface {
	Send(ctx context.Context, channel string, recipients []string, message string) error
}

// LogSender is the built-in Sender that records notifications in the
// structured log.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, channel string, recipients []string, message string) error {
	s.Logger.Info("notification",
		"channel", channel, "recipients", recipients, "message", message)
	return nil
}

// Notifier handles notify obligations. Async and non-critical: delivery
// failures are recorded but never affect the response.
type Notifier struct {
	sender Sender
}

// NewNotifier creates the executor with the given sender.
func NewNotifier(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

func (n *Notifier) Prefixes() []string { return []string{decision.ObligationNotify} }
func (n *Notifier) Sync() bool         { return false }
func (n *Notifier) Critical() bool     { return false }

func (n *Notifier) Execute(ctx context.Context, spec decision.ObligationSpec, dctx *decision.Context) error {
	channel := stringParam(spec.Params, "channel", "default")
	recipients := stringListParam(spec.Params, "recipients")
	message := fmt.Sprintf("policy notification for %s", dctx.Summary())
	if onDecision := stringParam(spec.Params, "onDecision", ""); onDecision != "" {
		message = fmt.Sprintf("%s decision on %s", onDecision, dctx.Summary())
	}
	return n.sender.Send(ctx, channel, recipients, message)
}

// LifecycleHook performs a scheduled data action against a resource.
type LifecycleHook interface {
	Perform(ctx context.Context, action, resource string) error
}

// LifecycleExecutor handles lifecycle obligations: it schedules a
// delete/archive/retain action against the accessed resource after the
// configured delay. Async and non-critical.
type LifecycleExecutor struct {
	hook   LifecycleHook
	logger *slog.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// NewLifecycleExecutor creates the executor.
func NewLifecycleExecutor(hook LifecycleHook, logger *slog.Logger) *LifecycleExecutor {
	return &LifecycleExecutor{
		hook:   hook,
		logger: logger.With("component", "lifecycle_executor"),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (l *LifecycleExecutor) Prefixes() []string { return []string{decision.ObligationLifecycle} }
func (l *LifecycleExecutor) Sync() bool         { return false }
func (l *LifecycleExecutor) Critical() bool     { return false }

func (l *LifecycleExecutor) Execute(_ context.Context, spec decision.ObligationSpec, dctx *decision.Context) error {
	action := stringParam(spec.Params, "action", "")
	switch action {
	case "delete", "archive":
	case "retain":
		// Retention is the default state; nothing to schedule.
		return nil
	default:
		return fmt.Errorf("unknown lifecycle action %q", action)
	}
	delay := time.Duration(intParam(spec.Params, "afterMs", 0)) * time.Millisecond
	resource := dctx.Resource

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("lifecycle executor closed")
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		if err := l.hook.Perform(context.Background(), action, resource); err != nil {
			l.logger.Error("lifecycle action failed",
				"action", action, "resource", resource, "error", err)
			return
		}
		l.logger.Info("lifecycle action performed", "action", action, "resource", resource)
	})
	l.timers[t] = struct{}{}
	return nil
}

// Pending reports how many actions are scheduled.
func (l *LifecycleExecutor) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Close cancels all scheduled actions.
func (l *LifecycleExecutor) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for t := range l.timers {
		t.Stop()
		delete(l.timers, t)
	}
}

func stringListParam(params map[string]any, key string) []string {
	switch t := params[key].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
