package security

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"openinterp/internal/config"
	"openinterp/internal/domain"
)

// ConfirmFunc presents a confirmation question on the active channel and
// returns true if the user approved.
type ConfirmFunc func(ctx context.Context, question string) (bool, error)

// AuditLogger persists audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Engine decides what happens to a model-produced code block before it is
// executed: run it, refuse it, or pause at the confirmation gate. Blacklist
// beats whitelist beats confirm patterns beats the default policy.
type Engine struct {
	cfg         config.SecurityConfig
	confirmFn   ConfirmFunc
	auditLogger AuditLogger
	logger      *slog.Logger

	blacklistRe []*regexp.Regexp
	whitelistRe []*regexp.Regexp
	confirmRe   []*regexp.Regexp
}

func NewEngine(cfg config.SecurityConfig, confirmFn ConfirmFunc, auditLogger AuditLogger, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		confirmFn:   confirmFn,
		auditLogger: auditLogger,
		logger:      logger,
	}

	var err error
	e.blacklistRe, err = compilePatterns(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("invalid blacklist pattern: %w", err)
	}

	e.whitelistRe, err = compilePatterns(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist pattern: %w", err)
	}

	e.confirmRe, err = compilePatterns(cfg.ConfirmPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid confirm pattern: %w", err)
	}

	return e, nil
}

// Decide evaluates a code block against the configured policy.
func (e *Engine) Decide(ctx context.Context, language, code string) (domain.SecurityAction, error) {
	block := strings.TrimSpace(code)

	for _, re := range e.blacklistRe {
		if re.MatchString(block) {
			e.logger.Warn("code blocked by blacklist",
				"language", language,
				"pattern", re.String(),
			)
			e.logAction(ctx, "code_blocked", language, block, "blocked", "blacklist match: "+re.String())
			return domain.ActionBlock, nil
		}
	}

	for _, re := range e.whitelistRe {
		if re.MatchString(block) {
			e.logAction(ctx, "code_exec", language, block, "allowed", "whitelist match: "+re.String())
			return domain.ActionAllow, nil
		}
	}

	for _, re := range e.confirmRe {
		if re.MatchString(block) {
			e.logger.Info("code requires confirmation",
				"language", language,
				"pattern", re.String(),
			)
			return domain.ActionConfirm, nil
		}
	}

	switch e.cfg.DefaultPolicy {
	case "allow":
		e.logAction(ctx, "code_exec", language, block, "allowed", "default policy: allow")
		return domain.ActionAllow, nil
	case "deny":
		e.logAction(ctx, "code_blocked", language, block, "blocked", "default policy: deny")
		return domain.ActionBlock, nil
	default: // "ask"
		return domain.ActionConfirm, nil
	}
}

// RequestConfirmation asks the user whether a code block may run. Without a
// registered handler the answer is no.
func (e *Engine) RequestConfirmation(ctx context.Context, language, code string) (bool, error) {
	if e.confirmFn == nil {
		e.logAction(ctx, "confirm_no", language, code, "denied", "no confirmation handler")
		return false, nil
	}

	question := fmt.Sprintf("About to run %s code:\n\n%s\n\nAllow? (y/n)", language, code)
	confirmed, err := e.confirmFn(ctx, question)
	if err != nil {
		e.logAction(ctx, "confirm_no", language, code, "denied", "confirmation error: "+err.Error())
		return false, err
	}

	if confirmed {
		e.logAction(ctx, "confirm_yes", language, code, "confirmed", "user confirmed")
	} else {
		e.logAction(ctx, "confirm_no", language, code, "denied", "user denied")
	}

	return confirmed, nil
}

func (e *Engine) logAction(ctx context.Context, action, language, code, result, details string) {
	if !e.cfg.AuditLog || e.auditLogger == nil {
		return
	}
	if err := e.auditLogger.LogAudit(ctx, domain.AuditEntry{
		Action:   action,
		Language: language,
		Code:     code,
		Result:   result,
		Details:  details,
	}); err != nil {
		e.logger.Warn("audit log write failed", "err", err)
	}
}

// compilePatterns compiles each entry as a regex when it looks like one,
// otherwise as a case-insensitive literal substring match.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	return strings.ContainsAny(s, `\^$.|?*+()[]{}`)
}
