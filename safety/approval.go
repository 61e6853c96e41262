package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Operation labels used when asking for approval.
const (
	OpExecuteBash = "Execute bash command"
	OpWriteFile   = "Write to critical file"
)

const approvalKeyLimit = 100

// ApprovalKey derives the cache key for an (operation, details) pair.
func ApprovalKey(operation, details string) string {
	key := []rune(operation + ":" + details)
	if len(key) > approvalKeyLimit {
		key = key[:approvalKeyLimit]
	}
	return string(key)
}

// ApprovalCache remembers operator decisions on critical operations.
// It only grows; nothing is persisted.
type ApprovalCache struct {
	mu       sync.RWMutex
	approved map[string]struct{}
	denied   map[string]struct{}
}

// NewApprovalCache returns an empty cache.
func NewApprovalCache() *ApprovalCache {
	return &ApprovalCache{
		approved: make(map[string]struct{}),
		denied:   make(map[string]struct{}),
	}
}

// Lookup returns the cached decision for key, if any.
func (c *ApprovalCache) Lookup(key string) (approved bool, found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.approved[key]; ok {
		return true, true
	}
	if _, ok := c.denied[key]; ok {
		return false, true
	}
	return false, false
}

// Approve records a standing approval.
func (c *ApprovalCache) Approve(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approved[key] = struct{}{}
}

// Deny records a standing denial.
func (c *ApprovalCache) Deny(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denied[key] = struct{}{}
}

// Len returns the number of cached decisions.
func (c *ApprovalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.approved) + len(c.denied)
}

// ErrInterrupted is returned by a Prompter when the operator aborts input.
var ErrInterrupted = errors.New("prompt interrupted")

// Prompter asks the human operator a question and returns the raw answer.
type Prompter interface {
	Ask(ctx context.Context, question string) (string, error)
}

// Approver runs the approval flow for critical operations.
type Approver struct {
	cache    *ApprovalCache
	prompter Prompter
	logger   *zap.Logger
}

// NewApprover creates an Approver. A nil cache gets a fresh one.
func NewApprover(cache *ApprovalCache, prompter Prompter, logger *zap.Logger) *Approver {
	if cache == nil {
		cache = NewApprovalCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Approver{cache: cache, prompter: prompter, logger: logger}
}

// Cache exposes the underlying approval cache.
func (a *Approver) Cache() *ApprovalCache { return a.cache }

// ApprovalMessage renders the question shown to the operator.
func ApprovalMessage(operation, reason, details string) string {
	return fmt.Sprintf("\nCRITICAL OPERATION REQUIRES APPROVAL\n\n"+
		"Operation: %s\nReason: %s\nDetails: %s\n\n"+
		"Approve? (y)es / (n)o / (a)lways approve this pattern\n> ",
		operation, reason, details)
}

// RequestApproval consults the cache and, on a miss, asks the operator.
// "y" approves once, "a" approves and caches, anything else denies and
// caches. An interrupted prompt denies without caching.
func (a *Approver) RequestApproval(ctx context.Context, operation, reason, details string) bool {
	key := ApprovalKey(operation, details)
	if approved, ok := a.cache.Lookup(key); ok {
		a.logger.Debug("critical operation decided from cache",
			zap.String("operation", operation),
			zap.Bool("approved", approved))
		return approved
	}
	if a.prompter == nil {
		a.logger.Warn("no prompter configured, denying critical operation",
			zap.String("operation", operation))
		return false
	}

	answer, err := a.prompter.Ask(ctx, ApprovalMessage(operation, reason, details))
	if err != nil {
		a.logger.Info("approval prompt cancelled",
			zap.String("operation", operation), zap.Error(err))
		return false
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	case "a", "always":
		a.cache.Approve(key)
		return true
	default:
		a.cache.Deny(key)
		return false
	}
}
