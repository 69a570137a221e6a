// Package audit keeps per-module audit hooks and invokes them so that a
// failing or panicking hook never aborts the request it observes.
package audit

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var registry sync.Map

// ErrDuplicateHook indicates a module key already has hooks registered.
var ErrDuplicateHook = errors.New("hook already registered")

// Register stores hooks for the given module key.
func Register(moduleKey string, hooks Hooks) error {
	key := normalizeKey(moduleKey)
	if key == "" {
		return errors.New("module key required")
	}
	if _, loaded := registry.LoadOrStore(key, hooks); loaded {
		return ErrDuplicateHook
	}
	return nil
}

// MustRegister panics on registration failure.
func MustRegister(moduleKey string, hooks Hooks) {
	if err := Register(moduleKey, hooks); err != nil {
		panic(err)
	}
}

// Unregister drops the hooks of a module key.
func Unregister(moduleKey string) {
	registry.Delete(normalizeKey(moduleKey))
}

// Fetch retrieves hooks associated with a module key.
func Fetch(moduleKey string) (Hooks, bool) {
	key := normalizeKey(moduleKey)
	if key == "" {
		return Hooks{}, false
	}
	if value, ok := registry.Load(key); ok {
		if hooks, ok := value.(Hooks); ok {
			return hooks, true
		}
	}
	return Hooks{}, false
}

// Status returns hook registration status for a module key.
func Status(moduleKey string) string {
	if _, ok := Fetch(moduleKey); ok {
		return "registered"
	}
	return "missing"
}

// Snapshot returns status for a list of module keys.
func Snapshot(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if normalized := normalizeKey(key); normalized != "" {
			out[normalized] = Status(normalized)
		}
	}
	return out
}

// Begin runs OnBegin for the module's hooks, if any.
func Begin(logger *logrus.Logger, moduleKey string, call Call, input any) {
	hooks, ok := Fetch(moduleKey)
	if !ok || hooks.OnBegin == nil {
		return
	}
	invoke(logger, "begin", call, func() error { return hooks.OnBegin(call, input) })
}

// End runs OnEnd for the module's hooks, if any.
func End(logger *logrus.Logger, moduleKey string, call Call, output any) {
	hooks, ok := Fetch(moduleKey)
	if !ok || hooks.OnEnd == nil {
		return
	}
	invoke(logger, "end", call, func() error { return hooks.OnEnd(call, output) })
}

// Exception runs OnException for the module's hooks, if any.
func Exception(logger *logrus.Logger, moduleKey string, call Call, cause error) {
	hooks, ok := Fetch(moduleKey)
	if !ok || hooks.OnException == nil {
		return
	}
	invoke(logger, "exception", call, func() error { return hooks.OnException(call, cause) })
}

func invoke(logger *logrus.Logger, stage string, call Call, fn func() error) {
	err := safeCall(fn)
	if err == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"action":     "audit",
		"stage":      stage,
		"api":        call.API,
		"request_id": call.ID,
	}).WithError(err).Warn("audit_hook_failed")
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit hook panic: %v", r)
		}
	}()
	return fn()
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
