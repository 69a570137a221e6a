package audit

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestRegisterAndFetch(t *testing.T) {
	registry = sync.Map{}
	h := Hooks{OnBegin: func(Call, any) error { return nil }}
	if err := Register("Test", h); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, ok := Fetch("test"); !ok {
		t.Fatalf("expected fetch ok")
	}
	if Status("test") != "registered" {
		t.Fatalf("expected registered status")
	}
	if Status("missing") != "missing" {
		t.Fatalf("expected missing status")
	}
	Unregister("test")
	if Status("test") != "missing" {
		t.Fatalf("expected missing after unregister")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	registry = sync.Map{}
	if err := Register("dup", Hooks{}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := Register("dup", Hooks{}); err != ErrDuplicateHook {
		t.Fatalf("expected ErrDuplicateHook, got %v", err)
	}
	if err := Register("  ", Hooks{}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestSnapshot(t *testing.T) {
	registry = sync.Map{}
	_ = Register("a", Hooks{})
	snap := Snapshot([]string{"a", "b"})
	if snap["a"] != "registered" {
		t.Fatalf("expected a registered, got %s", snap["a"])
	}
	if snap["b"] != "missing" {
		t.Fatalf("expected b missing, got %s", snap["b"])
	}
}

func TestInvokeSurvivesFailingHooks(t *testing.T) {
	registry = sync.Map{}
	var ended bool
	MustRegister("api", Hooks{
		OnBegin: func(Call, any) error { panic("boom") },
		OnEnd: func(_ Call, output any) error {
			ended = output == "done"
			return nil
		},
		OnException: func(Call, error) error { return errors.New("sink offline") },
	})

	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	call := Call{ID: "req-1", API: "status"}
	Begin(logger, "api", call, nil)
	End(logger, "api", call, "done")
	Exception(logger, "api", call, errors.New("handler failed"))

	if !ended {
		t.Fatalf("expected OnEnd to run")
	}
	out := buf.String()
	if strings.Count(out, "audit_hook_failed") != 2 {
		t.Fatalf("expected two failure logs, got %s", out)
	}
	if !strings.Contains(out, "audit hook panic: boom") || !strings.Contains(out, "sink offline") {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestInvokeWithoutHooks(t *testing.T) {
	registry = sync.Map{}
	Begin(nil, "none", Call{}, nil)
	End(nil, "none", Call{}, nil)
	Exception(nil, "none", Call{}, nil)
}
