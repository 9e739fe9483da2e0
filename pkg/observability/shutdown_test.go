package observability

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestShutdownManager_ReverseOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, nil, time.Second)

	var order []string
	for _, name := range []string{"database", "audit", "janitor"} {
		name := name
		sm.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := sm.Shutdown(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if strings.Join(order, ",") != "janitor,audit,database" {
		t.Errorf("Expected reverse order, got %v", order)
	}
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sm := NewShutdownManager(logger, nil, time.Second)

	ran := false
	sm.Register("first", func(context.Context) error { ran = true; return nil })
	sm.Register("second", func(context.Context) error { return errors.New("flush failed") })

	err := sm.Shutdown()
	if err == nil || !strings.Contains(err.Error(), "second: flush failed") {
		t.Errorf("Expected wrapped step error, got %v", err)
	}
	if !ran {
		t.Error("Expected remaining steps to run after a failure")
	}
	if hook.LastEntry() == nil {
		t.Error("Expected the failure to be logged")
	}
}

func TestShutdownManager_WaitForShutdown(t *testing.T) {
	logger, _ := test.NewNullLogger()
	server := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(logger, server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.WaitForShutdown(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForShutdown did not return after cancellation")
	}
}
