package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/youssefsiam38/hivepg/runstate"
)

func TestRegistryFiresHooksInOrder(t *testing.T) {
	r := NewRegistry()
	var order []string

	r.OnRunStarted(func(ctx context.Context, runID, ownerID int64, trigger string) {
		order = append(order, "first")
		if runID != 7 || ownerID != 3 || trigger != "api" {
			t.Errorf("unexpected args: run=%d owner=%d trigger=%s", runID, ownerID, trigger)
		}
	})
	r.OnRunStarted(func(ctx context.Context, runID, ownerID int64, trigger string) {
		order = append(order, "second")
	})

	r.FireRunStarted(context.Background(), 7, 3, "api")

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("hooks fired out of order: %v", order)
	}
}

func TestRegistryRecoversPanickingHook(t *testing.T) {
	r := NewRegistry()
	var called bool

	r.OnRunFinished(func(ctx context.Context, runID int64, status runstate.RunState, runErr error) {
		panic("hook gone wrong")
	})
	r.OnRunFinished(func(ctx context.Context, runID int64, status runstate.RunState, runErr error) {
		called = true
	})

	r.FireRunFinished(context.Background(), 1, runstate.RunStateFailed, errors.New("boom"))

	if !called {
		t.Error("panicking hook prevented later hooks from running")
	}
}

func TestRegistryToolCallHook(t *testing.T) {
	r := NewRegistry()
	var gotTool, gotOutput string
	var gotErr error

	r.OnToolCall(func(ctx context.Context, toolName string, input json.RawMessage, output string, toolErr error) {
		gotTool = toolName
		gotOutput = output
		gotErr = toolErr
	})

	r.FireToolCall(context.Background(), "web_fetch", []byte(`{"url":"https://example.com"}`), "page text", nil)

	if gotTool != "web_fetch" || gotOutput != "page text" || gotErr != nil {
		t.Errorf("unexpected hook args: tool=%s output=%s err=%v", gotTool, gotOutput, gotErr)
	}
}

func TestRegistryConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.OnWorkerComplete(func(ctx context.Context, jobID int64, status runstate.JobState, summary string) {})
		}()
		go func() {
			defer wg.Done()
			r.FireWorkerComplete(context.Background(), 1, runstate.JobStateSuccess, "done")
		}()
	}
	wg.Wait()
}
