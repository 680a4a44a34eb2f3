package roundabout

import (
	"context"
	"errors"
	"testing"

	"github.com/youssefsiam38/hivepg/llm"
)

func TestHasFinalAnswer(t *testing.T) {
	tests := []struct {
		name    string
		preview string
		want    bool
	}{
		{"result prefix", "Result: 42 files updated", true},
		{"summary prefix", "Summary: all checks passed", true},
		{"completed phrase", "Build completed successfully in 3m", true},
		{"task complete", "task complete, shutting down", true},
		{"done", "Done.", true},
		{"case insensitive", "RESULT: ok", true},
		{"plain progress", "compiling package 3 of 17", false},
		{"empty", "", false},
		{"done without period", "done compiling", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasFinalAnswer(tt.preview, nil); got != tt.want {
				t.Errorf("hasFinalAnswer(%q) = %v, want %v", tt.preview, got, tt.want)
			}
		})
	}
}

func TestHasFinalAnswerCustomPatterns(t *testing.T) {
	patterns := []string{"Fertig."}
	if !hasFinalAnswer("Fertig. Alles erledigt", patterns) {
		t.Error("expected custom pattern to match")
	}
	if hasFinalAnswer("Result: done", patterns) {
		t.Error("custom patterns should replace the defaults, not extend them")
	}
}

func TestHeuristicDecider(t *testing.T) {
	d := heuristicDecider{}

	decision, err := d.Decide(context.Background(), DecisionContext{
		Status:                "running",
		LastToolOutputPreview: "Result: finished",
	})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision != DecisionExit {
		t.Errorf("expected exit on final answer, got %s", decision)
	}

	decision, err = d.Decide(context.Background(), DecisionContext{
		Status:                "running",
		Stuck:                 true,
		StuckSeconds:          120,
		LastToolOutputPreview: "still working",
	})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision != DecisionWait {
		t.Errorf("stuck workers wait, never cancel; got %s", decision)
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		reply string
		want  Decision
		ok    bool
	}{
		{"wait", DecisionWait, true},
		{"exit", DecisionExit, true},
		{"cancel", DecisionCancel, true},
		{"peek", DecisionPeek, true},
		{"  Exit  ", DecisionExit, true},
		{"wait, the worker is busy", DecisionWait, true},
		{"exit.", DecisionExit, true},
		{"maybe", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := parseDecision(tt.reply)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseDecision(%q) = (%q, %v), want (%q, %v)", tt.reply, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLLMDeciderParsesVerdict(t *testing.T) {
	adapter := llm.NewScriptedAdapter(llm.TextStep("exit"))
	d := &llmDecider{adapter: adapter, model: "small-model"}

	decision, err := d.Decide(context.Background(), DecisionContext{Status: "running"})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision != DecisionExit {
		t.Errorf("expected exit, got %s", decision)
	}

	reqs := adapter.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Model != "small-model" {
		t.Errorf("expected decider model, got %q", reqs[0].Model)
	}
}

func TestLLMDeciderFallsBackOnError(t *testing.T) {
	adapter := llm.NewScriptedAdapter(llm.ScriptedStep{Err: errors.New("provider down")})
	d := &llmDecider{adapter: adapter, model: "small-model"}

	decision, err := d.Decide(context.Background(), DecisionContext{
		Status:                "running",
		LastToolOutputPreview: "Result: finished",
	})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision != DecisionExit {
		t.Errorf("fallback heuristic should have exited on final answer, got %s", decision)
	}
}

func TestLLMDeciderFallsBackOnGibberish(t *testing.T) {
	adapter := llm.NewScriptedAdapter(llm.TextStep("the worker seems fine to me"))
	d := &llmDecider{adapter: adapter, model: "small-model"}

	decision, err := d.Decide(context.Background(), DecisionContext{Status: "running"})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision != DecisionWait {
		t.Errorf("unparseable reply should fall back to heuristic wait, got %s", decision)
	}
}

func TestHybridDeciderConsultsLLMOnlyWhenStuck(t *testing.T) {
	adapter := llm.NewScriptedAdapter(llm.TextStep("exit"))
	d := &hybridDecider{llm: &llmDecider{adapter: adapter, model: "small-model"}}

	decision, err := d.Decide(context.Background(), DecisionContext{Status: "running"})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision != DecisionWait {
		t.Errorf("expected wait, got %s", decision)
	}
	if adapter.Invocations() != 0 {
		t.Error("hybrid decider should not call the model for a healthy worker")
	}

	decision, err = d.Decide(context.Background(), DecisionContext{Status: "running", Stuck: true, StuckSeconds: 45})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision != DecisionExit {
		t.Errorf("expected llm verdict for stuck worker, got %s", decision)
	}
	if adapter.Invocations() != 1 {
		t.Errorf("expected 1 model call, got %d", adapter.Invocations())
	}
}
