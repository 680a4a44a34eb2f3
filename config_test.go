package hivepg

import (
	"errors"
	"testing"

	"github.com/youssefsiam38/hivepg/llm"
)

func validTestConfig() Config {
	return Config{
		Adapter:                llm.NewScriptedAdapter(),
		Model:                  "claude-sonnet-4-5-20250929",
		SupervisorSystemPrompt: "supervise",
		WorkerSystemPrompt:     "work",
		ArtifactDir:            "/tmp/hivepg-test",
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid with adapter", func(c *Config) {}, false},
		{"missing provider", func(c *Config) { c.Adapter = nil }, true},
		{"missing model", func(c *Config) { c.Model = "" }, true},
		{"missing supervisor prompt", func(c *Config) { c.SupervisorSystemPrompt = "" }, true},
		{"missing worker prompt", func(c *Config) { c.WorkerSystemPrompt = "" }, true},
		{"missing artifact dir", func(c *Config) { c.ArtifactDir = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestGetModelInfo(t *testing.T) {
	known := GetModelInfo("claude-3-5-haiku-20241022")
	if known.DefaultMaxTokens != 8192 {
		t.Errorf("DefaultMaxTokens = %d, want 8192", known.DefaultMaxTokens)
	}

	unknown := GetModelInfo("some-future-model")
	if unknown.MaxContextTokens != 200000 || unknown.DefaultMaxTokens != 8192 {
		t.Errorf("Unknown model defaults = %+v", unknown)
	}
}

func TestDefaultInternalConfig(t *testing.T) {
	cfg := defaultInternalConfig(validTestConfig())

	if cfg.maxReactIterations != 50 {
		t.Errorf("maxReactIterations = %d, want 50", cfg.maxReactIterations)
	}
	if cfg.workerModel != cfg.model {
		t.Errorf("workerModel = %s, want the supervisor model by default", cfg.workerModel)
	}
	if cfg.maxTokens != 16384 {
		t.Errorf("maxTokens = %d, want the model default", cfg.maxTokens)
	}
	if !cfg.autoCompaction {
		t.Error("autoCompaction must default on")
	}
}
