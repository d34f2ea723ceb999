package llm

import "testing"

func TestNewAgentClientDefaultsToOpenAI(t *testing.T) {
	client, err := NewAgentClient(Config{Provider: "", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := client.(*openaiClient); !ok {
		t.Errorf("expected an *openaiClient for an empty provider, got %T", client)
	}
}

func TestNewAgentClientDispatchesAnthropic(t *testing.T) {
	client, err := NewAgentClient(Config{Provider: "anthropic", APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	anthropic, ok := client.(*anthropicClient)
	if !ok {
		t.Fatalf("expected an *anthropicClient for provider=anthropic, got %T", client)
	}
	if anthropic.Model() != "claude-sonnet-4-5-20250514" {
		t.Errorf("expected the default Anthropic model, got %q", anthropic.Model())
	}
}

func TestNewAgentClientRejectsUnknownProvider(t *testing.T) {
	_, err := NewAgentClient(Config{Provider: "bogus-vendor", APIKey: "x"})
	if err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
}

func TestNewOpenAIClientRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIClient(Config{})
	if err == nil {
		t.Fatal("expected an error when no API key is configured")
	}
}

func TestNewOpenAIClientDefaultsModel(t *testing.T) {
	client, err := NewOpenAIClient(Config{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Model() != "gpt-4o-mini" {
		t.Errorf("expected default model gpt-4o-mini, got %q", client.Model())
	}
}

func TestNewOpenAIClientHonorsConfiguredModel(t *testing.T) {
	client, err := NewOpenAIClient(Config{APIKey: "sk-test", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Model() != "gpt-4o" {
		t.Errorf("expected configured model gpt-4o, got %q", client.Model())
	}
}

func TestNewAnthropicClientRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicClient(Config{})
	if err == nil {
		t.Fatal("expected an error when no API key is configured")
	}
}

func TestNewAnthropicClientHonorsConfiguredModel(t *testing.T) {
	client, err := NewAnthropicClient(Config{APIKey: "sk-ant-test", Model: "claude-opus-4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Model() != "claude-opus-4" {
		t.Errorf("expected configured model claude-opus-4, got %q", client.Model())
	}
}

func TestSanitizeNameReplacesInvalidCharacters(t *testing.T) {
	got := SanitizeName("user name!@#")
	if got != "user_name___" {
		t.Errorf("expected invalid characters replaced with underscores, got %q", got)
	}
}

func TestSanitizeNameTruncatesLongNames(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	got := SanitizeName(long)
	if len(got) != 64 {
		t.Errorf("expected truncation to 64 chars, got %d", len(got))
	}
}
