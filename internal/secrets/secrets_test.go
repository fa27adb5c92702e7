package secrets

import (
	"errors"
	"testing"
)

func TestEnvRetrieve(t *testing.T) {
	t.Setenv("TINYCLAW_CHANNEL_TELEGRAM_TOKEN", "tok-123")

	env := Env{}
	got, err := env.Retrieve("channel.telegram.token")
	if err != nil || got != "tok-123" {
		t.Fatalf("Retrieve = %q, %v", got, err)
	}
	if !env.Check("channel.telegram.token") {
		t.Error("Check = false for a set secret")
	}

	_, err = env.Retrieve("provider.openai.apiKey")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing secret returned %v, want ErrNotFound", err)
	}
	if env.Check("provider.openai.apiKey") {
		t.Error("Check = true for a missing secret")
	}
}

func TestEnvListMatchesPattern(t *testing.T) {
	t.Setenv("TINYCLAW_CHANNEL_TELEGRAM_TOKEN", "a")
	t.Setenv("TINYCLAW_CHANNEL_DISCORD_TOKEN", "b")
	t.Setenv("TINYCLAW_PROVIDER_OPENAI_APIKEY", "c")

	keys, err := Env{}.List("channel.*.token")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Errorf("List = %v, want the two channel tokens", keys)
	}
}

func TestEnvStoreIsReadOnly(t *testing.T) {
	if err := (Env{}).Store("channel.telegram.token", "x"); err == nil {
		t.Error("Store succeeded on the env back-end")
	}
}
