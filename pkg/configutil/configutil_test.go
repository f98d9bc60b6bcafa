package configutil

import "testing"

func TestDecodeSettings(t *testing.T) {
	type target struct {
		AuthToken string `mapstructure:"auth_token"`
		Port      int    `mapstructure:"port"`
	}
	var out target
	err := DecodeSettings(map[string]any{
		"AUTH-TOKEN": "secret",
		"port":       "5050",
	}, &out)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out.AuthToken != "secret" {
		t.Fatalf("expected auth token decoded, got %q", out.AuthToken)
	}
	if out.Port != 5050 {
		t.Fatalf("expected weakly typed port 5050, got %d", out.Port)
	}
}

func TestValidateSettings(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}, Optional: []string{"model"}}
	if err := ValidateSettings(map[string]any{"api_key": "k", "model": "m"}, schema); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateSettings(map[string]any{"model": "m"}, schema); err == nil {
		t.Fatalf("expected missing api_key error")
	}
	if err := ValidateSettings(map[string]any{"api_key": "k", "bogus": 1}, schema); err == nil {
		t.Fatalf("expected unknown key error")
	}
}
