package vault

import (
	"testing"

	vault "github.com/hashicorp/vault/api"
)

func TestSplitField(t *testing.T) {
	tests := []struct {
		path      string
		wantPath  string
		wantField string
	}{
		{"secret/zgate/keys#key1", "secret/zgate/keys", "key1"},
		{"secret/zgate/keys", "secret/zgate/keys", "value"},
		{"secret/data/zgate#a#b", "secret/data/zgate#a", "b"},
		{"#field", "", "field"},
	}

	for _, tt := range tests {
		gotPath, gotField := splitField(tt.path)
		if gotPath != tt.wantPath || gotField != tt.wantField {
			t.Errorf("splitField(%q) = (%q, %q), want (%q, %q)",
				tt.path, gotPath, gotField, tt.wantPath, tt.wantField)
		}
	}
}

func TestKVData_UnwrapsV2(t *testing.T) {
	secret := &vault.Secret{Data: map[string]interface{}{
		"data":     map[string]interface{}{"key1": "v2-value"},
		"metadata": map[string]interface{}{"version": 3},
	}}

	data := kvData(secret)
	if data["key1"] != "v2-value" {
		t.Errorf("expected nested v2 data, got %v", data)
	}
}

func TestKVData_PassesV1Through(t *testing.T) {
	secret := &vault.Secret{Data: map[string]interface{}{"key1": "v1-value"}}

	data := kvData(secret)
	if data["key1"] != "v1-value" {
		t.Errorf("expected v1 data unchanged, got %v", data)
	}
}

func TestConfigTLS(t *testing.T) {
	if (Config{}).tls() != nil {
		t.Error("expected nil TLS config when no cert material is set")
	}

	cfg := Config{CACert: "/etc/zgate/vault-ca.pem"}
	tls := cfg.tls()
	if tls == nil || tls.CACert != "/etc/zgate/vault-ca.pem" {
		t.Errorf("expected CA cert carried over, got %+v", tls)
	}
}
