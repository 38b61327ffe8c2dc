package config

import (
	"context"
	"strings"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Schema: {
	name:  string
	count: int & >0
}
`

	if err := sr.RegisterSchema("custom", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("custom")
	if !ok {
		t.Fatal("expected to find custom schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "custom", map[string]interface{}{"name": "a", "count": 2}); err != nil {
		t.Errorf("expected valid data, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "custom", map[string]interface{}{"name": "a", "count": 0}); err == nil {
		t.Error("expected count constraint to fail")
	}
}

func TestSchemaRegistry_RequiresSchemaDefinition(t *testing.T) {
	sr := NewSchemaRegistry()
	err := sr.RegisterSchema("loose", `#Other: string`)
	if err == nil || !strings.Contains(err.Error(), "#Schema") {
		t.Fatalf("expected missing #Schema error, got %v", err)
	}
}

func TestSchemaRegistry_InvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("broken", `#Schema: {`); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateAgainstSchema(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected unknown schema error")
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()
	_ = sr.RegisterSchema("extra", `#Schema: string`)

	got := strings.Join(sr.ListSchemas(), ",")
	if got != "config,extra,modems" {
		t.Errorf("ListSchemas() = %s", got)
	}
}

func TestSchemaRegistry_ValidateModems(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		file    ModemFile
		wantErr bool
	}{
		{
			name: "valid",
			file: ModemFile{
				Modems:  []string{"EC25", "ME909s-120"},
				Network: ModemNetwork{APN: "internet", IPType: "ipv4", TestURL: "example.com"},
			},
		},
		{
			name: "bad ip type",
			file: ModemFile{
				Modems:  []string{"EC25"},
				Network: ModemNetwork{APN: "internet", IPType: "ipv5", TestURL: "example.com"},
			},
			wantErr: true,
		},
		{
			name: "empty apn",
			file: ModemFile{
				Modems:  []string{"EC25"},
				Network: ModemNetwork{IPType: "ipv4", TestURL: "example.com"},
			},
			wantErr: true,
		},
		{
			name: "empty model",
			file: ModemFile{
				Modems:  []string{""},
				Network: ModemNetwork{APN: "internet", IPType: "ipv4", TestURL: "example.com"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateModems(ctx, &tt.file)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateModems() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
