package profile

import (
	"encoding/json"
	"testing"

	"github.com/openherd/openherd/pkg/engine"
)

func TestValidateHCloudSpec(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	tests := []struct {
		name    string
		spec    string
		wantErr bool
	}{
		{
			name: "minimal valid",
			spec: `{"server_type": "cx22", "image": "debian-12"}`,
		},
		{
			name: "full valid",
			spec: `{
				"server_type": "cpx31",
				"image": "ubuntu-24.04",
				"location": "fsn1",
				"ssh_keys": ["ops"],
				"labels": {"env": "prod"},
				"networks": [12345]
			}`,
		},
		{
			name:    "missing server_type",
			spec:    `{"image": "debian-12"}`,
			wantErr: true,
		},
		{
			name:    "empty image",
			spec:    `{"server_type": "cx22", "image": ""}`,
			wantErr: true,
		},
		{
			name:    "wrong type for networks",
			spec:    `{"server_type": "cx22", "image": "debian-12", "networks": ["not-an-id"]}`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			spec:    `{"server_type": "cx22", "image": "debian-12", "flavor": "m1.small"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate("hcloud", json.RawMessage(tt.spec))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUnknownDriver(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	err = v.Validate("nova", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("unknown driver should be rejected")
	}
	if !engine.IsPermanent(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
}

func TestRegisterCustomSchema(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	schema := `
#Profile: {
	region: string & !=""
	size:   int & >0
}
`
	if err := v.Register("toy", schema); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := v.Validate("toy", json.RawMessage(`{"region": "eu-1", "size": 2}`)); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	if err := v.Validate("toy", json.RawMessage(`{"region": "eu-1", "size": 0}`)); err == nil {
		t.Fatal("out-of-range size should be rejected")
	}
}

func TestRegisterRejectsSchemaWithoutProfile(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Register("broken", `foo: string`); err == nil {
		t.Fatal("schema without #Profile should be rejected")
	}
}

func TestFakeSchemaIsOpen(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Validate("fake", json.RawMessage(`{"boot_delay_ms": 5, "anything": "goes"}`)); err != nil {
		t.Fatalf("open fake schema rejected extra field: %v", err)
	}
	if err := v.Validate("fake", json.RawMessage(`{"boot_delay_ms": -1}`)); err == nil {
		t.Fatal("negative delay should be rejected")
	}
}
