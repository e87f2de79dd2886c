// Package profile validates driver-specific profile specs against CUE
// schemas before a profile is stored. Each driver registers one schema;
// validation is a unify against the schema's #Profile definition.
package profile

import (
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/openherd/openherd/pkg/engine"
)

// Validator holds the per-driver CUE schemas. It implements
// engine.ProfileValidator.
type Validator struct {
	ctx     *cue.Context
	mu      sync.RWMutex
	schemas map[string]cue.Value
}

var _ engine.ProfileValidator = (*Validator)(nil)

// NewValidator creates a validator with the built-in driver schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	builtins := map[string]string{
		"fake":   fakeSchema,
		"hcloud": hcloudSchema,
	}
	for driver, schema := range builtins {
		if err := v.Register(driver, schema); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Register compiles and installs the schema for a driver. The schema must
// declare a #Profile definition.
func (v *Validator) Register(driver, schema string) error {
	val := v.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema for driver %s: %w", driver, err)
	}
	def := val.LookupPath(cue.MakePath(cue.Def("#Profile")))
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema for driver %s has no #Profile definition: %w", driver, err)
	}

	v.mu.Lock()
	v.schemas[driver] = def
	v.mu.Unlock()
	return nil
}

// Drivers returns the drivers with a registered schema.
func (v *Validator) Drivers() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}
	return names
}

// Validate implements engine.ProfileValidator.
func (v *Validator) Validate(driver string, spec json.RawMessage) error {
	v.mu.RLock()
	schema, ok := v.schemas[driver]
	v.mu.RUnlock()
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("no profile schema for driver %q", driver), nil).
			WithCode(engine.ErrCodeValidation)
	}

	var data any
	if err := json.Unmarshal(spec, &data); err != nil {
		return engine.NewPermanentError("profile spec is not valid JSON", err).
			WithCode(engine.ErrCodeValidation)
	}

	val := v.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return engine.NewPermanentError("failed to encode profile spec", err).
			WithCode(engine.ErrCodeValidation)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("profile spec rejected by %s schema: %v", driver, err), nil,
		).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// Built-in schema definitions.

const fakeSchema = `
#Profile: {
	// boot_delay_ms simulates provisioning latency.
	boot_delay_ms?: int & >=0

	// fail_create makes every create call fail, for failure-path testing.
	fail_create?: bool

	...
}
`

const hcloudSchema = `
#Profile: {
	// server_type is the Hetzner Cloud server type name (e.g. "cx22").
	server_type: string & !=""

	// image is the OS image name or id.
	image: string & !=""

	// location picks the datacenter region (e.g. "fsn1", "nbg1").
	location?: string

	// ssh_keys lists key names or ids injected at first boot.
	ssh_keys?: [...string]

	// labels are attached to the created server.
	labels?: {[string]: string}

	// user_data is cloud-init configuration.
	user_data?: string

	// networks lists private network ids to attach.
	networks?: [...int]
}
`
