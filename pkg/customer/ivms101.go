package customer

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// IVMS101 payloads are opaque to the runtime; only their structure is
// checked, against a minimal schema covering the envelope the travel-rule
// processor attaches.
const ivms101Schema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"originator": {
			"type": "object",
			"properties": {
				"originatorPersons": {"type": "array", "items": {"type": "object"}}
			}
		},
		"beneficiary": {
			"type": "object",
			"properties": {
				"beneficiaryPersons": {"type": "array", "items": {"type": "object"}}
			}
		},
		"originatingVASP": {"type": "object"},
		"beneficiaryVASP": {"type": "object"}
	},
	"anyOf": [
		{"required": ["originator"]},
		{"required": ["beneficiary"]},
		{"required": ["originatingVASP"]},
		{"required": ["beneficiaryVASP"]}
	]
}`

var (
	ivmsOnce     sync.Once
	ivmsCompiled *jsonschema.Schema
	ivmsErr      error
)

// ValidateIVMS101 structurally validates an IVMS101 attachment payload.
func ValidateIVMS101(raw []byte) error {
	ivmsOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("ivms101.json", strings.NewReader(ivms101Schema)); err != nil {
			ivmsErr = fmt.Errorf("add ivms101 schema: %w", err)
			return
		}
		ivmsCompiled, ivmsErr = compiler.Compile("ivms101.json")
	})
	if ivmsErr != nil {
		return ivmsErr
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return taperr.Wrap(taperr.KindMalformed, err, "ivms101 payload is not json")
	}
	if err := ivmsCompiled.Validate(doc); err != nil {
		return taperr.Wrap(taperr.KindValidation, err, "ivms101 payload")
	}
	return nil
}
