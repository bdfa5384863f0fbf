// Package openapi embeds and validates the coordinator's bundled OpenAPI
// contract document (C15): a startup-time safety net confirming the
// document itself is well-formed, and the raw bytes served back at
// /openapi.json.
package openapi

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.json
var raw []byte

// Load parses and validates the embedded document, returning an error if
// it is malformed. Intended to be called once at coordinator startup; a
// failure here is a build defect, not a runtime condition, so callers
// typically log and disable response validation rather than crash.
func Load() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	return doc, nil
}

// Raw returns the embedded document's exact bytes, as served at
// /openapi.json.
func Raw() []byte { return raw }
