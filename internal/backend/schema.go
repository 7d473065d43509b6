package backend

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/session_info.schema.json
var sessionInfoSchemaJSON []byte

const sessionInfoSchemaURL = "https://proctord.local/schema/session-info-v1.json"

var (
	sessionInfoSchema     *jsonschema.Schema
	sessionInfoSchemaErr  error
	sessionInfoSchemaOnce sync.Once
)

func loadSessionInfoSchema() (*jsonschema.Schema, error) {
	sessionInfoSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(sessionInfoSchemaURL, bytes.NewReader(sessionInfoSchemaJSON)); err != nil {
			sessionInfoSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		sessionInfoSchema, sessionInfoSchemaErr = compiler.Compile(sessionInfoSchemaURL)
	})
	return sessionInfoSchema, sessionInfoSchemaErr
}

// ValidateSessionInfo checks a raw session-info reply against the schema.
func ValidateSessionInfo(raw []byte) error {
	schema, err := loadSessionInfoSchema()
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: session info: %v", ErrInvalidResponse, err)
	}
	return nil
}
