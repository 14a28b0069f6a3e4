package config

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var settingsSchema string

// ValidateSettings checks the raw settings map against the embedded schema
// before it is unmarshalled into Config, so a bad config file is rejected
// with field-level messages instead of silently zeroed values.
func ValidateSettings(settings map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(settingsSchema),
		gojsonschema.NewGoLoader(settings),
	)
	if err != nil {
		return fmt.Errorf("validate settings: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		msgs = append(msgs, verr.String())
	}
	sort.Strings(msgs)

	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
