// Package pluginconfig decodes the loosely typed config map handed to a
// plugin's setup function into a typed, validated struct.
//
// Keys follow the struct's yaml tags, so the same struct can be filled from
// Register's config map or from a YAML file:
//
//	type Config struct {
//	    SlowThreshold time.Duration `yaml:"slow_threshold" validate:"gte=0"`
//	    ExcludedPaths []string      `yaml:"excluded_paths"`
//	}
//
//	cfg := Config{SlowThreshold: time.Second}
//	if err := pluginconfig.Decode(raw, &cfg); err != nil {
//	    return nil, err
//	}
package pluginconfig

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/logzai/logzai-go/core"
	"gopkg.in/yaml.v3"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Decode merges raw into out, which must be a pointer to a struct with yaml
// tags, and validates the result. Fields absent from raw keep their current
// values, so callers set defaults before decoding. Duration fields accept
// strings such as "250ms".
//
// Failures are reported as a *core.ConfigError naming every bad field.
func Decode(raw map[string]any, out any) error {
	if len(raw) > 0 {
		data, err := yaml.Marshal(normalize(raw))
		if err != nil {
			return &core.ConfigError{Fields: []core.FieldError{{Field: "config", Reason: err.Error()}}}
		}
		if err := yaml.Unmarshal(data, out); err != nil {
			return &core.ConfigError{Fields: []core.FieldError{{Field: "config", Reason: err.Error()}}}
		}
	}

	err := validate.Struct(out)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &core.ConfigError{Fields: []core.FieldError{{Field: "config", Reason: err.Error()}}}
	}
	cfgErr := &core.ConfigError{}
	for _, fe := range verrs {
		cfgErr.Fields = append(cfgErr.Fields, core.FieldError{
			Field:  fe.Field(),
			Reason: fmt.Sprintf("failed %q validation (value %v)", fe.Tag(), fe.Value()),
		})
	}
	return cfgErr
}

// normalize rewrites time.Duration values as strings; yaml.v3 only decodes
// durations from their string form.
func normalize(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if d, ok := v.(time.Duration); ok {
			out[k] = d.String()
			continue
		}
		out[k] = v
	}
	return out
}
