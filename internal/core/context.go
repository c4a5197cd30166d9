package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Context field names accepted by SetField and RemoveField. Any other name
// addresses an entry of Properties.
const (
	FieldAppName     = "appName"
	FieldEnvironment = "environment"
	FieldUserID      = "userId"
	FieldSessionID   = "sessionId"
	FieldDeviceID    = "deviceId"
	FieldCurrentTime = "currentTime"
)

var (
	// ErrSystemField is returned when a caller tries to change appName or
	// environment, which are fixed when the engine is constructed.
	ErrSystemField = errors.New("context field is system-owned")
	// ErrInvalidFieldValue is returned for values that cannot be sent as a
	// query parameter.
	ErrInvalidFieldValue = errors.New("invalid context field value")
)

// EvaluationContext describes the user or session flags are evaluated for.
type EvaluationContext struct {
	AppName     string         `json:"appName,omitempty"`
	Environment string         `json:"environment,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	DeviceID    string         `json:"deviceId,omitempty"`
	CurrentTime time.Time      `json:"currentTime,omitzero"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Clone returns a copy of c with its own Properties map.
func (c EvaluationContext) Clone() EvaluationContext {
	if c.Properties != nil {
		c.Properties = maps.Clone(c.Properties)
	}
	return c
}

// IsSystemField reports whether name is owned by the engine.
func IsSystemField(name string) bool {
	return name == FieldAppName || name == FieldEnvironment
}

// SetField sets a named field or property on c.
func (c *EvaluationContext) SetField(name string, value any) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidFieldValue)
	}
	if IsSystemField(name) {
		return fmt.Errorf("%s: %w", name, ErrSystemField)
	}

	switch name {
	case FieldUserID, FieldSessionID, FieldDeviceID:
		s, ok := FormatScalar(value)
		if !ok {
			return fmt.Errorf("%s: %w", name, ErrInvalidFieldValue)
		}
		switch name {
		case FieldUserID:
			c.UserID = s
		case FieldSessionID:
			c.SessionID = s
		default:
			c.DeviceID = s
		}
	case FieldCurrentTime:
		t, err := parseTimeValue(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		c.CurrentTime = t
	default:
		if !IsScalar(value) {
			return fmt.Errorf("property %q: %w", name, ErrInvalidFieldValue)
		}
		if c.Properties == nil {
			c.Properties = make(map[string]any)
		}
		c.Properties[name] = value
	}
	return nil
}

// RemoveField clears a named field or deletes a property.
func (c *EvaluationContext) RemoveField(name string) error {
	name = strings.TrimSpace(name)
	if IsSystemField(name) {
		return fmt.Errorf("%s: %w", name, ErrSystemField)
	}

	switch name {
	case FieldUserID:
		c.UserID = ""
	case FieldSessionID:
		c.SessionID = ""
	case FieldDeviceID:
		c.DeviceID = ""
	case FieldCurrentTime:
		c.CurrentTime = time.Time{}
	default:
		delete(c.Properties, name)
	}
	return nil
}

// Query serializes c as URL query parameters. Scalar fields are top-level
// parameters and each property becomes a properties[key] parameter.
// Property values that are not scalars are skipped.
func (c EvaluationContext) Query() url.Values {
	q := url.Values{}
	setIfNotEmpty(q, FieldAppName, c.AppName)
	setIfNotEmpty(q, FieldEnvironment, c.Environment)
	setIfNotEmpty(q, FieldUserID, c.UserID)
	setIfNotEmpty(q, FieldSessionID, c.SessionID)
	setIfNotEmpty(q, FieldDeviceID, c.DeviceID)
	if !c.CurrentTime.IsZero() {
		q.Set(FieldCurrentTime, c.CurrentTime.UTC().Format(time.RFC3339Nano))
	}
	for key, value := range c.Properties {
		if s, ok := FormatScalar(value); ok {
			q.Set("properties["+key+"]", s)
		}
	}
	return q
}

// Hash returns the BLAKE2b-256 digest of the encoded query, so two contexts
// hash the same exactly when they produce the same request. Encode sorts by
// key.
func (c EvaluationContext) Hash() string {
	sum := blake2b.Sum256([]byte(c.Query().Encode()))
	return hex.EncodeToString(sum[:])
}

func setIfNotEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func parseTimeValue(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidFieldValue, err)
		}
		return t, nil
	default:
		return time.Time{}, ErrInvalidFieldValue
	}
}
