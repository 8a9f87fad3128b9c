package store

import (
	"encoding/json"
	"strings"
)

// UserContext is the durable conversational record kept for one user.
type UserContext struct {
	ID      string         `json:"id"`
	Profile map[string]any `json:"profile"`
	State   string         `json:"state"`
	Payload map[string]any `json:"payload"`
}

// NewUserContext builds the record created on first contact with a user.
func NewUserContext(userID string, profile map[string]any) UserContext {
	return UserContext{
		ID:      strings.TrimSpace(userID),
		Profile: cloneMap(profile),
		State:   "",
		Payload: map[string]any{},
	}
}

// Clone returns a deep copy of the nested map and slice values.
func (c UserContext) Clone() UserContext {
	return UserContext{
		ID:      c.ID,
		Profile: cloneMap(c.Profile),
		State:   c.State,
		Payload: cloneMap(c.Payload),
	}
}

func (c UserContext) normalized() UserContext {
	if c.Payload == nil {
		c.Payload = map[string]any{}
	}

	return c
}

// decoded returns the record as a backend reads it back, with JSON value types.
func (c UserContext) decoded() (UserContext, error) {
	data, err := json.Marshal(c.normalized())
	if err != nil {
		return UserContext{}, err
	}

	var out UserContext
	if err := json.Unmarshal(data, &out); err != nil {
		return UserContext{}, err
	}

	return out.normalized(), nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}

	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(typed))
		copy(out, typed)
		return out
	default:
		return value
	}
}
