package stream

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsJSONError(t *testing.T) {
	var v struct {
		Message string `json:"message"`
	}
	syntaxErr := json.Unmarshal([]byte(`{"message":`), &v)
	typeErr := json.Unmarshal([]byte(`{"message":42}`), &v)

	assert.True(t, isJSONError(syntaxErr))
	assert.True(t, isJSONError(typeErr))
	assert.False(t, isJSONError(errors.New("connection reset")))
}
