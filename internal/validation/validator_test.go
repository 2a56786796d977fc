package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
)

func TestValidateStruct_RequiredField(t *testing.T) {
	v := NewValidator()

	err := v.ValidateStruct(&ocpp16.AuthorizeRequest{})
	require.Error(t, err)

	errs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.Equal(t, "IdTag", errs[0].Field)
	assert.Equal(t, "required", errs[0].Tag)
}

func TestValidateStruct_MaxLength(t *testing.T) {
	v := NewValidator()

	err := v.ValidateStruct(&ocpp16.AuthorizeRequest{IdTag: "123456789012345678901"})
	require.Error(t, err)

	assert.NoError(t, v.ValidateStruct(&ocpp16.AuthorizeRequest{IdTag: "12345678901234567890"}))
}

func TestValidateJSON(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateJSON([]byte(`{"a":1}`)))
	assert.Error(t, v.ValidateJSON([]byte(`{{{`)))
}

func TestValidateMessageSize(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateMessageSize(make([]byte, 100), 100))
	assert.Error(t, v.ValidateMessageSize(make([]byte, 101), 100))
	assert.NoError(t, v.ValidateMessageSize(make([]byte, 1000), 0))
}
