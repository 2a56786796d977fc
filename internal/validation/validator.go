package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator OCPP载荷验证器
type Validator struct {
	validate *validator.Validate
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Error 实现error接口
func (e ValidationError) Error() string {
	return e.Message
}

// IsTypeViolation 是否为类型约束错误
func (e ValidationError) IsTypeViolation() bool {
	return e.Tag == "type"
}

// ValidationErrors 验证错误集合
type ValidationErrors []ValidationError

// Error 实现error接口
func (e ValidationErrors) Error() string {
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Message)
	}
	return strings.Join(messages, "; ")
}

// NewValidator 创建新的验证器
func NewValidator() *Validator {
	return &Validator{
		validate: validator.New(),
	}
}

// ValidateStruct 验证结构体上的validate标签
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors ValidationErrors
	if validatorErrors, ok := err.(validator.ValidationErrors); ok {
		for _, ve := range validatorErrors {
			validationErrors = append(validationErrors, ValidationError{
				Field:   ve.Field(),
				Tag:     ve.Tag(),
				Value:   fmt.Sprintf("%v", ve.Value()),
				Message: messageFor(ve),
			})
		}
		return validationErrors
	}
	return err
}

// ValidateJSON 验证数据是否为合法JSON
func (v *Validator) ValidateJSON(data []byte) error {
	var temp interface{}
	return json.Unmarshal(data, &temp)
}

// ValidateMessageSize 验证消息大小上限
func (v *Validator) ValidateMessageSize(data []byte, maxSize int) error {
	if maxSize > 0 && len(data) > maxSize {
		return ValidationError{
			Field:   "message",
			Tag:     "max",
			Value:   fmt.Sprintf("%d", len(data)),
			Message: fmt.Sprintf("message size %d exceeds limit %d", len(data), maxSize),
		}
	}
	return nil
}

// messageFor 生成可读的错误描述
func messageFor(ve validator.FieldError) string {
	switch ve.Tag() {
	case "required":
		return fmt.Sprintf("field %s is required", ve.Field())
	case "max":
		return fmt.Sprintf("field %s exceeds maximum %s", ve.Field(), ve.Param())
	case "min":
		return fmt.Sprintf("field %s below minimum %s", ve.Field(), ve.Param())
	case "oneof":
		return fmt.Sprintf("field %s must be one of %s", ve.Field(), ve.Param())
	default:
		return fmt.Sprintf("field %s failed validation %s", ve.Field(), ve.Tag())
	}
}
