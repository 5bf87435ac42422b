package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxMessageLength bounds a message body in bytes.
const MaxMessageLength = 5000

var validate = validator.New()

// Validate checks v against its validate struct tags and flattens the
// first failure into a readable error.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag())
	}
	return err
}

// ValidateMessageContent validates a message body.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > MaxMessageLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	return validateID(id, "conversation")
}

// ValidateItemID validates a timeline key or outbox item ID.
func ValidateItemID(id string) error {
	return validateID(id, "item")
}

func validateID(id, kind string) error {
	if err := validate.Var(id, "required,max=64,printascii,excludesall=/?#"); err != nil {
		return fmt.Errorf("invalid %s ID format", kind)
	}
	return nil
}
