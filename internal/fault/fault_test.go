package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationError_Message(t *testing.T) {
	err := Invalid("status", "dependency %d is %s", 3, "open")
	if got := err.Error(); got != "validation: status: dependency 3 is open" {
		t.Errorf("Error() = %q", got)
	}

	bare := &ValidationError{Reason: "bad"}
	if got := bare.Error(); got != "validation: bad" {
		t.Errorf("Error() = %q", got)
	}
}

func TestClassifiers_SeeThroughWrapping(t *testing.T) {
	v := fmt.Errorf("dispatch: TaskUpdate: %w", Invalid("id", "not found"))
	s := fmt.Errorf("mailbox: append: %w", &StoreError{Store: "mailbox", Key: "bob", Err: errors.New("disk full")})
	m := fmt.Errorf("engine: generate: %w", &ModelError{Provider: "openai", Model: "gpt-4o", Retryable: true, Err: errors.New("503")})

	if !IsValidation(v) || IsValidation(s) || IsValidation(m) {
		t.Error("IsValidation misclassified")
	}
	if !IsStore(s) || IsStore(v) {
		t.Error("IsStore misclassified")
	}
	if !IsModel(m) || IsModel(s) {
		t.Error("IsModel misclassified")
	}
	if !Retryable(m) {
		t.Error("Retryable(m) = false, want true")
	}
	if Retryable(v) {
		t.Error("Retryable(v) = true, want false")
	}
}

func TestStoreError_Unwrap(t *testing.T) {
	base := errors.New("locked")
	err := &StoreError{Store: "tasks", Key: "7", Err: base}
	if !errors.Is(err, base) {
		t.Error("errors.Is did not reach wrapped error")
	}
	if got := err.Error(); got != "tasks store: 7: locked" {
		t.Errorf("Error() = %q", got)
	}
}
