package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidatePrompt(t *testing.T) {
	assert.NoError(t, ValidatePrompt("a ceramic teapot"))
	assert.NoError(t, ValidatePrompt("  padded  "))
	assert.ErrorIs(t, ValidatePrompt(""), ErrEmptyPrompt)
	assert.ErrorIs(t, ValidatePrompt("   "), ErrEmptyPrompt)
	assert.NoError(t, ValidatePrompt(strings.Repeat("x", MaxPromptLength)))
	assert.ErrorIs(t, ValidatePrompt(strings.Repeat("x", MaxPromptLength+1)), ErrPromptTooLong)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(0))
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 4*time.Second, Backoff(2))
	assert.Equal(t, 8*time.Second, Backoff(3))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindRetryable, Classify(Retryable(errors.New("x"))))
	assert.Equal(t, KindFatal, Classify(Fatal(errors.New("x"))))
	assert.Equal(t, KindValidation, Classify(Ef(KindValidation, "bad index %d", 9)))

	// Wrapping keeps the classification.
	wrapped := fmt.Errorf("loading job: %w", Retryable(errors.New("x")))
	assert.Equal(t, KindRetryable, Classify(wrapped))

	assert.Equal(t, KindNotFound, Classify(ErrRequestNotFound))
	assert.Equal(t, KindNotFound, Classify(fmt.Errorf("lookup: %w", ErrModelNotFound)))
	assert.Equal(t, KindForbidden, Classify(ErrForbidden))
	assert.Equal(t, KindInvalidState, Classify(fmt.Errorf("select: %w", ErrInvalidState)))
	assert.Equal(t, KindValidation, Classify(ErrEmptyPrompt))
	assert.Equal(t, KindRetryable, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindFatal, Classify(errors.New("who knows")))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrImageNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("get: %w", ErrJobNotFound)))
	assert.False(t, IsNotFound(nil))
	assert.False(t, IsNotFound(errors.New("other")))
}

func TestPrintProgress(t *testing.T) {
	assert.Equal(t, 0, PrintProgress(PrintStatusNotStarted))
	assert.Equal(t, 30, PrintProgress(PrintStatusSlicing))
	assert.Equal(t, 50, PrintProgress(PrintStatusSliceComplete))
	assert.Equal(t, 75, PrintProgress(PrintStatusPrinting))
	assert.Equal(t, 100, PrintProgress(PrintStatusPrintComplete))
	assert.Equal(t, 0, PrintProgress(PrintStatusFailed))
}

func TestImageTerminal(t *testing.T) {
	assert.False(t, Image{Status: ImageStatusPending}.Terminal())
	assert.False(t, Image{Status: ImageStatusGenerating}.Terminal())
	assert.True(t, Image{Status: ImageStatusCompleted}.Terminal())
	assert.True(t, Image{Status: ImageStatusFailed}.Terminal())
}
