package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindInternal},
		{"plain", fmt.Errorf("boom"), KindInternal},
		{"not found", fmt.Errorf("lookup demo.git: %w", ErrNotFound), KindNotFound},
		{"conflict", fmt.Errorf("rename: %w", ErrConflict), KindConflict},
		{"busy", fmt.Errorf("acquire: %w", ErrBusy), KindBusy},
		{"forbidden", fmt.Errorf("set grant: %w", ErrForbidden), KindForbidden},
		{"credentials", ErrInvalidCredentials, KindInvalidCredentials},
		{"inconsistent", fmt.Errorf("origin: %w", ErrInconsistent), KindInconsistent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "busy", KindBusy.String())
	assert.Equal(t, "internal", Kind(99).String())
}
