package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfAndExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		code int
	}{
		{"nil", nil, "", 0},
		{"validation", Invalid("short_id", "too long"), KindValidation, 2},
		{"conflict", &StrategyConflictError{Inputs: []string{"CERT_MODE"}, Reason: "dns needs a token"}, KindStrategyConflict, 3},
		{"issuance", &IssuanceError{Domain: "a.example.com", Err: errors.New("timeout")}, KindIssuanceFailure, 4},
		{"missing cert", &MissingCertificateError{Protocol: "ws"}, KindMissingCertificate, 5},
		{"schema", &SchemaCheckError{Diagnostic: "unknown field"}, KindSchemaCheck, 6},
		{"wrapped", fmt.Errorf("assemble: %w", &SchemaCheckError{Diagnostic: "x"}), KindSchemaCheck, 6},
		{"plain", errors.New("boom"), KindUnknown, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.code, ExitCode(tt.err))
		})
	}
}

func TestIssuanceErrorUnwraps(t *testing.T) {
	cause := errors.New("deadline")
	err := &IssuanceError{Domain: "a.example.com", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "a.example.com")
}

func TestValidationMessageNamesField(t *testing.T) {
	assert.EqualError(t, Invalid("SNI", "%q is not a DNS name", "bad sni"), `invalid SNI: "bad sni" is not a DNS name`)
}
