package points

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Signed(t *testing.T) {
	assert.Equal(t, int64(25), KindEarned.Signed(25))
	assert.Equal(t, int64(-25), KindSpent.Signed(25))
	assert.Panics(t, func() { Kind(0).Signed(1) })
}

func TestKind_JSON(t *testing.T) {
	b, err := json.Marshal(struct{ Kind Kind }{KindSpent})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Kind":"SPENT"}`, string(b))

	var out struct{ Kind Kind }
	require.NoError(t, json.Unmarshal([]byte(`{"Kind":"EARNED"}`), &out))
	assert.Equal(t, KindEarned, out.Kind)

	assert.Error(t, json.Unmarshal([]byte(`{"Kind":"REFUND"}`), &out))
}

func TestMetadata_Validate(t *testing.T) {
	tests := []struct {
		name  string
		meta  Metadata
		valid bool
	}{
		{"nil", nil, true},
		{"primitives", Metadata{"action": "recycling", "kg": json.Number("5.5"), "ok": true, "none": nil}, true},
		{"nested map", Metadata{"a": map[string]any{}}, false},
		{"slice", Metadata{"a": []string{"x"}}, false},
		{"empty key", Metadata{"": "x"}, false},
		{"long key", Metadata{strings.Repeat("k", MaxMetadataKeyLen+1): "x"}, false},
		{"long value", Metadata{"k": strings.Repeat("v", MaxMetadataStringLen+1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.meta.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}

	tooMany := Metadata{}
	for i := 0; i <= MaxMetadataKeys; i++ {
		tooMany[strings.Repeat("k", i+1)] = i
	}
	assert.ErrorIs(t, tooMany.Validate(), ErrValidation)
}

func TestPage_Normalize(t *testing.T) {
	assert.Equal(t, DefaultPageLimit, Page{}.normalize().Limit)
	assert.Equal(t, MaxPageLimit, Page{Limit: 10_000}.normalize().Limit)
	assert.Equal(t, int64(0), Page{Cursor: -3}.normalize().Cursor)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "OutOfStockError", ErrorKind(&OutOfStockError{BenefitID: "b"}))
	assert.Equal(t, "RedemptionFailedError", ErrorKind(&RedemptionFailedError{Step: "debit", Err: &TransientError{Op: "x", Err: ErrTransient}}))
	assert.Equal(t, "InternalError", ErrorKind(assert.AnError))
	assert.Equal(t, "CanceledError", ErrorKind(fmt.Errorf("acquire wallet lock: %w", context.Canceled)))
	assert.Equal(t, "TimeoutError", ErrorKind(context.DeadlineExceeded))
	assert.Equal(t, "ValidationError", ErrorKind(ErrBalanceOverflow))
	assert.True(t, IsClientError(&InsufficientFundsError{}))
	assert.True(t, IsNotFound(&NotFoundError{Resource: "wallet", ID: "w"}))
}
