package validator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type iouForm struct {
	Debtor   string          `validate:"required,identity"`
	Creditor string          `validate:"required,identity,nefield=Debtor"`
	Amount   decimal.Decimal `validate:"gt=0"`
}

func TestValidate_Identity(t *testing.T) {
	v := New()

	ok := iouForm{
		Debtor:   "0x00000000000000000000000000000000000000a1",
		Creditor: "0x00000000000000000000000000000000000000B2",
		Amount:   decimal.NewFromInt(5),
	}
	assert.NoError(t, v.Validate(ok))

	bad := ok
	bad.Creditor = "0x1234"
	assert.Error(t, v.Validate(bad))
}

func TestValidateStructured_Messages(t *testing.T) {
	v := New()
	errs := v.ValidateStructured(iouForm{
		Debtor:   "0x00000000000000000000000000000000000000a1",
		Creditor: "0x00000000000000000000000000000000000000a1",
		Amount:   decimal.Zero,
	})
	require.NotNil(t, errs)
	assert.Equal(t, "Must differ from Debtor", errs["Creditor"])
	assert.Equal(t, "Must be greater than 0", errs["Amount"])
	assert.NotContains(t, errs, "Debtor")
}

func TestIsIdentity(t *testing.T) {
	assert.True(t, IsIdentity("0x048B115B438B2AA664289ABC53BECA7A0743F597"))
	assert.True(t, IsIdentity(" 0x048b115b438b2aa664289abc53beca7a0743f597 "))
	assert.False(t, IsIdentity("048b115b438b2aa664289abc53beca7a0743f597"))
	assert.False(t, IsIdentity("0xzz8b115b438b2aa664289abc53beca7a0743f597"))
}
