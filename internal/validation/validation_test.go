package validation

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const takerAddr = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{takerAddr, true},
		{strings.ToLower(takerAddr), true},
		{"0x0000000000000000000000000000000000000000", true},

		{strings.TrimPrefix(takerAddr, "0x"), false},
		{takerAddr[:40], false},
		{takerAddr + "00", false},
		{"0xZZ5F4552091A69125d5DfCb7b8C2659029395Bdf", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidEthAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	want := strings.ToLower(takerAddr)

	assert.Equal(t, want, SanitizeAddress(takerAddr))
	assert.Equal(t, want, SanitizeAddress("  "+takerAddr+"\n"))
	assert.Equal(t, want, SanitizeAddress(strings.TrimPrefix(takerAddr, "0x")))
	assert.Equal(t, "", SanitizeAddress(""))
	assert.Equal(t, "0x123", SanitizeAddress("0x123"))
}

func TestSanitizeString_ProofHash(t *testing.T) {
	assert.Equal(t, "QmProof", SanitizeString("  QmProof\t", MaxProofLength))
	assert.Equal(t, "QmProof", SanitizeString("Qm\x00Proof", MaxProofLength))

	long := strings.Repeat("a", MaxProofLength+10)
	assert.Len(t, SanitizeString(long, MaxProofLength), MaxProofLength)
}

func TestIsValidOrderID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"0", true},
		{"7", true},
		{"1234567890", true},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", true},

		{"", false},
		{"007", false},
		{"-1", false},
		{"0x10", false},
		{"1.5", false},
		{"1157920892373161954235709850086879078532699846656405640394575840079131296399351", false},
	}

	for _, tc := range tests {
		if got := IsValidOrderID(tc.id); got != tc.valid {
			t.Errorf("IsValidOrderID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestValidSignature(t *testing.T) {
	assert.Nil(t, ValidSignature("signature", "0x"+strings.Repeat("ab", 65))())
	assert.Nil(t, ValidSignature("signature", "")(), "signature is optional")

	err := ValidSignature("signature", "0x1234")()
	require.NotNil(t, err)
	assert.Equal(t, "signature", err.Field)
}

func TestValidate_ConfirmPaymentFields(t *testing.T) {
	errs := Validate(
		Required("orderId", "12"),
		Required("takerAddress", takerAddr),
		Required("proofHash", "QmProof"),
		ValidOrderID("orderId", "12"),
		ValidAddress("takerAddress", takerAddr),
		MaxLength("proofHash", "QmProof", MaxProofLength),
	)
	assert.Empty(t, errs)

	errs = Validate(
		Required("proofHash", "   "),
		ValidOrderID("orderId", "12a"),
		ValidAddress("takerAddress", "not-an-address"),
		MaxLength("proofHash", strings.Repeat("x", MaxProofLength+1), MaxProofLength),
	)
	require.Len(t, errs, 4)
	assert.Equal(t, "proofHash: is required", errs.Error())
	assert.Equal(t, "orderId", errs[1].Field)
	assert.Equal(t, "takerAddress", errs[2].Field)
}

func TestValidate_EmptyOptionalFields(t *testing.T) {
	errs := Validate(
		ValidOrderID("orderId", ""),
		ValidAddress("takerAddress", ""),
		ValidSignature("signature", ""),
	)
	assert.Empty(t, errs)
	assert.Equal(t, "validation failed", ValidationErrors{}.Error())
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/confirm-payment", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/confirm-payment", strings.NewReader(`{"orderId":1}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/confirm-payment", strings.NewReader(strings.Repeat("x", 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
