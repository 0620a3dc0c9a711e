package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf(t *testing.T) {
	err := New(CodeInsufficientBalance, "not enough")
	if got := CodeOf(err); got != CodeInsufficientBalance {
		t.Fatalf("code=%s, want %s", got, CodeInsufficientBalance)
	}

	wrapped := fmt.Errorf("place order: %w", err)
	if got := CodeOf(wrapped); got != CodeInsufficientBalance {
		t.Fatalf("wrapped code=%s, want %s", got, CodeInsufficientBalance)
	}

	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("plain code=%s, want %s", got, CodeUnknown)
	}
}

func TestIs(t *testing.T) {
	err := Newf(CodeOrderNotFound, "order %d not found", 123)
	if !Is(err, CodeOrderNotFound) {
		t.Fatal("Is returned false for matching code")
	}
	if Is(err, CodeInternal) {
		t.Fatal("Is returned true for non-matching code")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeInvalidInput, http.StatusBadRequest},
		{CodeInsufficientBalance, http.StatusUnprocessableEntity},
		{CodeInsufficientAssetBalance, http.StatusUnprocessableEntity},
		{CodeAccountNotFound, http.StatusNotFound},
		{CodeOrderNotFound, http.StatusNotFound},
		{CodeMarketDataUnavailable, http.StatusServiceUnavailable},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := New(tc.code, "x").HTTPStatus(); got != tc.want {
			t.Errorf("code %s: status=%d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !New(CodeMarketDataUnavailable, "x").Retryable {
		t.Fatal("market data unavailable should be retryable")
	}
	if New(CodeInsufficientBalance, "x").Retryable {
		t.Fatal("insufficient balance should not be retryable")
	}
}
