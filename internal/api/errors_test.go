package api

import (
	"errors"
	"fmt"
	"testing"

	"connectrpc.com/connect"
)

func TestReason(t *testing.T) {
	err := NewError(connect.CodeFailedPrecondition, ReasonInsufficientBalance, errors.New("requested 2, available 1"))
	if !IsInsufficientBalance(err) {
		t.Error("expected insufficient balance reason")
	}
	if !IsInsufficientBalance(fmt.Errorf("checkout: %w", err)) {
		t.Error("reason lost through wrapping")
	}
	if Reason(errors.New("plain")) != "" {
		t.Error("plain errors carry no reason")
	}
	if Reason(NewError(connect.CodeInternal, "", errors.New("boom"))) != "" {
		t.Error("empty reason should not be set")
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{connect.NewError(connect.CodeInvalidArgument, nil), true},
		{connect.NewError(connect.CodeFailedPrecondition, nil), true},
		{connect.NewError(connect.CodeNotFound, nil), true},
		{connect.NewError(connect.CodeUnavailable, nil), false},
		{connect.NewError(connect.CodeDeadlineExceeded, nil), false},
		{connect.NewError(connect.CodeUnauthenticated, nil), false},
		{connect.NewError(connect.CodeInternal, nil), false},
		{errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		if got := IsPermanent(tt.err); got != tt.want {
			t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestJSONCodec(t *testing.T) {
	var c JSONCodec
	data, err := c.Marshal(&LookupCardRequest{CardNumber: "BW-1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"cardNumber":"BW-1"}` {
		t.Errorf("unexpected encoding %s", data)
	}

	var req LookupCardRequest
	if err := c.Unmarshal(nil, &req); err != nil {
		t.Errorf("empty body should decode to the zero message: %v", err)
	}
	if err := c.Unmarshal([]byte("{"), &req); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
