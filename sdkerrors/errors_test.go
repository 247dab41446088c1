package sdkerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"plain error", errors.New("boom"), Unknown},
		{"content read", NewContentRead("read chunk", errors.New("disk")), ContentRead},
		{"integrity", NewIntegrity("verify block", errors.New("mismatch")), Integrity},
		{"conflict", NewConflict("create draft", nil, errors.New("exists")), Conflict},
		{"transport", NewTransport("upload blob", 502, errors.New("bad gateway")), Transport},
		{"cancelled", NewCancelled("upload", context.Canceled), Cancelled},
		{"bare context cancel", context.Canceled, Cancelled},
		{"wrapped", fmt.Errorf("outer: %w", NewIntegrity("digest", errors.New("x"))), Integrity},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("%s: KindOf() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTransportRetriable(t *testing.T) {
	tests := []struct {
		status    int
		retriable bool
	}{
		{400, false},
		{404, false},
		{408, true},
		{409, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		err := NewTransport("op", tt.status, errors.New("x"))
		if got := IsRetriable(err); got != tt.retriable {
			t.Errorf("status %d: IsRetriable() = %v, want %v", tt.status, got, tt.retriable)
		}
	}
}

func TestIsResumable(t *testing.T) {
	if !IsResumable(NewTransport("op", 500, errors.New("x"))) {
		t.Error("5xx should be resumable")
	}
	if !IsResumable(NewNetwork("op", errors.New("reset"), false)) {
		t.Error("network errors should be resumable")
	}
	if IsResumable(NewTransport("op", 400, errors.New("x"))) {
		t.Error("terminal 4xx should not be resumable")
	}
	if IsResumable(NewIntegrity("op", errors.New("x"))) {
		t.Error("integrity failures should not be resumable")
	}
	if IsResumable(NewContentRead("op", errors.New("x"))) {
		t.Error("content read failures should not be resumable")
	}
	if IsResumable(NewCancelled("op", context.Canceled)) {
		t.Error("cancellation should not be resumable")
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(NewNetwork("op", errors.New("deadline"), true)) {
		t.Error("timeout network error should report IsTimeout")
	}
	if !IsTimeout(NewTransport("op", 408, errors.New("x"))) {
		t.Error("408 should report IsTimeout")
	}
	if IsTimeout(NewTransport("op", 500, errors.New("x"))) {
		t.Error("500 should not report IsTimeout")
	}
}

func TestConflictDetail(t *testing.T) {
	detail := &ConflictDetail{
		ConflictingNodeUID: "vol1~node2",
		DraftRevisionUID:   "rev3",
		DraftClientUID:     "client4",
	}
	err := fmt.Errorf("wrap: %w", NewConflict("create draft", detail, errors.New("exists")))

	got := ConflictOf(err)
	if got == nil {
		t.Fatal("ConflictOf() = nil, want detail")
	}
	if got.ConflictingNodeUID != "vol1~node2" || got.DraftClientUID != "client4" {
		t.Errorf("unexpected detail: %+v", got)
	}
	if ConflictOf(errors.New("plain")) != nil {
		t.Error("ConflictOf(plain) should be nil")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewTransport("upload blob", 503, errors.New("service unavailable"))
	msg := err.Error()
	want := "upload blob: transport (status 503): service unavailable"
	if msg != want {
		t.Errorf("Error() = %q, want %q", msg, want)
	}
}
