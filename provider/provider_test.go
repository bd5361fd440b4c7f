package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/GoCodeAlone/shipyard/failure"
)

func TestUnavailable(t *testing.T) {
	if Unavailable("op", nil) != nil {
		t.Error("expected nil for nil error")
	}
	err := Unavailable("ecs RunTask", errors.New("503"))
	if !failure.Retryable(err) {
		t.Errorf("expected retryable ProviderUnavailable, got %v", err)
	}
	if err := Unavailable("op", context.Canceled); failure.KindOf(err) == failure.KindProviderUnavailable {
		t.Error("context errors must not be classified as provider failures")
	}
}

func TestSplit(t *testing.T) {
	tasks := []Task{{ID: "a", Release: "r1"}, {ID: "b", Release: "r2"}, {ID: "c", Release: "r1"}}
	cur, other := Split(tasks, "r1")
	if len(cur) != 2 || len(other) != 1 || other[0].ID != "b" {
		t.Errorf("unexpected split: %v / %v", cur, other)
	}
	if ids := IDs(cur); ids[0] != "a" || ids[1] != "c" {
		t.Errorf("unexpected ids %v", ids)
	}
}
