package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunVersionText(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "readergate") {
		t.Errorf("version output missing program name: %q", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version -o json did not produce JSON: %v", err)
	}
	if info["version"] == "" {
		t.Error("JSON output missing version field")
	}
}

func TestRunGenkey(t *testing.T) {
	var a, b bytes.Buffer
	if err := run(context.Background(), &a, &a, []string{"genkey"}); err != nil {
		t.Fatal(err)
	}
	if err := run(context.Background(), &b, &b, []string{"genkey"}); err != nil {
		t.Fatal(err)
	}

	keyA := strings.TrimSpace(a.String())
	keyB := strings.TrimSpace(b.String())
	if len(keyA) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(keyA))
	}
	if _, err := hex.DecodeString(keyA); err != nil {
		t.Errorf("key is not hex: %v", err)
	}
	if keyA == keyB {
		t.Error("two generated keys are identical")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v, want unknown command", err)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("err = %v, want unknown flag", err)
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("no-args output missing usage: %q", out.String())
	}
}
