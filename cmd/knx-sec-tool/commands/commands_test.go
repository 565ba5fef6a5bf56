package commands

import (
	"bytes"
	"strings"
	"testing"

	"github.com/backkem/knxiot/pkg/oscore"
)

// run executes the tool with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestDeriveRawMaterial(t *testing.T) {
	out, err := run(t, "derive",
		"--secret", "0102030405060708090a0b0c0d0e0f10",
		"--salt", "9e7ca92223786340",
		"--recipient", "01")
	if err != nil {
		t.Fatalf("derive error = %v\n%s", err, out)
	}
	for _, want := range []string{
		"sender key:    f0910ed7295e6ad4b54fc793154302ff",
		"recipient key: ffb14e093c94c9cac9471648b4f98710",
		"common iv:     4622d4dd6d944168eefb54987c",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("derive output missing %q:\n%s", want, out)
		}
	}
}

func TestDeriveNeedsMaterial(t *testing.T) {
	if _, err := run(t, "derive"); err == nil {
		t.Error("derive without --record or --secret succeeded")
	}
}

func TestTokensLifecycle(t *testing.T) {
	storage := []string{"--storage", "file", "--storage-path", t.TempDir()}
	cmd := func(args ...string) string {
		t.Helper()
		out, err := run(t, append(append([]string{}, storage...), args...)...)
		if err != nil {
			t.Fatalf("%v error = %v\n%s", args, err, out)
		}
		return out
	}

	cmd("tokens", "add", "--id", "ops", "--secret", "0102030405060708090a0b0c0d0e0f10",
		"--sender", "01", "--recipient", "02", "--scope", "if.sec,if.d")

	out := cmd("tokens", "list")
	if !strings.Contains(out, "ops") || !strings.Contains(out, "if.d|if.sec") {
		t.Errorf("tokens list missing the token:\n%s", out)
	}
	if !strings.Contains(out, "1 of 20 slots used") {
		t.Errorf("tokens list footer wrong:\n%s", out)
	}

	out = cmd("derive", "--record", "ops")
	if !strings.Contains(out, "sender id:     01") || !strings.Contains(out, "recipient id:  02") {
		t.Errorf("derive --record output:\n%s", out)
	}

	cmd("tokens", "delete", "ops")
	if out := cmd("tokens", "list"); !strings.Contains(out, "0 of 20 slots used") {
		t.Errorf("tokens list after delete:\n%s", out)
	}
}

func TestTokensAddRejectsBadSecret(t *testing.T) {
	_, err := run(t, "tokens", "add", "--id", "x", "--secret", "0102", "--recipient", "02")
	if err == nil {
		t.Error("tokens add with a 2-byte secret succeeded")
	}
}

func TestDemo(t *testing.T) {
	out, err := run(t, "demo", "--requests", "3")
	if err != nil {
		t.Fatalf("demo error = %v\n%s", err, out)
	}
	for _, want := range []string{"handshake complete", "verified", "replayed", "3 of 3 protected requests answered"} {
		if !strings.Contains(out, want) {
			t.Errorf("demo output missing %q:\n%s", want, out)
		}
	}
}

func TestDemoWrongPassword(t *testing.T) {
	if _, err := run(t, "demo", "--password", "CABBAGE"); err == nil {
		t.Error("demo with a wrong password succeeded")
	}
}

func TestConfigOverrides(t *testing.T) {
	out, err := run(t, "--device-id", "0a0b", "config")
	if err != nil {
		t.Fatalf("config error = %v", err)
	}
	if !strings.Contains(out, "0a0b") {
		t.Errorf("config output missing the overridden id:\n%s", out)
	}

	if _, err := run(t, "--storage", "file", "config"); err == nil {
		t.Error("file storage without a path was accepted")
	}
	if _, err := run(t, "--log-level", "loud", "config"); err == nil {
		t.Error("unknown log level was accepted")
	}
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in      string
		want    oscore.Code
		wantErr bool
	}{
		{"get", oscore.CodeGET, false},
		{"POST", oscore.CodePOST, false},
		{"fetch", oscore.CodeFETCH, false},
		{"patch", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMethod(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseMethod(%q) = %v, %v, want %v (error %v)", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
