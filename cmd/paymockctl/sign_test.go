package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSignThenVerify(t *testing.T) {
	out, err := run(t, `{"status":"paid","amount":100}`, "sign", "--secret", "s3cret")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("sign output = %q", out)
	}
	if lines[0] != `{"amount": 100, "status": "paid"}` {
		t.Errorf("canonical = %s", lines[0])
	}
	sig := lines[1]

	if out, err := run(t, `{"amount":100,"status":"paid"}`, "verify", "--secret", "s3cret", "--signature", sig); err != nil || strings.TrimSpace(out) != "ok" {
		t.Errorf("verify = %q, %v", out, err)
	}
	if _, err := run(t, `{"amount":101,"status":"paid"}`, "verify", "--secret", "s3cret", "--signature", sig); !errors.Is(err, errBadSignature) {
		t.Errorf("tampered verify err = %v", err)
	}
	if _, err := run(t, `{"amount":100,"status":"paid"}`, "verify", "--secret", "other", "--signature", sig); !errors.Is(err, errBadSignature) {
		t.Errorf("other secret verify err = %v", err)
	}
}

func TestSignRejectsInvalidJSON(t *testing.T) {
	if _, err := run(t, `{"amount":`, "sign"); err == nil {
		t.Error("expected an error for truncated JSON")
	}
}
