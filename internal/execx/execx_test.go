package execx

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestOSRunner_OutputTrims(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewOSRunner(nil, nil)
	out, err := r.Output(context.Background(), "sh", "-c", "echo '  hello  '")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if out != "hello" {
		t.Fatalf("out=%q", out)
	}
}

func TestOSRunner_OutputCarriesStderr(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewOSRunner(nil, nil)
	_, err := r.Output(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err=%v", err)
	}
}

func TestOSRunner_RunWritesStdout(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	var stdout bytes.Buffer
	r := NewOSRunner(&stdout, &bytes.Buffer{})
	if err := r.Run(context.Background(), "sh", "-c", "echo hi"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != "hi" {
		t.Fatalf("stdout=%q", stdout.String())
	}
}
