package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"decloud/internal/execx"
	"decloud/internal/model"
)

type recordRunner struct {
	mu     sync.Mutex
	cmds   []string
	fail   map[string]error
	output map[string]string
}

func (r *recordRunner) record(name string, args []string) string {
	c := name + " " + strings.Join(args, " ")
	r.mu.Lock()
	r.cmds = append(r.cmds, c)
	r.mu.Unlock()
	return c
}

func (r *recordRunner) lookup(c string) (string, error) {
	for prefix, err := range r.fail {
		if strings.HasPrefix(c, prefix) {
			return "", err
		}
	}
	for prefix, out := range r.output {
		if strings.HasPrefix(c, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (r *recordRunner) Run(_ context.Context, name string, args ...string) error {
	_, err := r.lookup(r.record(name, args))
	return err
}

func (r *recordRunner) Output(_ context.Context, name string, args ...string) (string, error) {
	return r.lookup(r.record(name, args))
}

var _ execx.Runner = (*recordRunner)(nil)

func TestDockerCreate_RunsHardenedContainer(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{output: map[string]string{"docker run": "abc123\n"}}
	d := NewDockerExecutor(rr, DockerConfig{}, nil)

	h, err := d.Create(context.Background(), Spec{Resources: model.SandboxResources{RAM: 1 << 30, CPU: 1.5, GPU: 1}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h != "abc123" {
		t.Fatalf("handle=%q", h)
	}
	if len(rr.cmds) != 3 {
		t.Fatalf("cmds=%v", rr.cmds)
	}
	if !strings.HasPrefix(rr.cmds[0], "docker image inspect") || !strings.HasSuffix(rr.cmds[0], DefaultImage) {
		t.Fatalf("inspect=%q", rr.cmds[0])
	}
	want := "docker run -d --rm -it --cap-drop ALL --cap-add NET_ADMIN --network bridge --pids-limit 100 " +
		"--memory 1073741824b --cpus 1.5 --gpus 1 --user developer de-cloud-dev:latest /bin/bash"
	if rr.cmds[1] != want {
		t.Fatalf("run=%q", rr.cmds[1])
	}
	if !strings.HasPrefix(rr.cmds[2], "docker exec -u root abc123 /bin/bash -c iptables -P OUTPUT DROP") {
		t.Fatalf("egress=%q", rr.cmds[2])
	}
}

func TestDockerCreate_MissingImage(t *testing.T) {
	t.Parallel()

	inspectErr := errors.New("No such image")
	rr := &recordRunner{fail: map[string]error{"docker image inspect": inspectErr}}
	d := NewDockerExecutor(rr, DockerConfig{Image: "x:1"}, nil)

	_, err := d.Create(context.Background(), Spec{})
	if err == nil || !strings.Contains(err.Error(), "docker build -t x:1 .") {
		t.Fatalf("err=%v", err)
	}
	if !errors.Is(err, inspectErr) || !strings.HasPrefix(err.Error(), "image x:1") {
		t.Fatalf("err=%v", err)
	}
	if len(rr.cmds) != 1 {
		t.Fatalf("cmds=%v", rr.cmds)
	}
}

func TestDockerCreate_EgressFailureRemovesContainer(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{
		output: map[string]string{"docker run": "abc123"},
		fail:   map[string]error{"docker exec -u root": errors.New("iptables: permission denied")},
	}
	d := NewDockerExecutor(rr, DockerConfig{}, nil)

	if _, err := d.Create(context.Background(), Spec{}); err == nil {
		t.Fatalf("expected error")
	}
	last := rr.cmds[len(rr.cmds)-2:]
	if last[0] != "docker stop -t 1 abc123" || last[1] != "docker rm -f abc123" {
		t.Fatalf("cleanup=%v", last)
	}
}

func TestDockerExec_UsesBash(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	d := NewDockerExecutor(rr, DockerConfig{}, nil)
	if _, err := d.Exec(context.Background(), "abc", "ls -la"); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if rr.cmds[0] != "docker exec abc /bin/bash -c ls -la" {
		t.Fatalf("cmd=%q", rr.cmds[0])
	}
}

func TestEgressScript(t *testing.T) {
	t.Parallel()

	if EgressScript(nil) != "" {
		t.Fatalf("expected empty script")
	}
	got := EgressScript([]EgressRule{{Dest: "1.1.1.1"}, {Port: 53, Proto: "udp"}, {Dest: "pypi.org", Port: 443}})
	want := "iptables -P OUTPUT DROP && iptables -A OUTPUT -o lo -j ACCEPT && " +
		"iptables -A OUTPUT -d 1.1.1.1 -j ACCEPT && " +
		"iptables -A OUTPUT -p udp --dport 53 -j ACCEPT && " +
		"iptables -A OUTPUT -p tcp -d pypi.org --dport 443 -j ACCEPT"
	if got != want {
		t.Fatalf("script=%q", got)
	}
}

func TestParseEgress(t *testing.T) {
	t.Parallel()

	cases := map[string]EgressRule{
		"pypi.org:443/tcp": {Dest: "pypi.org", Proto: "tcp", Port: 443},
		"8.8.8.8":          {Dest: "8.8.8.8"},
		":53/udp":          {Proto: "udp", Port: 53},
		"example.com:8080": {Dest: "example.com", Port: 8080},
	}
	for in, want := range cases {
		got, err := ParseEgress(in)
		if err != nil {
			t.Fatalf("ParseEgress(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseEgress(%q)=%+v want %+v", in, got, want)
		}
	}
	for _, bad := range []string{"", "host:0", "host:x", "host/icmp"} {
		if _, err := ParseEgress(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}

	if rules, err := ParseEgressList(nil); err != nil || rules != nil {
		t.Fatalf("rules=%v err=%v", rules, err)
	}
}
