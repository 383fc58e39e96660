package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"decloud/internal/execx"
	"decloud/internal/model"
)

const (
	DefaultImage     = "de-cloud-dev:latest"
	DefaultUser      = "developer"
	DefaultPidsLimit = 100
)

// Handle identifies a running sandbox inside the executor.
type Handle string

// Spec is what the executor needs to start a sandbox.
type Spec struct {
	Resources model.SandboxResources
}

// Executor runs isolated sandboxes.
type Executor interface {
	Create(ctx context.Context, spec Spec) (Handle, error)
	Exec(ctx context.Context, h Handle, cmd string) (string, error)
	Stop(ctx context.Context, h Handle) error
	Remove(ctx context.Context, h Handle) error
}

// EgressRule allows outbound traffic from inside a sandbox. Empty Proto
// matches any protocol; zero Port matches any port.
type EgressRule struct {
	Dest  string
	Proto string
	Port  int
}

// DefaultEgress permits DNS and the Python package index.
var DefaultEgress = []EgressRule{
	{Dest: "8.8.8.8"},
	{Dest: "8.8.4.4"},
	{Proto: "udp", Port: 53},
	{Dest: "pypi.org", Proto: "tcp", Port: 443},
	{Dest: "files.pythonhosted.org", Proto: "tcp", Port: 443},
}

type DockerConfig struct {
	Binary    string
	Image     string
	User      string
	PidsLimit int
	Egress    []EgressRule
}

// DockerExecutor drives the docker CLI.
type DockerExecutor struct {
	runner execx.Runner
	cfg    DockerConfig
	log    *zap.Logger
}

var _ Executor = (*DockerExecutor)(nil)

func NewDockerExecutor(runner execx.Runner, cfg DockerConfig, log *zap.Logger) *DockerExecutor {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.User == "" {
		cfg.User = DefaultUser
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = DefaultPidsLimit
	}
	if cfg.Egress == nil {
		cfg.Egress = DefaultEgress
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DockerExecutor{runner: runner, cfg: cfg, log: log}
}

func (d *DockerExecutor) Create(ctx context.Context, spec Spec) (Handle, error) {
	image := d.cfg.Image
	if _, err := d.runner.Output(ctx, d.cfg.Binary, "image", "inspect", "--format", "{{.Id}}", image); err != nil {
		return "", fmt.Errorf("image %s not found (build it with docker build -t %s .): %w", image, image, err)
	}

	out, err := d.runner.Output(ctx, d.cfg.Binary, d.runArgs(spec)...)
	if err != nil {
		return "", fmt.Errorf("docker run: %w", err)
	}
	id := lastLine(out)
	if id == "" {
		return "", errors.New("docker run: empty container id")
	}
	h := Handle(id)

	if script := EgressScript(d.cfg.Egress); script != "" {
		if _, err := d.runner.Output(ctx, d.cfg.Binary, "exec", "-u", "root", id, "/bin/bash", "-c", script); err != nil {
			d.log.Warn("egress setup failed; removing sandbox", zap.String("container", id), zap.Error(err))
			_ = d.Stop(context.WithoutCancel(ctx), h)
			_ = d.Remove(context.WithoutCancel(ctx), h)
			return "", fmt.Errorf("egress setup: %w", err)
		}
	}
	return h, nil
}

func (d *DockerExecutor) runArgs(spec Spec) []string {
	res := spec.Resources
	args := []string{
		"run", "-d", "--rm", "-it",
		"--cap-drop", "ALL",
		"--cap-add", "NET_ADMIN",
		"--network", "bridge",
		"--pids-limit", strconv.Itoa(d.cfg.PidsLimit),
	}
	if res.RAM > 0 {
		args = append(args, "--memory", strconv.FormatUint(res.RAM, 10)+"b")
	}
	if res.CPU > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(res.CPU, 'f', -1, 64))
	}
	if res.GPU > 0 {
		args = append(args, "--gpus", strconv.FormatUint(uint64(res.GPU), 10))
	}
	args = append(args, "--user", d.cfg.User, d.cfg.Image, "/bin/bash")
	return args
}

func (d *DockerExecutor) Exec(ctx context.Context, h Handle, cmd string) (string, error) {
	return d.runner.Output(ctx, d.cfg.Binary, "exec", string(h), "/bin/bash", "-c", cmd)
}

func (d *DockerExecutor) Stop(ctx context.Context, h Handle) error {
	return d.runner.Run(ctx, d.cfg.Binary, "stop", "-t", "1", string(h))
}

func (d *DockerExecutor) Remove(ctx context.Context, h Handle) error {
	return d.runner.Run(ctx, d.cfg.Binary, "rm", "-f", string(h))
}

// EgressScript renders rules as an iptables script that drops all other
// outbound traffic.
func EgressScript(rules []EgressRule) string {
	if len(rules) == 0 {
		return ""
	}
	parts := []string{"iptables -P OUTPUT DROP", "iptables -A OUTPUT -o lo -j ACCEPT"}
	for _, r := range rules {
		proto := r.Proto
		if proto == "" && r.Port > 0 {
			// --dport needs a protocol match.
			proto = "tcp"
		}
		var b strings.Builder
		b.WriteString("iptables -A OUTPUT")
		if proto != "" {
			b.WriteString(" -p " + proto)
		}
		if r.Dest != "" {
			b.WriteString(" -d " + r.Dest)
		}
		if r.Port > 0 {
			b.WriteString(" --dport " + strconv.Itoa(r.Port))
		}
		b.WriteString(" -j ACCEPT")
		parts = append(parts, b.String())
	}
	return strings.Join(parts, " && ")
}

// ParseEgress reads a rule written as [dest][:port][/proto], for example
// "pypi.org:443/tcp", "8.8.8.8" or ":53/udp".
func ParseEgress(spec string) (EgressRule, error) {
	var r EgressRule
	s := strings.TrimSpace(spec)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		r.Proto = strings.ToLower(s[i+1:])
		s = s[:i]
		if r.Proto != "tcp" && r.Proto != "udp" {
			return EgressRule{}, fmt.Errorf("egress %q: unknown protocol %q", spec, r.Proto)
		}
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		port, err := strconv.Atoi(s[i+1:])
		if err != nil || port < 1 || port > 65535 {
			return EgressRule{}, fmt.Errorf("egress %q: invalid port", spec)
		}
		r.Port = port
		s = s[:i]
	}
	r.Dest = s
	if r == (EgressRule{}) {
		return EgressRule{}, fmt.Errorf("egress %q: empty rule", spec)
	}
	return r, nil
}

// ParseEgressList parses every rule; nil input yields nil so the default
// rule set applies.
func ParseEgressList(specs []string) ([]EgressRule, error) {
	if specs == nil {
		return nil, nil
	}
	out := make([]EgressRule, 0, len(specs))
	for _, spec := range specs {
		r, err := ParseEgress(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
