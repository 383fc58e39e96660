package main

import "testing"

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	cases := map[uint64]string{
		0:         "0B",
		1023:      "1023B",
		1024:      "1.0KiB",
		1536:      "1.5KiB",
		512 << 20: "512.0MiB",
		8 << 30:   "8.0GiB",
		3 << 40:   "3.0TiB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Fatalf("formatBytes(%d)=%q want %q", in, got, want)
		}
	}
}

func TestCommandTree(t *testing.T) {
	t.Parallel()

	for _, path := range [][]string{
		{"superpeer", "serve"},
		{"peer", "run"},
		{"peer", "register"},
		{"peer", "deregister"},
		{"peers"},
		{"check"},
		{"plan"},
		{"connect"},
		{"exec"},
		{"stun"},
		{"punch"},
	} {
		cmd, _, err := newRootCmd().Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Fatalf("path=%v cmd=%v err=%v", path, cmd, err)
		}
	}
}
