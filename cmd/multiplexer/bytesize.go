package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// byteSize is a pflag.Value accepting human-friendly sizes ("128Ki", "1Mi",
// "512") for the scheduler's chunk size, the same shape rclone's own
// SizeSuffix flag type takes (String/Set/Type against a pflag.FlagSet via
// Var) — only its test file survived retrieval, so this is written directly
// against that observed interface rather than adapted from a source file.
type byteSize int

const (
	byteSizeKi = 1 << 10
	byteSizeMi = 1 << 20
	byteSizeGi = 1 << 30
)

var _ pflag.Value = (*byteSize)(nil)

func (b *byteSize) String() string {
	n := int(*b)
	switch {
	case n != 0 && n%byteSizeGi == 0:
		return fmt.Sprintf("%dGi", n/byteSizeGi)
	case n != 0 && n%byteSizeMi == 0:
		return fmt.Sprintf("%dMi", n/byteSizeMi)
	case n != 0 && n%byteSizeKi == 0:
		return fmt.Sprintf("%dKi", n/byteSizeKi)
	default:
		return strconv.Itoa(n)
	}
}

func (b *byteSize) Set(s string) error {
	mult := 1
	switch {
	case strings.HasSuffix(s, "Ki"):
		mult, s = byteSizeKi, strings.TrimSuffix(s, "Ki")
	case strings.HasSuffix(s, "Mi"):
		mult, s = byteSizeMi, strings.TrimSuffix(s, "Mi")
	case strings.HasSuffix(s, "Gi"):
		mult, s = byteSizeGi, strings.TrimSuffix(s, "Gi")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n < 0 {
		return fmt.Errorf("byte size %q must not be negative", s)
	}
	*b = byteSize(n * mult)
	return nil
}

func (b *byteSize) Type() string { return "byteSize" }
