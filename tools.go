//go:build tools

// Package vmx pins development tools in go.mod so `go run` uses the same
// versions everywhere, e.g. `go run golang.org/x/tools/cmd/goimports -w .`.
package vmx

import (
	_ "golang.org/x/tools/cmd/goimports"
)
