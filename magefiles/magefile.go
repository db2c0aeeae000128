//go:build mage

// Package main provides build targets for the odm module using Mage.
//
// Usage:
//
//	mage build      Compile the odm binary to bin/
//	mage test       Run all tests
//	mage cover      Run tests with a coverage profile
//	mage lint       Run golangci-lint
//	mage clean      Remove build artifacts
//	mage install    Install odm to GOPATH/bin
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryName = "odm"
	binaryDir  = "bin"
	cmdDir     = "./cmd/odm"
	versionPkg = "github.com/conduit-lang/odm/internal/cli/commands"
)

// ldflags stamps version information into the commands package
func ldflags() string {
	version := os.Getenv("ODM_VERSION")
	if version == "" {
		version = "dev"
	}
	commit, err := sh.Output("git", "rev-parse", "--short", "HEAD")
	if err != nil || commit == "" {
		commit = "unknown"
	}
	vars := map[string]string{
		"Version":   version,
		"GitCommit": commit,
		"BuildDate": time.Now().UTC().Format(time.RFC3339),
		"GoVersion": runtime.Version(),
	}
	var flags []string
	for _, name := range []string{"Version", "GitCommit", "BuildDate", "GoVersion"} {
		flags = append(flags, fmt.Sprintf("-X %s.%s=%s", versionPkg, name, vars[name]))
	}
	return strings.Join(flags, " ")
}

// Build compiles the odm binary to bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	return sh.RunV("go", "build", "-ldflags", ldflags(), "-o", filepath.Join(binaryDir, binaryName), cmdDir)
}

// Test runs all tests.
func Test() error {
	return sh.RunV("go", "test", "./...")
}

// Cover runs all tests and writes coverage.out.
func Cover() error {
	if err := sh.RunV("go", "test", "-coverprofile=coverage.out", "./..."); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-func=coverage.out")
}

// Lint runs golangci-lint.
func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.Rm("coverage.out")
}

// Install builds and copies odm to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output("go", "env", "GOPATH")
	if err != nil {
		return err
	}
	return sh.Copy(filepath.Join(gopath, "bin", binaryName), filepath.Join(binaryDir, binaryName))
}
