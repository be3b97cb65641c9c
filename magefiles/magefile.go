//go:build mage

// Package main provides build targets for fieldsync using Mage.
//
// Usage:
//
//	mage build          Compile the fieldsync binary to bin/
//	mage install        Install fieldsync to GOPATH/bin
//	mage test:all       Run every test
//	mage test:unit      Run tests in short mode
//	mage test:race      Run every test with the race detector
//	mage test:cover     Write a coverage profile to bin/coverage.out
//	mage lint           Run go vet and golangci-lint
//	mage clean          Remove build artifacts
//	mage stats          Print lines of Go code per package
package main

import (
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binaryName = "fieldsync"
	binaryDir  = "bin"
	cmdDir     = "./cmd/fieldsync"
)

// Build compiles the fieldsync binary to bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	return sh.RunV(binGo, "build", "-v", "-o", filepath.Join(binaryDir, binaryName), cmdDir)
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return err
	}
	return sh.Copy(filepath.Join(gopath, "bin", binaryName), filepath.Join(binaryDir, binaryName))
}

// Lint runs go vet, then golangci-lint.
func Lint() error {
	if err := sh.RunV(binGo, "vet", "./..."); err != nil {
		return err
	}
	return sh.RunV("golangci-lint", "run", "./...")
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV(binGo, "clean")
}
