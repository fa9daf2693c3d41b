//go:build mage

// Tools for building and testing Scan.
package main

import (
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Builds the scand daemon into bin/.
func Build() error {
	mg.Deps(Vet)
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "build", "-o", "bin/scand", "./scand")
	return err
}

// Runs go vet over every package.
func Vet() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "vet", "./...")
	return err
}

// Runs all Scan tests.
// Tests are run with -race.
func Test() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "test", "./...", "-race", "-count=1")
	return err
}

// Removes build output.
func Clean() error {
	return sh.Rm("bin")
}
