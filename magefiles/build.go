//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Compiles the engine and the example binary.
func (Build) Engine() error {
	if _, err := executeCmd("go", withArgs("build", "./..."), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the full test suite.
func (Build) Test() error {
	if _, err := executeCmd("go", withArgs("test", "./..."), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the test suite with the debug assertions compiled in.
func (Build) TestDebug() error {
	if _, err := executeCmd("go", withArgs("test", "-tags", "debug", "./..."), withStream()); err != nil {
		return err
	}
	return nil
}
