//go:build !windows

package main

import "github.com/pkg/errors"

func run() error {
	return errors.New("hooktiller inspects Windows processes and only runs on Windows")
}
