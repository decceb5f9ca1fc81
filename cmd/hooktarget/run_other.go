//go:build !windows

package main

import "github.com/pkg/errors"

func run() error {
	return errors.New("hooktarget calls kernel32 and only runs on Windows")
}
