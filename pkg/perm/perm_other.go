//go:build !linux

package perm

func SetGroupDir(string) error { return nil }

func SetGroupReadable(string) error { return nil }

func SetGroupSocket(string) error { return nil }
