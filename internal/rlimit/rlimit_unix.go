//go:build linux || darwin

package rlimit

import "golang.org/x/sys/unix"

func raiseNoFile() (before, after uint64, err error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, 0, err
	}
	before = rlim.Cur
	if rlim.Cur >= rlim.Max {
		return before, before, nil
	}

	rlim.Cur = rlim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return before, before, err
	}
	return before, rlim.Cur, nil
}
