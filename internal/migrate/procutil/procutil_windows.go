//go:build windows

package procutil

import "os"

// PIDAlive reports whether a process with the given pid exists. Windows has
// no zombie state; FindProcess succeeding is the best signal available.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}

func PIDZombie(int) bool { return false }
