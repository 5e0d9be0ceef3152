//go:build darwin

package reactor

import "golang.org/x/sys/unix"

// createWakeFD creates a self-pipe (Darwin has no eventfd equivalent).
func createWakeFD() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return -1, -1, err
		}
	}
	return fds[0], fds[1], nil
}

func closeWakeFD(readFd, writeFd int) {
	_ = unix.Close(readFd)
	if writeFd != readFd {
		_ = unix.Close(writeFd)
	}
}

func drainWakeFD(readFd int) {
	var buf [64]byte
	for {
		if _, err := unix.Read(readFd, buf[:]); err != nil {
			return
		}
	}
}

func signalWakeFD(writeFd int) error {
	_, err := unix.Write(writeFd, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}
