//go:build linux

package reactor

import "golang.org/x/sys/unix"

// createWakeFD creates an eventfd. A single fd serves as both ends:
// writing increments the kernel counter, reading drains it.
func createWakeFD() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}

func closeWakeFD(readFd, writeFd int) {
	_ = unix.Close(readFd)
}

func drainWakeFD(readFd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(readFd, buf[:]); err != nil {
			return
		}
	}
}

func signalWakeFD(writeFd int) error {
	var one [8]byte
	one[7] = 1
	_, err := unix.Write(writeFd, one[:])
	if err == unix.EAGAIN {
		// Counter already non-zero: a wakeup is already pending.
		return nil
	}
	return err
}
