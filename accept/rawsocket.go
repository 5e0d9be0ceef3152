package accept

import "golang.org/x/sys/unix"

// rawSocket adapts a raw nonblocking file descriptor to conn.Reader.
type rawSocket struct {
	fd int
}

func (s *rawSocket) Read(buf []byte) (int, error) {
	return unix.Read(s.fd, buf)
}

func (s *rawSocket) Write(buf []byte) (int, error) {
	return unix.Write(s.fd, buf)
}

func (s *rawSocket) Close() error {
	return unix.Close(s.fd)
}
