//go:build !windows

package procctl

import (
	"os"

	"golang.org/x/sys/unix"
)

// selfPipe is the POSIX wake primitive: a pipe whose read end is the
// waitable object. Each note writes one byte; drain reads until empty.
type selfPipe struct {
	r, w *os.File
	// rfd is the read end's raw descriptor, made non-blocking once at
	// construction. (*os.File).Fd is not called on r again because it
	// switches the descriptor back to blocking mode.
	rfd int
}

func newWakePrimitive() (wakePrimitive, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	rfd := int(r.Fd())
	if err := unix.SetNonblock(rfd, true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	return &selfPipe{r: r, w: w, rfd: rfd}, nil
}

func (p *selfPipe) signal() {
	var b [1]byte
	_, _ = p.w.Write(b[:])
}

func (p *selfPipe) wait() error {
	fds := []unix.PollFd{{Fd: int32(p.rfd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

func (p *selfPipe) drain() {
	// Raw reads return EAGAIN once the pipe is empty; os.File.Read would
	// park in the runtime poller instead.
	var buf [64]byte
	for {
		n, err := unix.Read(p.rfd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *selfPipe) close() error {
	err1 := p.r.Close()
	err2 := p.w.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Fd returns the read end's file descriptor, for multiplexing into an
// external epoll/kqueue/select loop.
func (p *selfPipe) Fd() int { return p.rfd }
