//go:build windows

package procctl

import "golang.org/x/sys/windows"

// winSemaphore is the Windows wake primitive. Unlike the POSIX self-pipe
// there is no file descriptor to multiplex: a counting semaphore plays the
// same role, incremented by signal and waited on by wait.
type winSemaphore struct {
	handle windows.Handle
}

// maxSemaphoreCount bounds outstanding un-drained signals. The Notifier's
// own pending counter is authoritative; this only needs to be large enough
// that ReleaseSemaphore never fails under normal operation.
const maxSemaphoreCount = 1 << 20

func newWakePrimitive() (wakePrimitive, error) {
	h, err := windows.CreateSemaphore(nil, 0, maxSemaphoreCount, nil)
	if err != nil {
		return nil, err
	}
	return &winSemaphore{handle: h}, nil
}

func (w *winSemaphore) signal() {
	_ = windows.ReleaseSemaphore(w.handle, 1, nil)
}

func (w *winSemaphore) wait() error {
	_, err := windows.WaitForSingleObject(w.handle, windows.INFINITE)
	return err
}

// drain brings the semaphore count back to zero without blocking, by
// repeatedly waiting with a zero timeout until it would block.
func (w *winSemaphore) drain() {
	for {
		event, err := windows.WaitForSingleObject(w.handle, 0)
		if err != nil || event == windows.WAIT_TIMEOUT {
			return
		}
	}
}

func (w *winSemaphore) close() error {
	return windows.CloseHandle(w.handle)
}
