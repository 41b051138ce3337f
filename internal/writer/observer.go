package writer

// Observer receives notifications about file lifecycle events. Methods are
// called from the writer goroutine, or from a background silence check, and
// must not block.
type Observer interface {
	FileOpened(path string)
	FileFinalized(path string)
	FileDeleted(path string)
	FramesWritten(n int)
	Rotated()
	DiskStopped()
}

type nopObserver struct{}

func (nopObserver) FileOpened(string)    {}
func (nopObserver) FileFinalized(string) {}
func (nopObserver) FileDeleted(string)   {}
func (nopObserver) FramesWritten(int)    {}
func (nopObserver) Rotated()             {}
func (nopObserver) DiskStopped()         {}
