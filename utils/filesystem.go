package utils // import "github.com/cyberpedia/orchestrator/utils"

import (
	"context"
	"errors"
	"os"
	"path"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForFileCreation blocks until the provided filename is created in the
// provided directory, or the timeout duration elapses. If the target file is
// created in time, a nil error is returned. If the timeout elapses, a
// context.DeadlineExceeded error is returned. In any other case, a non-nil
// error is returned explaining what went wrong.
//
// We use this to wait for the Firecracker jailer to create its API socket
// inside the chroot before talking to the machine. For maximum correctness,
// we require that any paths passed in are absolute.
func WaitForFileCreation(absParentDirectory, fileName string, timeout time.Duration) error {
	if !path.IsAbs(absParentDirectory) {
		return MakeError("can't pass non-absolute path %q into WaitForFileCreation", absParentDirectory)
	}
	targetFileName := path.Join(absParentDirectory, fileName)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return MakeError("couldn't create filesystem watcher: %s", err)
	}
	defer watcher.Close()

	if err := watcher.Add(absParentDirectory); err != nil {
		return MakeError("couldn't add %s to filesystem watcher: %s", absParentDirectory, err)
	}

	// The file might have been created between the caller deciding to wait
	// and the watch being established, so check once before blocking.
	if _, err := os.Stat(targetFileName); err == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer StopAndDrainTimer(timer)

	for {
		select {
		case <-timer.C:
			return context.DeadlineExceeded

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("filesystem watcher event channel closed unexpectedly")
			}
			if event.Op&fsnotify.Create == fsnotify.Create && event.Name == targetFileName {
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("filesystem watcher error channel closed unexpectedly")
			}
			return MakeError("filesystem watcher returned error: %s", err)
		}
	}
}
