// Package checkbackup implements the check driver's step 0: when a
// backup path is supplied and repair is enabled (and the session is not
// a dry run), the entire source image is copied there before any other
// step runs.
package checkbackup

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/ryspol/pmpool/internal/checkdriver"
	"github.com/ryspol/pmpool/internal/pmlayout"
)

// Step returns the backup step, which runs for every pool type
// including raw BTT devices.
func Step(sourcePath string) checkdriver.Step {
	return checkdriver.Step{
		Name: "backup",
		Applies: func(t pmlayout.PoolType, isBTTDevice bool) bool { return true },
		Check: func(s *checkdriver.Session) error {
			if s.Args.BackupPath == "" || !s.Args.Repair || s.Args.DryRun {
				return nil
			}
			return copyFile(sourcePath, s.Args.BackupPath)
		},
		Fix: func(s *checkdriver.Session) error { return nil },
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "checkbackup: open source")
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return errors.Wrap(err, "checkbackup: stat source")
	}

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, fi.Mode())
	if err != nil {
		return errors.Wrap(err, "checkbackup: create backup")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrap(err, "checkbackup: copy backup")
	}
	return nil
}
