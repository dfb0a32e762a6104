// Package common contains filesystem and cleanup helpers shared by the urnago
// packages and commands.
package common

import (
	"io"
	"os"

	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
)

var Logger *logrus.Logger = logrus.StandardLogger()

// Close closes the closer, logging a failure instead of returning it. For
// defer statements where the error has nowhere to go.
func Close(closer io.Closer) {
	if err := closer.Close(); err != nil {
		Logger.Warn("failed to close: ", err.Error())
	}
}

// PathExists checks if the specified path exists.
func PathExists(path string) (bool, error) {
	_, exists, err := Stat(path)
	return exists, err
}

func Stat(path string) (os.FileInfo, bool, error) {
	info, err := os.Lstat(path)
	if err == nil {
		return info, true, nil
	}
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	return nil, false, errors.Wrap(err, 0)
}

// EnsureDirectoryExists creates path and its parents if absent.
func EnsureDirectoryExists(path string) error {
	info, exists, err := Stat(path)
	if err != nil {
		return err
	}
	if exists {
		if !info.IsDir() {
			return errors.Errorf("path %s exists but is not a directory", path)
		}
		return nil
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}
