/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"os"
	"path/filepath"
)

// CreateFile creates (or truncates) filepath, making parent directories as
// needed, matching the teacher's cmn/jsp helper of the same name.
func CreateFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

// FlushClose syncs file to disk before closing it so callers can rely on
// durability the instant this returns.
func FlushClose(file *os.File) error {
	errSync := file.Sync()
	errClose := file.Close()
	if errSync != nil {
		return errSync
	}
	return errClose
}

func Close(file *os.File) {
	_ = file.Close()
}

func RemoveFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
