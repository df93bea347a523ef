package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
)

// Transfer moves a sealed unit directory into dst's root and registers it
// there. The source forgets the unit before the move and takes it back if
// the move fails, so the unit is tracked by exactly one backend at a time.
func (b *Backend) Transfer(u batch.Unit, dst batch.Backend) (batch.Unit, error) {
	target, ok := dst.(*Backend)
	src, isFile := u.(*Unit)
	if !ok || !isFile || src.backend != b {
		return nil, batch.ErrTransferUnsupported
	}
	if target == b || filepath.Clean(target.Dir()) == filepath.Clean(b.Dir()) {
		return nil, batch.ErrTransferUnsupported
	}
	if !src.Sealed() {
		return nil, fmt.Errorf("transfer %s: %w", src.id, errNotSealed)
	}

	dstDir := target.unitDir(src.id)
	if _, err := os.Stat(dstDir); err == nil {
		return nil, batch.ErrUnitExists
	}

	if err := b.disown(src); err != nil {
		return nil, err
	}
	if err := src.closeFile(); err != nil {
		b.reown(src)
		return nil, err
	}

	if err := os.MkdirAll(target.Dir(), 0o750); err != nil {
		b.reown(src)
		return nil, err
	}
	if err := MoveDir(src.dir, dstDir); err != nil {
		_ = os.RemoveAll(dstDir)
		b.reown(src)
		return nil, fmt.Errorf("move unit %s: %w", src.id, err)
	}

	adopted, err := target.adopt(src.id)
	if err != nil {
		if backErr := MoveDir(dstDir, src.dir); backErr != nil {
			b.logger.Error("failed to move unit back after adopt failure",
				"unit", src.id.String(), "dir", dstDir, "error", backErr)
			return nil, errors.Join(err, backErr)
		}
		b.reown(src)
		return nil, err
	}

	b.logger.Info("unit transferred", "unit", src.id.String(), "to", target.Dir())
	return adopted, nil
}

func (b *Backend) reown(u *Unit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.units != nil {
		b.units[u.id] = u
	}
}

// MoveDir moves a directory from src to dst.
// It first attempts os.Rename (atomic on same filesystem).
// If that fails with EXDEV (cross-device), it falls back to recursive copy + remove.
func MoveDir(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		if err := copyDir(src, dst); err != nil {
			return fmt.Errorf("copy dir: %w", err)
		}
		return os.RemoveAll(src)
	}

	return err
}

func copyDir(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, srcInfo.Mode()); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			err = copyDir(srcPath, dstPath)
		} else {
			err = copyFile(srcPath, dstPath)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = srcFile.Close() }()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}
	dstFile, err := os.OpenFile(filepath.Clean(dst), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode())
	if err != nil {
		return err
	}
	defer func() { _ = dstFile.Close() }()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	return dstFile.Sync()
}
