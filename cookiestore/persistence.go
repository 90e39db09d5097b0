package cookiestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
)

// tryLoadFromBackup attempts to load cookies from a backup file
func tryLoadFromBackup(backupPath string) (*jarFile, error) {
	backupData, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"backupPath": backupPath,
	}).Info("Attempting to recover cookies from backup file")

	file := &jarFile{}
	if err := yaml.Unmarshal(backupData, file); err != nil {
		log.WithError(err).Error("Backup cookie file also corrupted, starting with empty jar")
		return nil, fmt.Errorf("both main and backup cookie files corrupted: %w", err)
	}

	log.Info("Successfully recovered cookies from backup file")
	return file, nil
}

// loadFile reads the cookie file, falling back to the backup copy when the main
// file cannot be decoded.
func loadFile(dir, filename string) (*jarFile, error) {
	cleanupOrphanedTempFiles(dir, filename)

	filePath := filepath.Join(dir, filename)
	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		log.WithFields(log.Fields{
			"path": filePath,
		}).Debug("No cookie file yet, starting with empty jar")
		return &jarFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie file: %w", err)
	}

	file := &jarFile{}
	if err := yaml.Unmarshal(data, file); err != nil {
		log.WithError(err).Warn("Failed to unmarshal cookie file, attempting backup recovery")
		if backup, backupErr := tryLoadFromBackup(filePath + ".backup"); backupErr == nil {
			return backup, nil
		}
		return nil, fmt.Errorf("failed to unmarshal cookies: %w", err)
	}

	return file, nil
}

// ensureDirectoryWritable ensures the directory exists and is a directory
func ensureDirectoryWritable(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create cookie directory: %w", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat cookie directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cookie directory path is not a directory: %s", dir)
	}

	return nil
}

// createBackupIfExists copies the main file aside before it is replaced
func createBackupIfExists(filePath string) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}

	if err := os.WriteFile(filePath+".backup", data, 0600); err != nil {
		log.WithError(err).Warn("Failed to create cookie backup before write")
	}
}

// performAtomicWrite writes to a temp file and renames it over the target
func performAtomicWrite(tempPath, filePath string, data []byte) error {
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		if isDiskSpaceError(err) {
			return fmt.Errorf("insufficient disk space to write cookie file (required: ~%d bytes): %w", len(data), err)
		}
		return fmt.Errorf("failed to write temporary cookie file: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary cookie file: %w", err)
	}

	return nil
}

func saveFile(dir, filename string, file *jarFile) error {
	if err := ensureDirectoryWritable(dir); err != nil {
		return err
	}

	out, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to marshal cookies: %w", err)
	}

	filePath := filepath.Join(dir, filename)
	createBackupIfExists(filePath)

	return performAtomicWrite(filePath+".tmp", filePath, out)
}

// cleanupOrphanedTempFiles removes .tmp files left behind by a crash mid-write
func cleanupOrphanedTempFiles(dir, filename string) {
	tempPath := filepath.Join(dir, filename) + ".tmp"

	info, err := os.Stat(tempPath)
	if err != nil {
		return
	}

	age := time.Since(info.ModTime())
	if age <= time.Hour {
		log.WithFields(log.Fields{
			"tempPath": tempPath,
			"age":      age,
		}).Debug("Found recent temporary cookie file, leaving it")
		return
	}

	log.WithFields(log.Fields{
		"tempPath": tempPath,
		"age":      age,
	}).Warn("Removing orphaned temporary cookie file from previous crash")

	if err := os.Remove(tempPath); err != nil {
		log.WithError(err).Warn("Failed to remove orphaned temporary cookie file")
	}
}

func isDiskSpaceError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space") ||
		strings.Contains(errStr, "enospc") ||
		strings.Contains(errStr, "not enough space") ||
		strings.Contains(errStr, "disk full")
}
