package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// ReaderSHA1 hashes everything remaining in r.
func ReaderSHA1(r io.Reader) (string, error) {
	hash := sha1.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// CalculateFileCRC32 returns the IEEE CRC32 of a file as upper-case hex without padding.
func CalculateFileCRC32(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	defer file.Close()
	return ReaderCRC32(file)
}

// ReaderCRC32 is CalculateFileCRC32 over everything remaining in r.
func ReaderCRC32(r io.Reader) (string, error) {
	hash := crc32.NewIEEE()
	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	return fmt.Sprintf("%X", hash.Sum32()), nil
}
