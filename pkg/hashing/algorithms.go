// Package hashing computes image and file hashes of archives, archive pages and
// gallery thumbnails, caching every result.
package hashing

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// Algorithm names.
const (
	AlgPHash = "phash"
	AlgAHash = "ahash"
	AlgDHash = "dhash"
	AlgSHA1  = "sha1"
	AlgCRC32 = "crc32"
)

var imageHashFuncs = map[string]func(image.Image) (string, error){
	AlgPHash: PHash,
	AlgAHash: AHash,
	AlgDHash: DHash,
}

var fileHashFuncs = map[string]func(io.Reader) (string, error){
	AlgSHA1:  utils.ReaderSHA1,
	AlgCRC32: utils.ReaderCRC32,
}

// IsImageAlgorithm reports whether alg hashes decoded pixels.
func IsImageAlgorithm(alg string) bool {
	_, ok := imageHashFuncs[alg]
	return ok
}

// Supported reports whether alg is a known image or file algorithm.
func Supported(alg string) bool {
	if IsImageAlgorithm(alg) {
		return true
	}
	_, ok := fileHashFuncs[alg]
	return ok
}

// FilterSupported keeps known algorithms in order, dropping duplicates, and
// returns the unknown names separately.
func FilterSupported(algorithms []string) (known, unknown []string) {
	seen := make(map[string]bool, len(algorithms))
	for _, alg := range algorithms {
		if seen[alg] {
			continue
		}
		seen[alg] = true
		if Supported(alg) {
			known = append(known, alg)
		} else {
			unknown = append(unknown, alg)
		}
	}
	return known, unknown
}

// Hash computes alg over the content of r. Image algorithms return "null" for
// content that does not decode as an image.
func Hash(alg string, r io.Reader) (string, error) {
	if fn, ok := imageHashFuncs[alg]; ok {
		img, err := decodeImage(r)
		if errors.Is(err, utils.ErrImageDecode) {
			return models.NullHash, nil
		}
		if err != nil {
			return "", err
		}
		return fn(img)
	}
	if fn, ok := fileHashFuncs[alg]; ok {
		return fn(r)
	}
	return "", fmt.Errorf("%w: %s", utils.ErrUnsupportedAlgorithm, alg)
}

// HashBytes computes several algorithms over one buffer, decoding it at most once.
func HashBytes(algorithms []string, data []byte) (map[string]string, error) {
	out := make(map[string]string, len(algorithms))
	var img image.Image
	decoded := false
	for _, alg := range algorithms {
		if fn, ok := imageHashFuncs[alg]; ok {
			if !decoded {
				decoded = true
				var err error
				if img, err = decodeImage(bytes.NewReader(data)); err != nil && !errors.Is(err, utils.ErrImageDecode) {
					return nil, err
				}
			}
			if img == nil {
				out[alg] = models.NullHash
				continue
			}
			sum, err := fn(img)
			if err != nil {
				return nil, err
			}
			out[alg] = sum
			continue
		}
		fn, ok := fileHashFuncs[alg]
		if !ok {
			return nil, fmt.Errorf("%w: %s", utils.ErrUnsupportedAlgorithm, alg)
		}
		sum, err := fn(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		out[alg] = sum
	}
	return out, nil
}
