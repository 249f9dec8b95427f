package chunk

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	maxKeyLength     = 255
	ordinalSeparator = "-"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-][A-Za-z0-9._\-]*$`)

// ValidateKey reports whether key can be used as a single path element under the
// upload root. Leading dots are reserved for temp files.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: key longer than %d bytes", ErrInvalidKey, maxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidKey, key)
	}
	return nil
}

// ParseOrdinal extracts the numeric ordinal after the last separator of a chunk key,
// e.g. "h-10" -> 10.
func ParseOrdinal(chunkKey string) (int, error) {
	idx := strings.LastIndex(chunkKey, ordinalSeparator)
	if idx == -1 || idx == len(chunkKey)-1 {
		return 0, fmt.Errorf("%w: %q has no ordinal", ErrInvalidKey, chunkKey)
	}
	raw := chunkKey[idx+1:]
	// strconv.Atoi would accept a sign.
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q has a non-numeric ordinal", ErrInvalidKey, chunkKey)
		}
	}
	ordinal, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q ordinal out of range", ErrInvalidKey, chunkKey)
	}
	return ordinal, nil
}

// SortByOrdinal orders chunks numerically by ordinal, so "k-9" precedes "k-10".
// Ties fall back to the key so the order is stable for a given directory state.
func SortByOrdinal(chunks []Info) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Ordinal != chunks[j].Ordinal {
			return chunks[i].Ordinal < chunks[j].Ordinal
		}
		return chunks[i].Key < chunks[j].Key
	})
}
