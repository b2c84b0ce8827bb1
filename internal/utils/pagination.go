// Package utils holds small helpers shared by the HTTP handlers and the
// services, independent of the chat domain.
package utils

import "strconv"

// Page bounds applied to list endpoints.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParsePage reads raw page and page_size values. page is at least 1 and
// size lies within [1, MaxPageSize]; missing or malformed values default.
func ParsePage(rawPage, rawSize string) (page, size int) {
	page = AtoiDefault(rawPage, 1)
	if page < 1 {
		page = 1
	}
	size = AtoiDefault(rawSize, DefaultPageSize)
	return page, ClampSize(size)
}

// ClampSize bounds a page size to [1, MaxPageSize].
func ClampSize(size int) int {
	switch {
	case size < 1:
		return 1
	case size > MaxPageSize:
		return MaxPageSize
	}
	return size
}

// Offset is the number of rows skipped before page (1-based).
func Offset(page, size int) int {
	if page < 1 {
		return 0
	}
	return (page - 1) * size
}

// TotalPages is ceil(total / size); zero when size is not positive.
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
