package errors_test

import (
	"strings"
	"testing"

	"github.com/joe/transfer-queue/pkg/errors"
)

func TestSuggestionGenerator_Categories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		category errors.ErrorCategory
		path     string
		// any one of these must show up in at least one suggestion
		wantAny []string
	}{
		{"command", errors.CategoryCommand, "/data/old", []string{"rm -rf", "/data/old", "PATH"}},
		{"connection", errors.CategoryConnection, "", []string{"reachable", "credentials"}},
		{"copy", errors.CategoryCopy, "/source/file.txt", []string{"space", "Resubmit"}},
		{"delete", errors.CategoryDelete, "/path/to/directory", []string{"ls -la /path/to/directory", "empty"}},
		{"disk space", errors.CategoryDiskSpace, "/mnt/backup", []string{"df -h", "/mnt/backup"}},
		{"path", errors.CategoryPath, "/missing", []string{"Check if the path exists: /missing"}},
		{"permission", errors.CategoryPermission, "/root/secret", []string{"ls -la /root/secret"}},
		{"unknown", errors.CategoryUnknown, "", []string{"Check the error message"}},
		{"unrecognised", errors.ErrorCategory("bogus"), "", []string{"Check the error message"}},
	}

	gen := errors.NewSuggestionGenerator()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			suggestions := gen.Generate(tt.category, tt.path)
			if len(suggestions) == 0 {
				t.Fatalf("Generate(%s) returned no suggestions", tt.category)
			}

			if !anyContains(suggestions, tt.wantAny) {
				t.Errorf("Generate(%s, %q) = %v, want one of %v", tt.category, tt.path, suggestions, tt.wantAny)
			}
		})
	}
}

func TestSuggestionGenerator_EmptyPathNeverLeaksPlaceholders(t *testing.T) {
	t.Parallel()

	gen := errors.NewSuggestionGenerator()

	for _, category := range []errors.ErrorCategory{
		errors.CategoryCommand,
		errors.CategoryConnection,
		errors.CategoryCopy,
		errors.CategoryDelete,
		errors.CategoryDiskSpace,
		errors.CategoryPath,
		errors.CategoryPermission,
		errors.CategoryUnknown,
	} {
		for _, s := range gen.Generate(category, "") {
			if strings.Contains(s, "  ") || strings.HasSuffix(s, " ") || strings.HasSuffix(s, ": ") {
				t.Errorf("Generate(%s, \"\") produced a dangling suggestion %q", category, s)
			}
		}
	}
}

func anyContains(haystack, needles []string) bool {
	for _, h := range haystack {
		for _, n := range needles {
			if strings.Contains(h, n) {
				return true
			}
		}
	}

	return false
}
