package dispatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vaultline/internal/domain"
)

// ErrUnknownType means the sink was handed a request type it has no tag
// layout for. That is a programming fault, not a user error, and aborts the
// reconciliation run.
var ErrUnknownType = errors.New("unknown request type")

// WorkItemSink is where released requests go. Exists-then-Create is the
// reconciler's only concurrency guard, so an implementation with an atomic
// create-if-absent primitive may substitute one; the filesystem workspace
// below is not atomic, which is why reconciler runs must not overlap.
type WorkItemSink interface {
	Exists(ieid string) (bool, error)
	Create(ieid, reqType string, now time.Time) (string, error)
}

// Workspace is the filesystem sink: one directory per ieid, tagged under
// tags/ with the request type and creation timestamp.
type Workspace struct {
	Root     string
	DropPath string
}

func (w Workspace) path(ieid string) string {
	return filepath.Join(w.Root, ieid)
}

// Exists reports whether a work item directory is already present for ieid.
func (w Workspace) Exists(ieid string) (bool, error) {
	_, err := os.Stat(w.path(ieid))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Create builds the work item for ieid tagged with the request type.
func (w Workspace) Create(ieid, reqType string, now time.Time) (string, error) {
	path := w.path(ieid)
	tagsDir := filepath.Join(path, "tags")
	if err := os.MkdirAll(tagsDir, 0o755); err != nil {
		return "", err
	}
	stamp := now.UTC().Format(time.RFC3339)
	switch reqType {
	case domain.TypeDisseminate:
		if err := writeTag(tagsDir, "drop-path", w.DropPath); err != nil {
			return "", err
		}
		if err := writeTag(tagsDir, "dissemination-request", stamp); err != nil {
			return "", err
		}
	case domain.TypeWithdraw:
		if err := writeTag(tagsDir, "withdrawal-request", stamp); err != nil {
			return "", err
		}
	case domain.TypePeek:
		if err := writeTag(tagsDir, "peek-request", stamp); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownType, reqType)
	}
	return path, nil
}

func writeTag(tagsDir, key, value string) error {
	return os.WriteFile(filepath.Join(tagsDir, key), []byte(value+"\n"), 0o644)
}
