// Package archive stores signed documents fetched from the e-signature provider.
package archive

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"

	"pledgeline/internal/domain"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

type Archive struct {
	FS  afero.Fs
	Dir string
}

// New returns an archive rooted at dir on the OS filesystem.
func New(dir string) Archive {
	return Archive{FS: afero.NewOsFs(), Dir: dir}
}

// Path is where the signed document of a task's envelope is stored.
func (a Archive) Path(owner domain.Owner, taskID, envelopeID string) string {
	return filepath.Join(a.Dir, string(owner.Kind), clean(owner.ID), clean(taskID)+"-"+clean(envelopeID)+".pdf")
}

// Save writes data and returns the stored path. An existing file is replaced.
func (a Archive) Save(owner domain.Owner, taskID, envelopeID string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("archive %s: empty document", envelopeID)
	}
	path := a.Path(owner, taskID, envelopeID)
	if err := a.FS.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := afero.WriteFile(a.FS, path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (a Archive) Exists(owner domain.Owner, taskID, envelopeID string) (bool, error) {
	return afero.Exists(a.FS, a.Path(owner, taskID, envelopeID))
}

func clean(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}
