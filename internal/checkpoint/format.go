package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/lamim/selfplay/pkg/models"
)

var (
	// ErrNotFound is returned when a checkpoint path does not resolve to a file
	ErrNotFound = errors.New("checkpoint not found")
	// ErrFormatMismatch is returned when the container does not match the requested backend
	ErrFormatMismatch = errors.New("checkpoint format mismatch")
)

var (
	zipMagic = []byte("PK\x03\x04")

	versionPattern = regexp.MustCompile(`^checkpoint_v(\d+)\.(zip|json)$`)
)

// ResolutionKind classifies the outcome of ResolveCheckpointPath
type ResolutionKind string

const (
	ResolutionSuccess        ResolutionKind = "success"
	ResolutionNotFound       ResolutionKind = "not_found"
	ResolutionFormatMismatch ResolutionKind = "format_mismatch"
)

// Resolution describes where a checkpoint lives and which backend can read it.
// Suggestion carries a corrective hint for NotFound and FormatMismatch.
type Resolution struct {
	Kind       ResolutionKind         `json:"kind"`
	Path       string                 `json:"path"`
	Format     models.ContainerFormat `json:"format"`
	Backend    models.Backend         `json:"backend"`
	Message    string                 `json:"message,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
}

// OK reports whether the checkpoint can be loaded
func (r Resolution) OK() bool {
	return r.Kind == ResolutionSuccess
}

// Err converts a failed resolution into an error wrapping ErrNotFound or ErrFormatMismatch
func (r Resolution) Err() error {
	switch r.Kind {
	case ResolutionSuccess:
		return nil
	case ResolutionNotFound:
		return fmt.Errorf("%w: %s (%s)", ErrNotFound, r.Message, r.Suggestion)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrFormatMismatch, r.Message, r.Suggestion)
	}
}

// BackendFor returns the backend able to read a container format
func BackendFor(f models.ContainerFormat) models.Backend {
	switch f {
	case models.FormatZip:
		return models.BackendArchive
	case models.FormatJSON:
		return models.BackendPlain
	}
	return models.BackendAuto
}

func extensionFor(b models.Backend) string {
	if b == models.BackendPlain {
		return "json"
	}
	return "zip"
}

// DetectFormat sniffs the container format from the file's leading bytes
func DetectFormat(path string) (models.ContainerFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return models.FormatUnknown, err
	}
	head = head[:n]

	if bytes.HasPrefix(head, zipMagic) {
		return models.FormatZip, nil
	}
	if trimmed := bytes.TrimLeft(head, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		return models.FormatJSON, nil
	}
	return models.FormatUnknown, nil
}

// ResolveCheckpointPath locates a checkpoint and checks it against the requested
// backend. A directory resolves to its highest version. BackendAuto accepts
// whichever backend the detected format needs.
func ResolveCheckpointPath(path string, requested models.Backend) Resolution {
	res := Resolution{Path: path, Format: models.FormatUnknown}

	info, err := os.Stat(path)
	if err != nil {
		res.Kind = ResolutionNotFound
		res.Message = fmt.Sprintf("no checkpoint at %s", path)
		res.Suggestion = "check the path or run 'selfplay checkpoint list' to see available versions"
		return res
	}

	if info.IsDir() {
		versions, err := scanVersions(path)
		if err != nil || len(versions) == 0 {
			res.Kind = ResolutionNotFound
			res.Message = fmt.Sprintf("directory %s contains no checkpoint files", path)
			res.Suggestion = "point at a checkpoint_vNNNN file or a directory written by a training session"
			return res
		}
		res.Path = versions[len(versions)-1].path
	}

	format, err := DetectFormat(res.Path)
	if err != nil {
		res.Kind = ResolutionNotFound
		res.Message = fmt.Sprintf("failed to read %s: %v", res.Path, err)
		res.Suggestion = "check file permissions"
		return res
	}
	res.Format = format
	res.Backend = BackendFor(format)

	if format == models.FormatUnknown {
		res.Kind = ResolutionFormatMismatch
		res.Message = fmt.Sprintf("%s is neither a zip archive nor a JSON document", res.Path)
		res.Suggestion = "the file is not a checkpoint container; it may be truncated or written by another tool"
		return res
	}

	if requested != models.BackendAuto && requested != res.Backend {
		res.Kind = ResolutionFormatMismatch
		res.Message = fmt.Sprintf("%s is a %s container but the %s backend was requested", res.Path, format, requested)
		res.Suggestion = fmt.Sprintf("use backend %q or omit the backend to detect it", res.Backend)
		return res
	}

	res.Kind = ResolutionSuccess
	return res
}

type versionFile struct {
	version int
	path    string
}

// scanVersions lists checkpoint_vNNNN files in dir, sorted by version
func scanVersions(dir string) ([]versionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []versionFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := versionPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, versionFile{version: v, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
