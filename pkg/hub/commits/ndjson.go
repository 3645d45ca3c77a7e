package commits

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
	"github.com/kohakuhub/kohakuhub/pkg/lfs"
)

const (
	// maxLineBytes caps one NDJSON line. Inline content arrives base64
	// inside the line, so this bounds inline files to roughly 75 MiB;
	// anything bigger belongs in LFS anyway.
	maxLineBytes = 100 << 20

	// scanBufBytes is the scanner's initial buffer.
	scanBufBytes = 1 << 20
)

// OpKind names a commit operation.
type OpKind string

const (
	OpFile          OpKind = "file"
	OpLFSFile       OpKind = "lfsFile"
	OpDeletedFile   OpKind = "deletedFile"
	OpDeletedFolder OpKind = "deletedFolder"
	OpCopyFile      OpKind = "copyFile"
)

// Header is the first NDJSON line of every commit request.
type Header struct {
	Summary      string `json:"summary"`
	Description  string `json:"description"`
	ParentCommit string `json:"parentCommit,omitempty"`
}

// Operation is one parsed line after the header. Which fields are set
// depends on Kind.
type Operation struct {
	Kind OpKind
	Path string

	// Content holds decoded inline bytes (OpFile).
	Content []byte

	// OID and Size describe an already-uploaded LFS object (OpLFSFile).
	OID  string
	Size int64

	// SrcPath and SrcRevision locate the copy source (OpCopyFile). An
	// empty SrcRevision means the target branch.
	SrcPath     string
	SrcRevision string
}

// Request is a fully parsed commit request.
type Request struct {
	Header Header
	Ops    []Operation
}

// rawLine is the wire shape of every NDJSON line.
type rawLine struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// ParseRequest reads an NDJSON commit stream: a single header line
// first, then any number of operation lines, each shaped
// {"key": "<op>", "value": {...}}. Blank lines are skipped.
func ParseRequest(r io.Reader) (*Request, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, scanBufBytes), maxLineBytes)

	req := &Request{}
	sawHeader := false
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var raw rawLine
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, fmt.Errorf("%w: line %d is not valid JSON", models.ErrBadRequest, lineNo)
		}

		if !sawHeader {
			if raw.Key != "header" {
				return nil, fmt.Errorf("%w: first line must be the commit header, got %q", models.ErrBadRequest, raw.Key)
			}
			if err := json.Unmarshal(raw.Value, &req.Header); err != nil {
				return nil, fmt.Errorf("%w: malformed commit header", models.ErrBadRequest)
			}
			sawHeader = true
			continue
		}

		op, err := parseOperation(raw, lineNo)
		if err != nil {
			return nil, err
		}
		req.Ops = append(req.Ops, *op)
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("%w: operation line exceeds %d bytes", models.ErrBadRequest, maxLineBytes)
		}
		return nil, err
	}
	if !sawHeader {
		return nil, fmt.Errorf("%w: empty commit request", models.ErrBadRequest)
	}
	return req, nil
}

func parseOperation(raw rawLine, lineNo int) (*Operation, error) {
	switch OpKind(raw.Key) {
	case "header":
		return nil, fmt.Errorf("%w: line %d: a commit carries exactly one header", models.ErrBadRequest, lineNo)

	case OpFile:
		var v struct {
			Path     string `json:"path"`
			Content  string `json:"content"`
			Encoding string `json:"encoding"`
			Size     *int64 `json:"size"`
			SHA256   string `json:"sha256"`
		}
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return nil, lineErr(lineNo, "malformed file operation")
		}
		if err := validatePath(v.Path); err != nil {
			return nil, lineErr(lineNo, err.Error())
		}
		if v.Encoding != "" && v.Encoding != "base64" {
			return nil, lineErr(lineNo, fmt.Sprintf("unsupported encoding %q", v.Encoding))
		}
		content, err := base64.StdEncoding.DecodeString(v.Content)
		if err != nil {
			return nil, lineErr(lineNo, "content is not valid base64")
		}
		if v.Size != nil && *v.Size != int64(len(content)) {
			return nil, lineErr(lineNo, fmt.Sprintf("declared size %d does not match %d content bytes", *v.Size, len(content)))
		}
		if v.SHA256 != "" {
			sum := sha256.Sum256(content)
			if hex.EncodeToString(sum[:]) != strings.ToLower(v.SHA256) {
				return nil, lineErr(lineNo, fmt.Sprintf("declared sha256 does not match content for %q", v.Path))
			}
		}
		return &Operation{Kind: OpFile, Path: v.Path, Content: content}, nil

	case OpLFSFile:
		var v struct {
			Path string `json:"path"`
			Algo string `json:"algo"`
			OID  string `json:"oid"`
			Size int64  `json:"size"`
		}
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return nil, lineErr(lineNo, "malformed lfsFile operation")
		}
		if err := validatePath(v.Path); err != nil {
			return nil, lineErr(lineNo, err.Error())
		}
		if v.Algo != "" && v.Algo != "sha256" {
			return nil, lineErr(lineNo, fmt.Sprintf("unsupported hash algo %q", v.Algo))
		}
		if !lfs.ValidOID(v.OID) {
			return nil, lineErr(lineNo, fmt.Sprintf("oid %q is not a sha256 hex digest", v.OID))
		}
		if v.Size < 0 {
			return nil, lineErr(lineNo, "size must be non-negative")
		}
		return &Operation{Kind: OpLFSFile, Path: v.Path, OID: v.OID, Size: v.Size}, nil

	case OpDeletedFile:
		var v struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return nil, lineErr(lineNo, "malformed deletedFile operation")
		}
		if err := validatePath(v.Path); err != nil {
			return nil, lineErr(lineNo, err.Error())
		}
		return &Operation{Kind: OpDeletedFile, Path: v.Path}, nil

	case OpDeletedFolder:
		var v struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return nil, lineErr(lineNo, "malformed deletedFolder operation")
		}
		prefix := strings.TrimSuffix(v.Path, "/")
		if err := validatePath(prefix); err != nil {
			return nil, lineErr(lineNo, err.Error())
		}
		return &Operation{Kind: OpDeletedFolder, Path: prefix}, nil

	case OpCopyFile:
		var v struct {
			Path        string `json:"path"`
			SrcPath     string `json:"srcPath"`
			SrcRevision string `json:"srcRevision"`
		}
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return nil, lineErr(lineNo, "malformed copyFile operation")
		}
		if err := validatePath(v.Path); err != nil {
			return nil, lineErr(lineNo, err.Error())
		}
		if err := validatePath(v.SrcPath); err != nil {
			return nil, lineErr(lineNo, err.Error())
		}
		return &Operation{Kind: OpCopyFile, Path: v.Path, SrcPath: v.SrcPath, SrcRevision: v.SrcRevision}, nil

	default:
		return nil, lineErr(lineNo, fmt.Sprintf("unknown operation %q", raw.Key))
	}
}

func lineErr(lineNo int, msg string) error {
	return fmt.Errorf("%w: line %d: %s", models.ErrBadRequest, lineNo, msg)
}

// validatePath rejects empty, absolute, and traversal paths.
func validatePath(p string) error {
	if p == "" {
		return errors.New("path is empty")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q must be relative", p)
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("path %q contains a NUL byte", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("path %q has an empty or traversal segment", p)
		}
	}
	return nil
}
