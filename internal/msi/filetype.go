package msi

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FileType is the kind of file determined from its content.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeDatabase
	FileTypePatch
	FileTypeTransform
	FileTypePatchXML
)

func (t FileType) String() string {
	switch t {
	case FileTypeDatabase:
		return "database"
	case FileTypePatch:
		return "patch"
	case FileTypeTransform:
		return "transform"
	case FileTypePatchXML:
		return "patch-xml"
	default:
		return "unknown"
	}
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// maxProbeSize bounds how much of a text document is read to classify it.
const maxProbeSize = 4 << 20

// DetectFileType inspects the content of path; the file extension is ignored.
// Text documents larger than maxProbeSize are reported as FileTypeUnknown.
func DetectFileType(path string) (FileType, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileTypeUnknown, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return FileTypeUnknown, fmt.Errorf("read %s: %w", path, err)
	}

	if bytes.Equal(head, zstdMagic) {
		if _, err := readManifest(br); err != nil {
			return FileTypeUnknown, nil
		}
		return FileTypePatch, nil
	}

	data, err := io.ReadAll(io.LimitReader(br, maxProbeSize+1))
	if err != nil {
		return FileTypeUnknown, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxProbeSize {
		return FileTypeUnknown, nil
	}

	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("<")) {
		if _, err := ReadPatchXML(bytes.NewReader(data)); err == nil {
			return FileTypePatchXML, nil
		}
		return FileTypeUnknown, nil
	}

	var probe struct {
		Tables map[string]yaml.Node `yaml:"tables"`
		Ops    []yaml.Node          `yaml:"ops"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return FileTypeUnknown, nil
	}
	switch {
	case probe.Tables != nil:
		return FileTypeDatabase, nil
	case probe.Ops != nil:
		return FileTypeTransform, nil
	}
	return FileTypeUnknown, nil
}

// IsPatch reports whether the content of path identifies a patch package.
func IsPatch(path string) bool {
	t, err := DetectFileType(path)
	return err == nil && t == FileTypePatch
}
