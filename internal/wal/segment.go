package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lfkvdb/lfkv/internal/ferrors"
)

// segmentHeaderSize is the fixed 16-byte header written at the start of
// every segment file: id(u64) + firstLSN(u64).
const segmentHeaderSize = 16

type segment struct {
	id       uint64
	firstLSN uint64
	path     string
	file     *os.File
	size     int64
}

func segmentName(id uint64) string {
	return fmt.Sprintf("%020d.wal", id)
}

func openSegment(dir string, id, firstLSN uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create wal segment: %v", ferrors.IoError, err)
	}
	hdr := make([]byte, segmentHeaderSize)
	binary.LittleEndian.PutUint64(hdr[0:8], id)
	binary.LittleEndian.PutUint64(hdr[8:16], firstLSN)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write wal segment header: %v", ferrors.IoError, err)
	}
	return &segment{id: id, firstLSN: firstLSN, path: path, file: f, size: segmentHeaderSize}, nil
}

func (s *segment) append(buf []byte) error {
	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("%w: append wal record: %v", ferrors.IoError, err)
	}
	s.size += int64(len(buf))
	return nil
}

func (s *segment) sync() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync wal segment: %v", ferrors.IoError, err)
	}
	return nil
}

func (s *segment) close() error {
	return s.file.Close()
}

// listSegments returns every *.wal file under dir sorted by ascending id.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list wal dir: %v", ferrors.IoError, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

func segmentIDFromName(name string) (uint64, error) {
	base := strings.TrimSuffix(filepath.Base(name), ".wal")
	id, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed wal segment name %q", ferrors.Corrupt, name)
	}
	return id, nil
}

func readSegmentHeader(f *os.File) (id, firstLSN uint64, err error) {
	hdr := make([]byte, segmentHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return 0, 0, fmt.Errorf("%w: read wal segment header: %v", ferrors.Corrupt, err)
	}
	return binary.LittleEndian.Uint64(hdr[0:8]), binary.LittleEndian.Uint64(hdr[8:16]), nil
}
