// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/auditlog/protocol"
)

const (
	incomingDirectory = "incoming"
	outgoingDirectory = "outgoing"
	corruptDirectory  = "corrupt"

	digestSuffix = ".sum"
	namePrefix   = "journal-"
)

// ErrCorrupt is returned by OpenReplay when a journal's contents do not
// match its sealed digest, or the digest file is missing or malformed.
var ErrCorrupt = errors.New("journal digest mismatch")

// digestKey domain-separates journal digests from any other BLAKE3 use.
var digestKey = [32]byte{
	'a', 'u', 'd', 'i', 't', 'l', 'o', 'g', '.', 'j', 'o', 'u', 'r', 'n', 'a', 'l',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

func newHasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("journal: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

// Store is a spool directory.
type Store struct {
	root string
}

// Open creates the spool subdirectories under root if needed.
func Open(root string) (*Store, error) {
	for _, name := range []string{incomingDirectory, outgoingDirectory, corruptDirectory} {
		if err := os.MkdirAll(filepath.Join(root, name), 0700); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the spool directory.
func (s *Store) Root() string { return s.root }

// Create opens a new empty journal in incoming/.
func (s *Store) Create() (*Journal, error) {
	file, err := os.CreateTemp(filepath.Join(s.root, incomingDirectory), namePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating journal: %w", err)
	}
	return &Journal{store: s, file: file, path: file.Name(), hasher: newHasher()}, nil
}

// Outgoing lists sealed journals, oldest name first.
func (s *Store) Outgoing() ([]string, error) {
	directory := filepath.Join(s.root, outgoingDirectory)
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("listing outgoing journals: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasPrefix(name, namePrefix) || strings.HasSuffix(name, digestSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(directory, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// RecoverIncoming sorts out journals left in incoming/ by a previous
// process. One whose last frame ends the session (an exit or a reject)
// belongs to a finished session that was never sealed, and is sealed
// now. The rest were cut off mid-session and are deleted. Frames larger
// than maxSize make a journal unreadable.
func (s *Store) RecoverIncoming(maxSize uint32) (sealed, discarded int, err error) {
	directory := filepath.Join(s.root, incomingDirectory)
	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0, 0, fmt.Errorf("listing incoming journals: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasPrefix(entry.Name(), namePrefix) {
			continue
		}
		path := filepath.Join(directory, entry.Name())
		sum, finished, err := finishedDigest(path, maxSize)
		if err != nil {
			return sealed, discarded, err
		}
		if finished {
			if _, err := s.publish(path, sum); err != nil {
				return sealed, discarded, err
			}
			sealed++
			continue
		}
		if err := os.Remove(path); err != nil {
			return sealed, discarded, fmt.Errorf("discarding incoming journal: %w", err)
		}
		discarded++
	}
	return sealed, discarded, nil
}

// finishedDigest reads an unsealed journal and reports whether it holds
// a whole session, with the digest of its contents.
func finishedDigest(path string, maxSize uint32) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("opening incoming journal: %w", err)
	}
	defer file.Close()

	hasher := newHasher()
	frames := protocol.NewFrameReader(io.TeeReader(file, hasher), maxSize)
	last := protocol.TypeInvalid
	for {
		payload, err := frames.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A torn or oversized frame: the process died mid-append.
			return nil, false, nil
		}
		message, err := protocol.DecodeClientMessage(payload)
		if err != nil {
			return nil, false, nil
		}
		last = message.Type()
	}
	if last != protocol.TypeExit && last != protocol.TypeReject {
		return nil, false, nil
	}
	return hasher.Sum(nil), true, nil
}

// Remove deletes a sealed journal and its digest.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing journal: %w", err)
	}
	if err := os.Remove(path + digestSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing journal digest: %w", err)
	}
	return nil
}

// Quarantine moves a journal and its digest into corrupt/ and returns
// the new journal path.
func (s *Store) Quarantine(path string) (string, error) {
	destination := filepath.Join(s.root, corruptDirectory, filepath.Base(path))
	if err := os.Rename(path, destination); err != nil {
		return "", fmt.Errorf("quarantining journal: %w", err)
	}
	if err := os.Rename(path+digestSuffix, destination+digestSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return destination, fmt.Errorf("quarantining journal digest: %w", err)
	}
	return destination, nil
}

// OpenReplay verifies a sealed journal against its digest and opens it
// for reading. Frames larger than maxSize fail the read.
func (s *Store) OpenReplay(path string, maxSize uint32) (*Reader, error) {
	want, err := os.ReadFile(path + digestSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s has no digest", ErrCorrupt, filepath.Base(path))
		}
		return nil, fmt.Errorf("reading journal digest: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	hasher := newHasher()
	if _, err := io.Copy(hasher, file); err != nil {
		file.Close()
		return nil, fmt.Errorf("hashing journal: %w", err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != string(bytes.TrimSpace(want)) {
		file.Close()
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, filepath.Base(path))
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("rewinding journal: %w", err)
	}
	return &Reader{file: file, frames: protocol.NewFrameReader(file, maxSize)}, nil
}

// Journal is an open journal being appended to.
type Journal struct {
	store  *Store
	file   *os.File
	path   string
	hasher *blake3.Hasher
	frames int
	size   int64
}

// Path returns the journal's current location.
func (j *Journal) Path() string { return j.path }

// Frames returns the number of frames appended.
func (j *Journal) Frames() int { return j.frames }

// Size returns the number of bytes appended, headers included.
func (j *Journal) Size() int64 { return j.size }

// Append writes one frame: a 4-byte big-endian length and the payload.
func (j *Journal) Append(payload []byte) error {
	var header [protocol.HeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	for _, part := range [][]byte{header[:], payload} {
		if _, err := j.file.Write(part); err != nil {
			return fmt.Errorf("appending to journal: %w", err)
		}
		j.hasher.Write(part)
	}
	j.frames++
	j.size += int64(protocol.HeaderLength + len(payload))
	return nil
}

// Sync makes every appended frame durable.
func (j *Journal) Sync() error {
	if err := unix.Fdatasync(int(j.file.Fd())); err != nil {
		return fmt.Errorf("syncing journal: %w", err)
	}
	return nil
}

// Seal makes the journal durable, moves it to outgoing/, and writes its
// digest. After Seal the Journal is closed, whether or not it
// succeeded. On success Path names the outgoing file; on failure the
// journal stays in incoming/ for RecoverIncoming.
func (j *Journal) Seal() error {
	syncErr := j.Sync()
	closeErr := j.file.Close()
	j.file = nil
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing journal: %w", closeErr)
	}
	destination, err := j.store.publish(j.path, j.hasher.Sum(nil))
	if err != nil {
		return err
	}
	j.path = destination
	return nil
}

// publish writes the digest for the incoming journal at path and moves
// the journal into outgoing/.
func (s *Store) publish(path string, sum []byte) (string, error) {
	outgoing := filepath.Join(s.root, outgoingDirectory)
	destination := filepath.Join(outgoing, filepath.Base(path))
	// The digest lands first so a journal visible in outgoing/ always
	// has one.
	if err := writeFileSync(destination+digestSuffix, []byte(hex.EncodeToString(sum)+"\n")); err != nil {
		return "", err
	}
	if err := os.Rename(path, destination); err != nil {
		os.Remove(destination + digestSuffix)
		return "", fmt.Errorf("moving journal to outgoing: %w", err)
	}
	syncDirectory(outgoing)
	syncDirectory(filepath.Join(s.root, incomingDirectory))
	return destination, nil
}

// Discard closes and deletes an unsealed journal.
func (j *Journal) Discard() error {
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	if err := os.Remove(j.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discarding journal: %w", err)
	}
	return nil
}

// Close closes the file without sealing. The journal stays in
// incoming/.
func (j *Journal) Close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Reader replays a sealed journal frame by frame.
type Reader struct {
	file   *os.File
	frames *protocol.FrameReader
}

// Next returns the next frame payload, or io.EOF after the last one.
// The slice is valid until the next call.
func (r *Reader) Next() ([]byte, error) {
	return r.frames.Next()
}

// Close closes the journal file.
func (r *Reader) Close() error {
	return r.file.Close()
}

func writeFileSync(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := unix.Fsync(int(file.Fd())); err != nil {
		file.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	return file.Close()
}

// syncDirectory makes renames within directory durable. Errors are
// ignored: the rename already happened and a failed directory sync only
// widens the crash window.
func syncDirectory(directory string) {
	handle, err := os.Open(directory)
	if err != nil {
		return
	}
	unix.Fsync(int(handle.Fd()))
	handle.Close()
}
