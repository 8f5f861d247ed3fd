// Package mh implements the MH store adapter: advisory-locked access to an
// on-disk MH folder (one directory per folder, one file per message, a
// .mh_sequences text file recording named message-key sets).
//
// Translated from the teacher's async-I/O idiom (crawshaw.io/iox buffering,
// goroutine-per-blocking-call) and grounded on the reference Python
// implementation's mh.py (akeys/aget_message/aadd/aget_sequences/
// aset_sequences/aremove_folder/apack/lock_folder), since Go has no
// single-threaded event loop to hang async methods off of: every exported
// method here is an ordinary blocking call meant to be invoked from a
// goroutine that already holds the folder's in-memory lock (see package
// folder), with the dot-lock below guarding against other processes.
package mh

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"asimapd.io/asimapd/asimaperr"
)

// Store is an MH folder rooted at Path.
type Store struct {
	Path string
}

func Open(path string) *Store {
	return &Store{Path: path}
}

// Keys returns the sorted integer message-keys present in the folder.
func (s *Store) Keys() ([]int, error) {
	entries, err := os.ReadDir(s.Path)
	if err != nil {
		return nil, err
	}
	var keys []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil {
			keys = append(keys, n)
		}
	}
	sort.Ints(keys)
	return keys, nil
}

func (s *Store) keyPath(key int) string {
	return filepath.Join(s.Path, strconv.Itoa(key))
}

// GetBytes returns the raw on-disk bytes of a message.
func (s *Store) GetBytes(key int) ([]byte, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &asimaperr.NotFound{What: fmt.Sprintf("message %d", key)}
		}
		return nil, err
	}
	return data, nil
}

// SetMessage overwrites a message's bytes in place, preserving its mtime
// unless preserveMtime is false.
func (s *Store) SetMessage(key int, data []byte, preserveMtime bool) error {
	path := s.keyPath(key)
	var mtime time.Time
	if preserveMtime {
		if fi, err := os.Stat(path); err == nil {
			mtime = fi.ModTime()
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	if preserveMtime && !mtime.IsZero() {
		_ = os.Chtimes(path, mtime, mtime)
	}
	return nil
}

// MTime returns a message file's modification time (the IMAP INTERNALDATE).
func (s *Store) MTime(key int) (time.Time, error) {
	fi, err := os.Stat(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, &asimaperr.NotFound{What: fmt.Sprintf("message %d", key)}
		}
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// SetMTime stamps a message file's modification (and access) time, used by
// APPEND's optional INTERNALDATE argument and by COPY, which must preserve
// the source message's INTERNALDATE on the copy.
func (s *Store) SetMTime(key int, t time.Time) error {
	return os.Chtimes(s.keyPath(key), t, t)
}

// Add appends data as a new message, returning the assigned key
// (max(keys)+1, or 0 for an empty folder).
func (s *Store) Add(data []byte) (int, error) {
	keys, err := s.Keys()
	if err != nil {
		return 0, err
	}
	newKey := 0
	if len(keys) > 0 {
		newKey = keys[len(keys)-1] + 1
	}
	if !strings.HasSuffix(string(data), "\n") {
		data = append(data, '\n')
	}
	if err := os.WriteFile(s.keyPath(newKey), data, 0644); err != nil {
		return 0, err
	}
	return newKey, nil
}

// Remove deletes a message.
func (s *Store) Remove(key int) error {
	err := os.Remove(s.keyPath(key))
	if os.IsNotExist(err) {
		return &asimaperr.NotFound{What: fmt.Sprintf("message %d", key)}
	}
	return err
}

func (s *Store) seqPath() string {
	return filepath.Join(s.Path, ".mh_sequences")
}

// GetSequences parses .mh_sequences into name -> sorted key list, dropping
// keys that no longer exist on disk and omitting sequences left empty by
// that filtering.
func (s *Store) GetSequences() (map[string][]int, error) {
	allKeys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	present := make(map[int]bool, len(allKeys))
	for _, k := range allKeys {
		present[k] = true
	}

	f, err := os.Open(s.seqPath())
	if os.IsNotExist(err) {
		return map[string][]int{}, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	results := make(map[string][]int)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, contents, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &asimaperr.MailboxInconsistency{Mailbox: s.Path, Reason: "invalid sequence specification: " + line}
		}
		name = strings.TrimSpace(name)
		keySet := make(map[int]bool)
		for _, spec := range strings.Fields(contents) {
			if n, err := strconv.Atoi(spec); err == nil {
				keySet[n] = true
				continue
			}
			start, stop, ok := strings.Cut(spec, "-")
			if !ok {
				return nil, &asimaperr.MailboxInconsistency{Mailbox: s.Path, Reason: "invalid sequence specification: " + line}
			}
			lo, err1 := strconv.Atoi(start)
			hi, err2 := strconv.Atoi(stop)
			if err1 != nil || err2 != nil {
				return nil, &asimaperr.MailboxInconsistency{Mailbox: s.Path, Reason: "invalid sequence specification: " + line}
			}
			for k := lo; k <= hi; k++ {
				keySet[k] = true
			}
		}
		var keys []int
		for k := range keySet {
			if present[k] {
				keys = append(keys, k)
			}
		}
		sort.Ints(keys)
		if len(keys) > 0 {
			results[name] = keys
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// SetSequences atomically rewrites .mh_sequences from the given name to
// sorted-key-list mapping, collapsing runs into "n-m" ranges.
func (s *Store) SetSequences(sequences map[string][]int) error {
	tmp := s.seqPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(sequences))
	for name := range sequences {
		names = append(names, name)
	}
	sort.Strings(names)

	w := bufio.NewWriter(f)
	for _, name := range names {
		keys := append([]int(nil), sequences[name]...)
		if len(keys) == 0 {
			continue
		}
		sort.Ints(keys)
		fmt.Fprintf(w, "%s:", name)
		prev := -2
		completing := false
		for _, key := range keys {
			switch {
			case key-1 == prev:
				if !completing {
					completing = true
					w.WriteString("-")
				}
			case completing:
				completing = false
				fmt.Fprintf(w, "%d %d", prev, key)
			default:
				fmt.Fprintf(w, " %d", key)
			}
			prev = key
		}
		if completing {
			fmt.Fprintf(w, "%d\n", prev)
		} else {
			w.WriteString("\n")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.seqPath())
}

// Pack renumbers keys 1..N to close gaps, updating sequences to match, and
// returns the old->new key mapping for callers that must also fix up
// cached UID state.
func (s *Store) Pack() (map[int]int, error) {
	sequences, err := s.GetSequences()
	if err != nil {
		return nil, err
	}
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}

	changes := make(map[int]int)
	prev := 0
	for _, key := range keys {
		if key-1 != prev {
			newKey := prev + 1
			changes[key] = newKey
			oldPath, newPath := s.keyPath(key), s.keyPath(newKey)
			if err := os.Link(oldPath, newPath); err != nil {
				if err := os.Rename(oldPath, newPath); err != nil {
					return nil, err
				}
			} else if err := os.Remove(oldPath); err != nil {
				return nil, err
			}
		}
		prev++
	}
	if len(changes) == 0 {
		return changes, nil
	}
	for name, keyList := range sequences {
		for i, k := range keyList {
			if newKey, ok := changes[k]; ok {
				keyList[i] = newKey
			}
		}
		sequences[name] = keyList
	}
	if err := s.SetSequences(sequences); err != nil {
		return nil, err
	}
	return changes, nil
}

// MTimeNow returns the max of the folder directory's and .mh_sequences'
// mtimes, the value §4.4 resync compares against the cached folder mtime.
func (s *Store) MTimeNow() (time.Time, error) {
	dirInfo, err := os.Stat(s.Path)
	if err != nil {
		return time.Time{}, err
	}
	m := dirInfo.ModTime()
	if seqInfo, err := os.Stat(s.seqPath()); err == nil {
		if seqInfo.ModTime().After(m) {
			m = seqInfo.ModTime()
		}
	}
	return m, nil
}

// Sub returns the store for a nested folder (IMAP hierarchy via
// subdirectories, "/" is the delimiter).
func (s *Store) Sub(name string) *Store {
	return &Store{Path: filepath.Join(s.Path, filepath.FromSlash(name))}
}

// ListFolders lists immediate sub-folder names.
func (s *Store) ListFolders() ([]string, error) {
	entries, err := os.ReadDir(s.Path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// AddFolder creates a new folder directory.
func (s *Store) AddFolder(name string) error {
	return os.MkdirAll(s.Sub(name).Path, 0755)
}

// RemoveFolder deletes an empty folder (only .mh_sequences, or nothing,
// may remain).
func (s *Store) RemoveFolder(name string) error {
	sub := s.Sub(name)
	entries, err := os.ReadDir(sub.Path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() != ".mh_sequences" {
			return fmt.Errorf("folder not empty: %s", sub.Path)
		}
	}
	if err := os.RemoveAll(sub.Path); err != nil {
		return err
	}
	return nil
}

// lockPath is the dot-lock file: advisory, protects against other
// processes (not other goroutines in this process — the in-memory folder
// write lock in package folder already serializes those).
func (s *Store) lockPath() string {
	return filepath.Join(s.Path, ".mh_sequences.lock")
}

// Lock acquires the folder's advisory dot-lock, retrying at 100ms
// intervals until timeout elapses.
func (s *Store) Lock(timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{store: s}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, &asimaperr.MailboxLock{Mailbox: s.Path}
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Lock represents a held dot-lock; Unlock must be called exactly once.
type Lock struct {
	store *Store
}

func (l *Lock) Unlock() error {
	return os.Remove(l.store.lockPath())
}
