package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// Op names an [FS] method for fault injection.
type Op string

// Operations that [Faulty] can fail.
const (
	OpOpen      Op = "open"
	OpOpenFile  Op = "openfile"
	OpReadFile  Op = "readfile"
	OpWriteFile Op = "writefile"
	OpReadDir   Op = "readdir"
	OpMkdirAll  Op = "mkdirall"
	OpRemove    Op = "remove"
	OpRemoveAll Op = "removeall"
	OpRename    Op = "rename"
)

// ErrInjected is wrapped by every error [Faulty] produces.
var ErrInjected = errors.New("injected fault")

// Faulty wraps an [FS] and fails selected operations on selected paths.
//
// Unlike random chaos testing, a rule fires every time it matches, so a test
// can target exactly one step of a multi-step operation. Rules are matched
// against the first path argument (the source for Rename).
type Faulty struct {
	FS

	mu    sync.Mutex
	rules []faultRule
	hits  map[Op]int
}

type faultRule struct {
	op       Op
	contains string
	times    int
	spent    bool
}

// NewFaulty wraps underlying.
func NewFaulty(underlying FS) *Faulty {
	return &Faulty{FS: underlying, hits: map[Op]int{}}
}

// FailOn makes op fail for every path containing substr. times limits how
// often the rule fires; times <= 0 means always.
func (f *Faulty) FailOn(op Op, substr string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = append(f.rules, faultRule{op: op, contains: substr, times: times})
}

// Reset drops all rules and counters.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = nil
	f.hits = map[Op]int{}
}

// Hits returns how many times op was failed.
func (f *Faulty) Hits(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.hits[op]
}

// IsInjected reports whether err came from a [Faulty] rule.
func IsInjected(err error) bool {
	return errors.Is(err, ErrInjected)
}

func (f *Faulty) check(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.rules {
		r := &f.rules[i]
		if r.spent || r.op != op || !strings.Contains(path, r.contains) {
			continue
		}

		if r.times > 0 {
			r.times--
			r.spent = r.times == 0
		}

		f.hits[op]++

		return &os.PathError{Op: string(op), Path: path, Err: ErrInjected}
	}

	return nil
}

func (f *Faulty) Open(path string) (File, error) {
	if err := f.check(OpOpen, path); err != nil {
		return nil, err
	}

	return f.FS.Open(path)
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.check(OpOpenFile, path); err != nil {
		return nil, err
	}

	return f.FS.OpenFile(path, flag, perm)
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.check(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.FS.ReadFile(path)
}

func (f *Faulty) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := f.check(OpWriteFile, path); err != nil {
		return err
	}

	return f.FS.WriteFile(path, data, perm)
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	if err := f.check(OpReadDir, path); err != nil {
		return nil, err
	}

	return f.FS.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.check(OpMkdirAll, path); err != nil {
		return err
	}

	return f.FS.MkdirAll(path, perm)
}

func (f *Faulty) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}

	return f.FS.Remove(path)
}

func (f *Faulty) RemoveAll(path string) error {
	if err := f.check(OpRemoveAll, path); err != nil {
		return err
	}

	return f.FS.RemoveAll(path)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	if err := f.check(OpRename, oldpath); err != nil {
		return &os.LinkError{Op: string(OpRename), Old: oldpath, New: newpath, Err: ErrInjected}
	}

	return f.FS.Rename(oldpath, newpath)
}

var _ FS = (*Faulty)(nil)
