package fileusage

// Deferred tags what kind of lazy computation an Update still owes.
// A closed sum is simpler to reason about than an arbitrary closure,
// since there are only ever these four shapes.
type Deferred int

const (
	// DeferredNone means the Update's Info is already fully known.
	DeferredNone Deferred = iota
	// DeferredOpen means a read-only open observed a path whose type
	// and hash should only be computed lazily, on demand, if the
	// owning process later becomes cacheable.
	DeferredOpen
	// DeferredWriteCreateNoTrunc covers the O_CREAT,!O_TRUNC,!O_EXCL
	// write case: the resulting type depends on whether the path
	// already existed, resolved lazily via a stat at store time.
	DeferredWriteCreateNoTrunc
	// DeferredHash means the type is already known (IsReg) but the
	// hash must still be computed lazily.
	DeferredHash
)

// Update is the ephemeral, per-event description of one thing
// happening to one path. Unlike Usage, an Update
// is never interned: it exists only until it is folded into the
// owning process's file-usage map via Resolve.
type Update struct {
	Deferred   Deferred
	Info       Info
	Written    bool
	UnknownErr int
}

// Stat is the subset of file metadata Resolve needs to finish a
// deferred computation; callers pass the result of a stat(2) they
// already performed. Resolve does not stat the path itself.
type Stat struct {
	Exists bool
	IsDir  bool
	Size   int64
}

// Resolve finishes a deferred Update given the current filesystem
// Stat and, if needed, a lazily invoked hash computer. It is called
// at most once per Update, exactly when the owning process is about
// to be fingerprinted/stored.
func (u Update) Resolve(st Stat, computeHash func() (Info, error)) (Info, error) {
	switch u.Deferred {
	case DeferredNone:
		return u.Info, nil
	case DeferredWriteCreateNoTrunc:
		if !st.Exists {
			return NewNotExist(), nil
		}
		return computeHash()
	case DeferredOpen, DeferredHash:
		return computeHash()
	default:
		return u.Info, nil
	}
}

// OpenParams is the decoded shape of an open(2) call's arguments,
// already resolved to an absolute canonical path by the caller
// (HandleOpen).
type OpenParams struct {
	WriteIntent bool
	Truncate    bool
	Create      bool
	Excl        bool
	// Errno is the errno(3) value observed on the call, or 0 on
	// success.
	Errno int
}

const (
	enoent  = 2
	enotdir = 20
)

// FromOpenParams translates one open(2) event into an Update,
// one row of the flag truth table at a time.
func FromOpenParams(p OpenParams) Update {
	if p.Errno != 0 {
		return fromFailedOpen(p)
	}
	switch {
	case !p.WriteIntent:
		return Update{Deferred: DeferredOpen}
	case p.Truncate && p.Create && p.Excl:
		return Update{Info: NewNotExist(), Written: true}
	case p.Truncate && !p.Create:
		return Update{Info: NewReg(nil, nil), Written: true}
	case p.Truncate && p.Create && !p.Excl:
		return Update{Info: Info{Type: NotExistOrIsReg}, Written: true}
	case !p.Truncate && !p.Create:
		return Update{Deferred: DeferredHash, Info: Info{Type: IsReg}, Written: true}
	case !p.Truncate && p.Create && !p.Excl:
		return Update{Deferred: DeferredWriteCreateNoTrunc, Written: true}
	default:
		// Create && Excl && !Truncate: the kernel still requires the
		// path not to have existed; same as the first case's creation
		// semantics.
		return Update{Info: NewNotExist(), Written: true}
	}
}

func fromFailedOpen(p OpenParams) Update {
	switch p.Errno {
	case enoent:
		return Update{Info: NewNotExist()}
	case enotdir:
		// The parent path component turned out to be a regular file;
		// the caller is responsible for attributing this to the
		// parent, not this path. Record it as an unexpected-error
		// observation on this path so cacher can decide what to do.
		return Update{UnknownErr: p.Errno}
	default:
		return Update{UnknownErr: p.Errno}
	}
}

// IsUnexpectedErrno reports whether errno is anything other than the
// two errnos open(2) callers are expected to handle gracefully
// (ENOENT for a read-only open, ENOTDIR when a path component isn't a
// directory). Process.handle_open disables shortcutting on any other
// errno.
func IsUnexpectedErrno(errno int) bool {
	return errno != 0 && errno != enoent && errno != enotdir
}
