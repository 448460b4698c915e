// Package filesvc implements the File Service: a registration-gated
// streaming file server that shares physical transport streams fairly,
// enforces per-stream in-flight byte limits, and shuts down gracefully
// without orphaning remote readers.
package filesvc

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sys/unix"

	"github.com/mitogen-go/multiplexer/internal/mlog"
)

var log = mlog.For("filesvc")

// ErrNotRegularFile is returned by Register when path does not stat as a
// regular file.
var ErrNotRegularFile = fmt.Errorf("not a regular file")

// ErrUnregistered is returned by Fetch when path was never (successfully)
// registered.
var ErrUnregistered = fmt.Errorf("path is not registered")

// Metadata mirrors the spec's FileMetadata: owner/group are textual names
// (nil if lookup failed), mtime/atime are fractional seconds.
type Metadata struct {
	Size  int64
	Mode  os.FileMode
	Owner *string
	Group *string
	MTime float64
	ATime float64
}

// Registry is the FileRegistry (C6): a path -> metadata authorization gate.
// Registration entries are cached with patrickmn/go-cache — generalized
// from backend/cache/storage_memory.go's Memory wrapper over the same
// library — configured with no default expiration, since registrations
// persist for the life of the service unless explicitly re-registered; the
// library is still the right fit here for its built-in concurrency safety
// and because a deployment MAY choose a bounded TTL via NewRegistry's ttl.
type Registry struct {
	cache *gocache.Cache
}

// NewRegistry builds an empty registry. ttl of zero means entries never
// expire on their own (the common case — registrations are explicit and
// long-lived); a positive ttl lets a deployment forget stale registrations.
func NewRegistry(ttl time.Duration) *Registry {
	expiration := gocache.NoExpiration
	if ttl > 0 {
		expiration = ttl
	}
	return &Registry{cache: gocache.New(expiration, time.Minute)}
}

// Register stats path, requires it be a regular file, captures its
// metadata, and records it. Idempotent: calling it again simply re-stats
// and refreshes the cached metadata. Owner/group resolution failures
// degrade to nil rather than failing the registration.
func (r *Registry) Register(path string) (Metadata, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return Metadata{}, fmt.Errorf("%s: %w", path, ErrNotRegularFile)
	}

	md := statMetadata(path, fi)
	r.cache.Set(path, md, gocache.DefaultExpiration)
	return md, nil
}

// Lookup returns the registered metadata for path, or ErrUnregistered.
func (r *Registry) Lookup(path string) (Metadata, error) {
	v, ok := r.cache.Get(path)
	if !ok {
		return Metadata{}, fmt.Errorf("%s: %w", path, ErrUnregistered)
	}
	return v.(Metadata), nil
}

// Paths returns every currently-registered path, for DebugSnapshot.
func (r *Registry) Paths() []string {
	items := r.cache.Items()
	paths := make([]string, 0, len(items))
	for k := range items {
		paths = append(paths, k)
	}
	return paths
}

// statMetadata fills in raw stat fields (uid/gid, atime/mtime) via
// golang.org/x/sys/unix, the same POSIX-facing approach the teacher's
// local-disk backends use, then resolves uid/gid to textual owner/group
// names, degrading to nil on lookup failure.
func statMetadata(path string, fi os.FileInfo) Metadata {
	md := Metadata{
		Size: fi.Size(),
		Mode: fi.Mode(),
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		log.Warnf("unix.Stat %s: %v", path, err)
		return md
	}
	md.MTime = float64(st.Mtim.Sec) + float64(st.Mtim.Nsec)/1e9
	md.ATime = float64(st.Atim.Sec) + float64(st.Atim.Nsec)/1e9

	if u, err := user.LookupId(strconv.Itoa(int(st.Uid))); err == nil {
		name := u.Username
		md.Owner = &name
	}
	if g, err := user.LookupGroupId(strconv.Itoa(int(st.Gid))); err == nil {
		name := g.Name
		md.Group = &name
	}
	return md
}
