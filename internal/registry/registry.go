// Package registry holds the set of registered groups groupgate is
// authorized to act upon, and sandboxes their folder names against a
// configured root directory.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/basket/groupgate/internal/persistence"
)

// folderPattern restricts folder names to filesystem-safe identifiers:
// letters, digits, '-', '_', '.'.
var folderPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Group is the in-memory view of a registered group.
type Group struct {
	JID             string
	Name            string
	Folder          string
	RequiresTrigger bool
	AssistantName   string
	IsMain          bool
}

// Registry is the mutex-guarded, map-of-struct set of registered groups,
// keyed by jid, with a root directory every folder must resolve inside.
type Registry struct {
	mu             sync.RWMutex
	groups         map[string]Group
	root           string
	store          *persistence.Store
	mainFolderName string
}

// ErrDuplicateMain is returned by Load when more than one group in the
// store is marked as main — resolving this automatically (e.g. picking
// the first) would silently change which group receives main-only
// behavior, so it is surfaced as a configuration error instead.
var ErrDuplicateMain = fmt.Errorf("registry: more than one group designated main")

// ErrInvalidFolder is returned when a folder name fails the filesystem-safe
// pattern or resolves outside root.
var ErrInvalidFolder = fmt.Errorf("registry: invalid folder")

// New creates an empty registry rooted at root. root is created lazily by
// callers that write into group folders; the registry itself only
// validates paths against it. mainFolderName is the folder name that
// designates a group as main: IsMain is never trusted from a persisted
// flag, it is always recomputed as Folder == mainFolderName, so a group's
// main status moves with its folder rather than with a bit a caller could
// set independently of it.
func New(root string, store *persistence.Store, mainFolderName string) *Registry {
	return &Registry{
		groups:         make(map[string]Group),
		root:           root,
		store:          store,
		mainFolderName: mainFolderName,
	}
}

// Load populates the registry from the persisted registered_groups table.
// The store's is_main column is write-only bookkeeping for humans
// inspecting the database directly; Load recomputes IsMain from folder
// name equality against mainFolderName and is the single place the
// "duplicate main folder" configuration error is resolved: a second row
// whose folder equals mainFolderName makes Load fail rather than picking
// a winner.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	groups := make(map[string]Group, len(rows))
	mainSeen := false
	for _, row := range rows {
		g := Group{
			JID:             row.JID,
			Name:            row.Name,
			Folder:          row.Folder,
			RequiresTrigger: row.RequiresTrigger,
			AssistantName:   row.AssistantName,
			IsMain:          row.Folder == r.mainFolderName,
		}
		if err := r.validateFolder(g.Folder); err != nil {
			return fmt.Errorf("group %s: %w", g.JID, err)
		}
		if g.IsMain {
			if mainSeen {
				return ErrDuplicateMain
			}
			mainSeen = true
		}
		groups[g.JID] = g
	}

	r.mu.Lock()
	r.groups = groups
	r.mu.Unlock()
	return nil
}

// validateFolder checks the folder name against the filesystem-safe
// pattern and confirms it resolves inside r.root (symlink-resolved, like
// the teacher's policy.AllowPath).
func (r *Registry) validateFolder(folder string) error {
	if folder == "" || !folderPattern.MatchString(folder) {
		return ErrInvalidFolder
	}
	candidate := filepath.Join(r.root, folder)
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		// The folder may not exist on disk yet; fall back to resolving the
		// root itself and joining the (already-validated) folder name.
		resolvedRoot, rootErr := filepath.EvalSymlinks(r.root)
		if rootErr != nil {
			resolvedRoot, rootErr = filepath.Abs(r.root)
			if rootErr != nil {
				return fmt.Errorf("%w: cannot resolve root %q", ErrInvalidFolder, r.root)
			}
		}
		resolved = filepath.Join(resolvedRoot, folder)
	}
	resolvedRoot, err := filepath.Abs(r.root)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve root %q", ErrInvalidFolder, r.root)
	}
	if evalRoot, evalErr := filepath.EvalSymlinks(resolvedRoot); evalErr == nil {
		resolvedRoot = evalRoot
	}
	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q escapes root %q", ErrInvalidFolder, folder, r.root)
	}
	return nil
}

// Register adds or updates a group, persisting it and validating its
// folder. g.IsMain is ignored on input and recomputed from folder name
// equality against mainFolderName, so main status cannot be granted or
// revoked except by changing a group's folder. Registering a second group
// whose folder equals mainFolderName returns ErrDuplicateMain.
func (r *Registry) Register(ctx context.Context, g Group) error {
	if err := r.validateFolder(g.Folder); err != nil {
		return err
	}
	g.IsMain = g.Folder == r.mainFolderName

	r.mu.Lock()
	if g.IsMain {
		for jid, existing := range r.groups {
			if existing.IsMain && jid != g.JID {
				r.mu.Unlock()
				return ErrDuplicateMain
			}
		}
	}
	r.mu.Unlock()

	if err := r.store.UpsertGroup(ctx, persistence.RegisteredGroup{
		JID: g.JID, Name: g.Name, Folder: g.Folder,
		RequiresTrigger: g.RequiresTrigger, AssistantName: g.AssistantName, IsMain: g.IsMain,
	}); err != nil {
		return fmt.Errorf("persist group %s: %w", g.JID, err)
	}

	r.mu.Lock()
	r.groups[g.JID] = g
	r.mu.Unlock()
	return nil
}

// Unregister removes a group from the registry and the store.
func (r *Registry) Unregister(ctx context.Context, jid string) error {
	if err := r.store.DeleteGroup(ctx, jid); err != nil {
		return fmt.Errorf("unregister %s: %w", jid, err)
	}
	r.mu.Lock()
	delete(r.groups, jid)
	r.mu.Unlock()
	return nil
}

// Get returns the registered group for jid and whether it exists.
func (r *Registry) Get(jid string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[jid]
	return g, ok
}

// Main returns the group designated main, if any.
func (r *Registry) Main() (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.groups {
		if g.IsMain {
			return g, true
		}
	}
	return Group{}, false
}

// All returns a snapshot slice of every registered group, sorted by folder
// for deterministic HTTP/JSON output.
func (r *Registry) All() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}

// JIDs returns every registered group's jid, used by the poll loop's
// newMessagesAcross call.
func (r *Registry) JIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.groups))
	for jid := range r.groups {
		out = append(out, jid)
	}
	return out
}

// FolderPath resolves a registered group's absolute folder path under root.
func (r *Registry) FolderPath(folder string) string {
	return filepath.Join(r.root, folder)
}

