// Package migration implements the savevm/loadvm VM-state serialization
// engine: a registry of per-device state entries (this file), the tagged
// section wire format (stream.go, wire.go), the in-band command channel
// (command.go, returnpath.go), and the save/load state machines
// (savevm.go, loadvm.go).
package migration

import (
	"fmt"
	"sync"
)

// instanceIDAny is the sentinel used to request auto-assignment of the
// instance index, mirroring QEMU's -1.
const instanceIDAny = -1

// CompatEntry is the legacy-compatibility record carried by an entry that
// was registered through a device (so its effective idstr is prefixed with
// the device path), recording the original un-prefixed idstr/instance so
// older streams that only ever knew the short name still resolve.
type CompatEntry struct {
	IDStr      string
	InstanceID int
}

// Callbacks is the legacy save/load pair a state entry may carry instead of
// a Schema. Save appends the entry's blob to w; a negative-equivalent
// result is reported via the returned error, which latches the stream.
type Callbacks struct {
	Save func(w *Stream, opaque any) error
	Load func(r *Stream, opaque any, versionID uint32) error

	// LiveSetup, LiveIterate, and LiveComplete are the iterative-migration
	// hooks used by the savevm state machine's begin/iterate/complete
	// phases (§4.4). A nil hook means the entry does not participate in
	// that phase. LiveIterate returns done=true once it has nothing left
	// to flush for this pass.
	LiveSetup    func(w *Stream, opaque any) error
	LiveIterate  func(w *Stream, opaque any) (done bool, err error)
	LiveComplete func(w *Stream, opaque any) error

	// Cancel fans out on savevm_state_cancel. Optional.
	Cancel func(opaque any)

	// IsMigratable reports false if this device currently blocks migration
	// (C1 any_blocked). A nil hook means always migratable.
	IsMigratable func(opaque any) bool

	// PostcopiableLive reports whether this entry's live phases should be
	// deferred to after the postcopy flip, per §4.4 step 5.
	PostcopiableLive bool

	// SetParams notifies the entry of the session's migration parameters
	// before the begin phase (§4.4 step 1). Optional.
	SetParams func(opaque any, params MigrationParams)

	// Pending reports this entry's outstanding bytes, split into what it
	// can only send before the postcopy flip (non-postcopiable) and what
	// it can still stream after (postcopiable), for §4.4 step 6. Optional;
	// an entry with no Pending hook contributes nothing to the estimate.
	Pending func(opaque any) (nonPostcopiable, postcopiable uint64)
}

// Schema is the structured alternative to Callbacks: a versioned descriptor
// walked field by field. The core only needs a Walk entry point; the
// concrete field-level encoding is the opaque producer's concern (the spec's
// explicit non-goal), so Schema is intentionally a thin seam.
type Schema struct {
	Walk func(s *Stream, opaque any, versionID uint32, isLoad bool) error
}

// Entry is a registered state entry (§3 "State Entry"). Exactly one of
// Callbacks or Schema is meaningful; Legacy selects which.
type Entry struct {
	IDStr      string // effective identifier: device_path + "/" + idstr, or idstr
	InstanceID int
	Alias      string // optional alias identifier
	VersionID  uint32
	SectionID  uint32 // assigned by the registry, unique and monotonic

	Legacy bool // true: Callbacks is populated; false: Schema is populated
	CB     Callbacks
	SD     Schema

	Opaque any // opaque user pointer, passed through unchanged
	IsRAM  bool

	Compat *CompatEntry // non-nil when registered through a device
}

// effectiveIDStr returns the idstr a device-owned registration should use on
// the wire: devicePath + "/" + idstr, or idstr unprefixed when devicePath is
// empty.
func effectiveIDStr(devicePath, idstr string) string {
	if devicePath == "" {
		return idstr
	}

	return devicePath + "/" + idstr
}

// Registry holds the ordered sequence of state entries that defines the
// transmit order (§3 "Registry"). It is safe for concurrent use; per §5 the
// registry is read-only once migration begins, but registration itself
// (device construction/teardown) can race with monitor commands, so
// mutations take a lock.
type Registry struct {
	mu          sync.Mutex
	entries     []*Entry
	nextSection uint32
}

// NewRegistry returns an empty registry whose section IDs start at
// highWaterMark (the prior session's last assigned ID, or 0 for a fresh
// process), per the monotonic-section-id invariant in §8.
func NewRegistry(highWaterMark uint32) *Registry {
	return &Registry{nextSection: highWaterMark}
}

// RegisterOpts groups the optional fields of Register so the common case
// (idstr, instance, version, callbacks, opaque) stays a short call.
type RegisterOpts struct {
	DevicePath string // non-empty when this entry is owned by a device
	Alias      string
	IsRAM      bool
}

// Register appends a new entry and returns it. When opts.DevicePath is set,
// the effective idstr is devicePath+"/"+idstr, a CompatEntry{idstr,
// instanceID} is attached, and instanceID is forced through auto-assignment
// (mirroring register_savevm_live's reset of instance_id to -1 before
// calling calculate_new_instance_id). Fails only were real QEMU would fail
// on OOM; in Go that is never observable, so Register's error return exists
// for API symmetry with the spec and is always nil today.
func (r *Registry) Register(idstr string, instanceID int, versionID uint32, legacy Callbacks, schema Schema, isLegacy bool, opaque any, opts RegisterOpts) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var compat *CompatEntry

	effective := idstr
	if opts.DevicePath != "" {
		effective = effectiveIDStr(opts.DevicePath, idstr)
		compat = &CompatEntry{IDStr: idstr, InstanceID: instanceID}
		instanceID = instanceIDAny
	}

	if instanceID == instanceIDAny {
		instanceID = r.calculateNewInstanceIDLocked(effective)
	}

	e := &Entry{
		IDStr:      effective,
		InstanceID: instanceID,
		Alias:      opts.Alias,
		VersionID:  versionID,
		SectionID:  r.nextSection,
		Legacy:     isLegacy,
		CB:         legacy,
		SD:         schema,
		Opaque:     opaque,
		IsRAM:      opts.IsRAM,
		Compat:     compat,
	}

	r.nextSection++
	r.entries = append(r.entries, e)

	return e, nil
}

// calculateNewInstanceIDLocked implements the auto-assignment rule of §3:
// one greater than the maximum existing instance for idstr, or 0 if none.
func (r *Registry) calculateNewInstanceIDLocked(idstr string) int {
	max := -1

	for _, e := range r.entries {
		if e.IDStr == idstr && e.InstanceID > max {
			max = e.InstanceID
		}
	}

	return max + 1
}

// Unregister removes every entry whose effective idstr and opaque pointer
// match. opaque comparison uses == (valid because opaque is normally a
// pointer-shaped handle, matching the C original's pointer-identity check).
func (r *Registry) Unregister(idstr string, opaque any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]

	for _, e := range r.entries {
		if e.IDStr == idstr && e.Opaque == opaque {
			continue
		}

		kept = append(kept, e)
	}

	r.entries = kept
}

// Find returns the entry whose effective idstr and instance match exactly,
// or whose legacy compat record matches, or whose alias matches the
// requested instance's idstr, supporting loadvm_state streams produced by
// older versions of a device that only ever serialized the un-prefixed
// name (§4.1).
func (r *Registry) Find(idstr string, instanceID int) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.IDStr == idstr && e.InstanceID == instanceID {
			return e, true
		}
	}

	for _, e := range r.entries {
		if e.Compat != nil && e.Compat.IDStr == idstr && e.Compat.InstanceID == instanceID {
			return e, true
		}
	}

	for _, e := range r.entries {
		if e.Alias != "" && e.Alias == idstr && e.InstanceID == instanceID {
			return e, true
		}
	}

	return nil, false
}

// AnyBlocked reports whether any registered entry declares itself
// non-migratable, and if so which idstr.
func (r *Registry) AnyBlocked() (blocked bool, offenderIDStr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.CB.IsMigratable != nil && !e.CB.IsMigratable(e.Opaque) {
			return true, e.IDStr
		}
	}

	return false, ""
}

// Entries returns a snapshot of the registered entries in registration
// (transmit) order. The caller must not mutate the returned slice's
// elements' identity (it may read and pass Entry pointers around).
func (r *Registry) Entries() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)

	return out
}

// HighWaterMark returns the next section id that would be assigned,
// suitable for seeding a subsequent session's NewRegistry call.
func (r *Registry) HighWaterMark() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.nextSection
}

// EntryDescription is the introspection view returned by Describe,
// supplementing the distilled spec with the original's
// dump_vmstate_json_to_file capability (see SPEC_FULL.md §3).
type EntryDescription struct {
	IDStr      string
	InstanceID int
	VersionID  uint32
	SectionID  uint32
	IsRAM      bool
}

// Describe returns a serializable snapshot of every registered entry's
// identity, for operational introspection; it never touches the wire.
func (r *Registry) Describe() []EntryDescription {
	entries := r.Entries()
	out := make([]EntryDescription, len(entries))

	for i, e := range entries {
		out[i] = EntryDescription{
			IDStr:      e.IDStr,
			InstanceID: e.InstanceID,
			VersionID:  e.VersionID,
			SectionID:  e.SectionID,
			IsRAM:      e.IsRAM,
		}
	}

	return out
}

// String renders an entry for logs/errors.
func (e *Entry) String() string {
	return fmt.Sprintf("%s(%d)#%d", e.IDStr, e.InstanceID, e.SectionID)
}
