package migration_test

import (
	"testing"

	"github.com/vmshift/vmshift/migration"
)

func TestRegisterAutoAssignsInstance(t *testing.T) {
	t.Parallel()

	reg := migration.NewRegistry(0)

	e0, err := reg.Register("net", -1, 1, migration.Callbacks{}, migration.Schema{}, true, "opaque0", migration.RegisterOpts{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if e0.InstanceID != 0 {
		t.Fatalf("first auto instance = %d, want 0", e0.InstanceID)
	}

	e1, err := reg.Register("net", -1, 1, migration.Callbacks{}, migration.Schema{}, true, "opaque1", migration.RegisterOpts{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if e1.InstanceID != 1 {
		t.Fatalf("second auto instance = %d, want 1", e1.InstanceID)
	}
}

func TestRegisterSectionIDsMonotonic(t *testing.T) {
	t.Parallel()

	reg := migration.NewRegistry(5)

	e0, _ := reg.Register("a", 0, 1, migration.Callbacks{}, migration.Schema{}, true, nil, migration.RegisterOpts{})
	e1, _ := reg.Register("b", 0, 1, migration.Callbacks{}, migration.Schema{}, true, nil, migration.RegisterOpts{})

	if e0.SectionID != 5 || e1.SectionID != 6 {
		t.Fatalf("section ids = %d,%d, want 5,6", e0.SectionID, e1.SectionID)
	}

	if reg.HighWaterMark() != 7 {
		t.Fatalf("high water mark = %d, want 7", reg.HighWaterMark())
	}
}

func TestRegisterWithDeviceUsesCompatAndPrefixedIDStr(t *testing.T) {
	t.Parallel()

	reg := migration.NewRegistry(0)

	e, err := reg.Register("vring", 3, 1, migration.Callbacks{}, migration.Schema{}, true, nil,
		migration.RegisterOpts{DevicePath: "virtio-net-0"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if e.IDStr != "virtio-net-0/vring" {
		t.Fatalf("idstr = %q, want %q", e.IDStr, "virtio-net-0/vring")
	}

	if e.Compat == nil || e.Compat.IDStr != "vring" || e.Compat.InstanceID != 3 {
		t.Fatalf("compat = %+v, want {vring 3}", e.Compat)
	}

	// Instance is reassigned via auto-assignment, not left at the caller's 3.
	if e.InstanceID != 0 {
		t.Fatalf("instance = %d, want 0 (auto-assigned)", e.InstanceID)
	}
}

func TestFindByEffectiveIDStr(t *testing.T) {
	t.Parallel()

	reg := migration.NewRegistry(0)
	reg.Register("disk", 0, 1, migration.Callbacks{}, migration.Schema{}, true, nil, migration.RegisterOpts{})

	e, ok := reg.Find("disk", 0)
	if !ok || e.IDStr != "disk" {
		t.Fatalf("Find(disk,0) = %v,%v", e, ok)
	}

	if _, ok := reg.Find("disk", 1); ok {
		t.Fatal("Find(disk,1) unexpectedly found")
	}
}

func TestFindByLegacyCompat(t *testing.T) {
	t.Parallel()

	reg := migration.NewRegistry(0)
	reg.Register("vring", 3, 1, migration.Callbacks{}, migration.Schema{}, true, nil,
		migration.RegisterOpts{DevicePath: "virtio-net-0"})

	// An older stream only ever knew the un-prefixed name/instance.
	e, ok := reg.Find("vring", 3)
	if !ok {
		t.Fatal("Find via legacy compat record failed")
	}

	if e.IDStr != "virtio-net-0/vring" {
		t.Fatalf("resolved entry idstr = %q", e.IDStr)
	}
}

func TestUnregisterRemovesMatchingOpaque(t *testing.T) {
	t.Parallel()

	reg := migration.NewRegistry(0)

	opaqueA := new(int)
	opaqueB := new(int)

	reg.Register("dev", 0, 1, migration.Callbacks{}, migration.Schema{}, true, opaqueA, migration.RegisterOpts{})
	reg.Register("dev", 1, 1, migration.Callbacks{}, migration.Schema{}, true, opaqueB, migration.RegisterOpts{})

	reg.Unregister("dev", opaqueA)

	if _, ok := reg.Find("dev", 0); ok {
		t.Fatal("entry with opaqueA still present after Unregister")
	}

	if _, ok := reg.Find("dev", 1); !ok {
		t.Fatal("entry with opaqueB removed unexpectedly")
	}
}

func TestAnyBlocked(t *testing.T) {
	t.Parallel()

	reg := migration.NewRegistry(0)
	reg.Register("ok-dev", 0, 1, migration.Callbacks{}, migration.Schema{}, true, nil, migration.RegisterOpts{})
	reg.Register("bad-dev", 0, 1, migration.Callbacks{
		IsMigratable: func(any) bool { return false },
	}, migration.Schema{}, true, nil, migration.RegisterOpts{})

	blocked, offender := reg.AnyBlocked()
	if !blocked || offender != "bad-dev" {
		t.Fatalf("AnyBlocked = %v,%q, want true,bad-dev", blocked, offender)
	}
}

func TestEntriesPreservesRegistrationOrder(t *testing.T) {
	t.Parallel()

	reg := migration.NewRegistry(0)
	reg.Register("c", 0, 1, migration.Callbacks{}, migration.Schema{}, true, nil, migration.RegisterOpts{})
	reg.Register("a", 0, 1, migration.Callbacks{}, migration.Schema{}, true, nil, migration.RegisterOpts{})
	reg.Register("b", 0, 1, migration.Callbacks{}, migration.Schema{}, true, nil, migration.RegisterOpts{})

	entries := reg.Entries()

	want := []string{"c", "a", "b"}
	for i, w := range want {
		if entries[i].IDStr != w {
			t.Fatalf("entries[%d] = %q, want %q", i, entries[i].IDStr, w)
		}
	}
}
