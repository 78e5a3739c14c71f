package session

import (
	"errors"
	"testing"
)

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry()

	a := r.Create(CreateOptions{})
	b := r.Create(CreateOptions{Provider: ProviderLocal})

	if a.ID() == b.ID() {
		t.Fatalf("temp ids not unique: %s", a.ID())
	}
	if !a.ID().IsTemp() || !b.ID().IsTemp() {
		t.Fatal("new sessions must carry temp ids")
	}
	if r.Active() != b {
		t.Error("newest session should be active")
	}
	all := r.All()
	if len(all) != 2 || all[0] != b || all[1] != a {
		t.Errorf("sessions not prepended: %v", all)
	}
	if b.Provider() != ProviderLocal {
		t.Errorf("provider = %s, want local", b.Provider())
	}
	if a.Title() != DefaultTitle {
		t.Errorf("title = %q, want default", a.Title())
	}
}

func TestRegistryActiveCreatesWhenEmpty(t *testing.T) {
	r := NewRegistry()
	s := r.Active()
	if s == nil {
		t.Fatal("Active() returned nil")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if r.Active() != s {
		t.Error("Active() should be stable")
	}
}

func TestRegistrySetActive(t *testing.T) {
	r := NewRegistry()
	a := r.Create(CreateOptions{})
	r.Create(CreateOptions{})

	if err := r.SetActive(a.ID()); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if r.Active() != a {
		t.Error("active pointer not switched")
	}

	err := r.SetActive(TempID("temp-999"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SetActive(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistryReconcile(t *testing.T) {
	r := NewRegistry()
	s := r.Create(CreateOptions{})
	temp, _ := s.ID().Temp()

	if err := r.Reconcile(temp, 42); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if id, ok := s.ID().Persistent(); !ok || id != 42 {
		t.Fatalf("ID() = %s, want 42", s.ID())
	}
	if _, err := r.Get(TempID(temp)); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("old temp id still reachable: %v", err)
	}
	got, err := r.Get(PersistentID(42))
	if err != nil || got != s {
		t.Errorf("Get(42) = %v, %v", got, err)
	}
	if r.Active() != s {
		t.Error("active pointer lost after reconcile")
	}
}

func TestRegistryReconcileIdempotent(t *testing.T) {
	r := NewRegistry()
	s := r.Create(CreateOptions{})
	other := r.Create(CreateOptions{})
	temp, _ := s.ID().Temp()

	if err := r.Reconcile(temp, 7); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	before := r.All()
	if err := r.Reconcile(temp, 7); err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	after := r.All()

	if len(before) != len(after) {
		t.Fatalf("registry size changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] || before[i].ID() != after[i].ID() {
			t.Errorf("position %d changed", i)
		}
	}
	if !other.ID().IsTemp() {
		t.Error("unrelated session was reconciled")
	}
}

func TestRegistryReconcileConflict(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *Registry) (temp string, pid int64)
		want  error
	}{
		{
			name: "temp mapped to a different id",
			setup: func(r *Registry) (string, int64) {
				s := r.Create(CreateOptions{})
				temp, _ := s.ID().Temp()
				_ = r.Reconcile(temp, 1)
				return temp, 2
			},
			want: ErrReconciliationConflict,
		},
		{
			name: "persistent id owned by another session",
			setup: func(r *Registry) (string, int64) {
				a := r.Create(CreateOptions{})
				b := r.Create(CreateOptions{})
				ta, _ := a.ID().Temp()
				tb, _ := b.ID().Temp()
				_ = r.Reconcile(ta, 5)
				return tb, 5
			},
			want: ErrReconciliationConflict,
		},
		{
			name: "unknown temp id",
			setup: func(r *Registry) (string, int64) {
				return "temp-404", 9
			},
			want: ErrSessionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			temp, pid := tt.setup(r)
			if err := r.Reconcile(temp, pid); !errors.Is(err, tt.want) {
				t.Errorf("Reconcile() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	a := r.Create(CreateOptions{})
	b := r.Create(CreateOptions{})

	removed, err := r.Remove(b.ID())
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if removed != b {
		t.Error("Remove() returned wrong session")
	}
	if r.Active() != a {
		t.Error("next session should become active")
	}
	if _, err := r.Remove(b.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestRegistryReplaceAdvancesTempCounter(t *testing.T) {
	r := NewRegistry()
	r.Replace([]*Session{
		FromSnapshot(Snapshot{ID: TempID("temp-12"), Title: "cached"}),
		FromSnapshot(Snapshot{ID: PersistentID(3), Title: "saved"}),
	})

	if r.Active().Title() != "cached" {
		t.Errorf("first session should be active, got %q", r.Active().Title())
	}
	s := r.Create(CreateOptions{})
	if got := s.ID().String(); got != "temp-13" {
		t.Errorf("new temp id = %s, want temp-13", got)
	}
}
