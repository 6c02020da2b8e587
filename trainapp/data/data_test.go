package data

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiseaseStoreSeedsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disease_info.json")
	s, err := NewDiseaseStore(path)
	if err != nil {
		t.Fatal(err)
	}

	infos, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 4 {
		t.Fatalf("got %d entries, want 4", len(infos))
	}

	info, err := s.Get("tinea_pedis")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "Tinea Pedis (Athlete's Foot)" {
		t.Errorf("got name %q", info.Name)
	}
	if len(info.Symptoms) == 0 || info.Treatment == "" {
		t.Errorf("seed entry incomplete: %+v", info)
	}

	if _, err := s.Get("nonexistent"); err == nil {
		t.Error("unknown id accepted")
	}
}

func TestDiseaseStorePartialUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disease_info.json")
	s, err := NewDiseaseStore(path)
	if err != nil {
		t.Fatal(err)
	}

	severity := "moderate"
	updated, err := s.Update("candidiasis", DiseaseUpdate{Severity: &severity})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Severity != "moderate" {
		t.Errorf("got severity %q", updated.Severity)
	}
	if updated.Name == "" || updated.Description == "" {
		t.Errorf("partial update cleared other fields: %+v", updated)
	}

	// A fresh store over the same file sees the change.
	s2, err := NewDiseaseStore(path)
	if err != nil {
		t.Fatal(err)
	}
	info, err := s2.Get("candidiasis")
	if err != nil {
		t.Fatal(err)
	}
	if info.Severity != "moderate" {
		t.Errorf("update not persisted, got %q", info.Severity)
	}
}

func TestManagerStatsAndPaths(t *testing.T) {
	root := t.TempDir()
	dm, err := New(Config{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	defer dm.Destroy()

	dir := filepath.Join(root, "tinea_corporis")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	counts, err := dm.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if counts["tinea_corporis"] != 1 {
		t.Errorf("got count %d, want 1", counts["tinea_corporis"])
	}
	if counts["candidiasis"] != 0 {
		t.Errorf("missing class dir should count 0, got %d", counts["candidiasis"])
	}

	if _, err := dm.ImagePath("tinea_corporis", "a.jpg"); err != nil {
		t.Errorf("stored image not resolvable: %v", err)
	}
	if _, err := dm.ImagePath("tinea_corporis", "../../etc/passwd"); err == nil {
		t.Error("path escape accepted")
	}
	if _, err := dm.ImagePath("notaclass", "a.jpg"); err == nil {
		t.Error("unknown class accepted")
	}

	if err := dm.DeleteImage("tinea_corporis", "a.jpg"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.jpg")); !os.IsNotExist(err) {
		t.Error("image still present after delete")
	}
}
