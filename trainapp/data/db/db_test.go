package db

import (
	"testing"
	"time"
)

func TestDB(t *testing.T) {
	driverName := "mysql"
	connInfo := "user1:password1@tcp(db:3306)/fungal_image_db?parseTime=true"
	tableName := "test_tab1"

	conn, err := New(Config{
		DriverName: driverName,
		ConnInfo:   connInfo,
		TableName:  tableName,
	})
	if err != nil {
		t.Skipf("database unreachable: %v", err)
	}
	defer conn.Destroy()
	defer conn.db.Exec("DROP TABLE " + tableName + ";")

	item := Item{
		Class:       "candidiasis",
		OrgFilename: "lesion.jpg",
		Filename:    "a1b2c3d4-lesion.jpg",
		FileFormat:  "jpg",
		FilePath:    "data/training_images/candidiasis/a1b2c3d4-lesion.jpg",
		CreateAt:    time.Now(),
	}
	if err := conn.Insert(item); err != nil {
		t.Fatal(err)
	}

	items, err := conn.Get(Item{Class: "candidiasis"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Filename != item.Filename {
		t.Errorf("got filename %q, want %q", items[0].Filename, item.Filename)
	}

	counts, err := conn.CountByClass()
	if err != nil {
		t.Fatal(err)
	}
	if counts["candidiasis"] != 1 {
		t.Errorf("got count %d, want 1", counts["candidiasis"])
	}

	deleted, err := conn.Delete(Item{Filename: item.Filename})
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d rows, want 1", deleted)
	}
}
