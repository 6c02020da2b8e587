package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Config DBconn config
type Config struct {
	DriverName string
	ConnInfo   string

	TableName string
}

// DBconn holds an open connection to the upload index table.
type DBconn struct {
	DriverName string
	ConnInfo   string

	TableName string

	db *sql.DB
}

// Item is one indexed training image.
type Item struct {
	Class       string    `json:"class"`
	OrgFilename string    `json:"orgfilename"`
	Filename    string    `json:"filename"`
	FileFormat  string    `json:"format"`
	FilePath    string    `json:"path"`
	CreateAt    time.Time `json:"createAt"`
}

func (conn *DBconn) createTable() error {
	_, err := conn.db.Exec(fmt.Sprintf(`CREATE TABLE %s (
		class CHAR(32) NOT NULL,
		orgfilename VARCHAR(128) NOT NULL,
		filename VARCHAR(128) NOT NULL,
		format CHAR(10) NOT NULL,
		path VARCHAR(255) NOT NULL,
		createAt DATETIME NOT NULL);`, conn.TableName))

	return err
}

func (conn *DBconn) existsTable() bool {
	rows, err := conn.db.Query(fmt.Sprintf("SELECT 1 FROM %s LIMIT 1;", conn.TableName))
	if err != nil {
		return false
	}
	rows.Close()

	return true
}

func (conn *DBconn) initTable() error {
	if !conn.existsTable() {
		return conn.createTable()
	}

	return nil
}

// Insert adds one image record.
func (conn *DBconn) Insert(item Item) error {
	_, err := conn.db.Exec(fmt.Sprintf(`INSERT INTO %s (
		class,
		orgfilename,
		filename,
		format,
		path,
		createAt) value (?, ?, ?, ?, ?, ?);`, conn.TableName),
		item.Class, item.OrgFilename, item.Filename,
		item.FileFormat, item.FilePath, item.CreateAt.Format("2006-01-02 15:04:05"),
	)

	return err
}

// Get returns the records matching the non-empty fields of param.
func (conn *DBconn) Get(param Item) ([]Item, error) {
	where, args := buildWhere(param)

	rows, err := conn.db.Query(
		fmt.Sprintf("SELECT class, orgfilename, filename, format, path, createAt FROM %s%s;",
			conn.TableName, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(
			&item.Class, &item.OrgFilename, &item.Filename,
			&item.FileFormat, &item.FilePath, &item.CreateAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// Delete removes the records matching the non-empty fields of param and
// returns the number deleted.
func (conn *DBconn) Delete(param Item) (int64, error) {
	where, args := buildWhere(param)

	res, err := conn.db.Exec(
		fmt.Sprintf("DELETE FROM %s%s;", conn.TableName, where), args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// CountByClass returns the number of indexed images per class.
func (conn *DBconn) CountByClass() (map[string]int64, error) {
	rows, err := conn.db.Query(
		fmt.Sprintf("SELECT class, COUNT(*) FROM %s GROUP BY class;", conn.TableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var class string
		var n int64
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		counts[class] = n
	}

	return counts, rows.Err()
}

func buildWhere(param Item) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if param.Class != "" {
		conds = append(conds, "class = ?")
		args = append(args, param.Class)
	}
	if param.Filename != "" {
		conds = append(conds, "filename = ?")
		args = append(args, param.Filename)
	}
	if param.OrgFilename != "" {
		conds = append(conds, "orgfilename = ?")
		args = append(args, param.OrgFilename)
	}

	if len(conds) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conds, " AND "), args
}

// Destroy closes the connection.
func (conn *DBconn) Destroy() error {
	return conn.db.Close()
}

// New opens a connection and makes sure the table exists.
func New(cfg Config) (*DBconn, error) {
	db, err := sql.Open(cfg.DriverName, cfg.ConnInfo)
	if err != nil {
		return nil, err
	}

	conn := &DBconn{
		DriverName: cfg.DriverName,
		ConnInfo:   cfg.ConnInfo,
		TableName:  cfg.TableName,
		db:         db,
	}

	if err := conn.initTable(); err != nil {
		db.Close()
		return nil, err
	}

	return conn, nil
}
