package database

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Index is created with CREATE INDEX IF NOT EXISTS after its table. It is
// used where the index name depends on a runtime table name.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// Table pairs a model with an optional explicit table name and extra indexes.
type Table struct {
	Name    string
	Model   any
	Indexes []Index
}

// EnsureSchema creates each missing table and index. A failing table is
// logged and skipped so the rest of the schema still gets created. The names
// of failed tables are returned.
func EnsureSchema(db *gorm.DB, logger *zap.Logger, tables ...Table) []string {
	if logger == nil {
		logger = zap.NewNop()
	}
	var failed []string
	for _, table := range tables {
		session := db
		if table.Name != "" {
			session = db.Table(table.Name)
		}
		name := table.Name
		if name == "" {
			name = tableNameOf(db, table.Model)
		}
		if err := session.AutoMigrate(table.Model); err != nil {
			logger.Error("table creation failed", zap.String("table", name), zap.Error(err))
			failed = append(failed, name)
			continue
		}
		for _, index := range table.Indexes {
			if err := db.Exec(createIndexStatement(name, index)).Error; err != nil {
				logger.Error("index creation failed",
					zap.String("table", name),
					zap.String("index", index.Name),
					zap.Error(err))
				failed = append(failed, name)
				break
			}
		}
	}
	return failed
}

func createIndexStatement(table string, index Index) string {
	unique := ""
	if index.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, index.Name, table, strings.Join(index.Columns, ", "))
}

func tableNameOf(db *gorm.DB, model any) string {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return "unknown"
	}
	return stmt.Schema.Table
}
