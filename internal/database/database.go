// Package database runs the orchestrator's hand-rolled SQL-file migration
// runner against Postgres, with a checksum guard against a migration file
// being edited after it was already applied to an environment.
package database

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/lexure-intelligence/payment-orchestrator/internal/apperr"
)

// RunMigrations applies every *.up.sql file under migrations/, in
// lexicographic order, tracking applied versions and content checksums in
// schema_migrations.
func RunMigrations(db *gorm.DB) error {
	files, err := filepath.Glob("migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("failed to glob migration files: %w", err)
	}
	sort.Strings(files)

	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, file := range files {
		if err := runMigration(db, file); err != nil {
			return fmt.Errorf("failed to run migration %s: %w", file, err)
		}
	}

	return nil
}

func createMigrationsTable(db *gorm.DB) error {
	sql := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id SERIAL PRIMARY KEY,
		version VARCHAR(255) NOT NULL UNIQUE,
		checksum VARCHAR(64) NOT NULL DEFAULT '',
		applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	`
	if err := db.Exec(sql).Error; err != nil {
		return err
	}
	// Upgrade path for a schema_migrations table created before the checksum
	// column existed; ignored when the column is already present.
	db.Exec(`ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum VARCHAR(64) NOT NULL DEFAULT ''`)
	return nil
}

func runMigration(db *gorm.DB, filePath string) error {
	version := strings.TrimSuffix(filepath.Base(filePath), ".up.sql")

	content, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}
	checksum := checksumOf(content)

	var applied struct {
		Checksum string
	}
	found := db.Table("schema_migrations").Select("checksum").Where("version = ?", version).Take(&applied).Error == nil
	if found {
		if applied.Checksum != "" && applied.Checksum != checksum {
			return apperr.New(apperr.KindInternal,
				fmt.Sprintf("migration %s was modified after being applied: recorded checksum %s, file now hashes to %s", version, applied.Checksum, checksum))
		}
		return nil
	}

	statements := parseSQLStatements(string(content))
	for _, statement := range statements {
		statement = strings.TrimSpace(statement)
		if statement == "" {
			continue
		}
		if err := db.Exec(statement).Error; err != nil {
			if isBenignRerunError(err) {
				continue
			}
			return classifyMigrationError(statement, err)
		}
	}

	if err := db.Exec("INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)", version, checksum).Error; err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return nil
}

// checksumOf returns the hex-encoded SHA-256 of a migration file's contents,
// used to detect a migration edited after it was already applied somewhere.
func checksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// isBenignRerunError reports whether a statement failure is the expected
// shape of re-running a migration against an environment that already has
// the object from a prior partial run (e.g. a crash between statements).
func isBenignRerunError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists")
}

// classifyMigrationError wraps a non-benign statement failure with the kind
// the rest of the system uses to decide whether a migration failure should
// page an operator (KindInternal) versus a caller-facing validation problem;
// migration DDL failures are never caller-facing, so everything lands as
// KindInternal, but the statement is preserved in the message since a bare
// Postgres driver error gives no indication which of N statements in a
// multi-statement file failed.
func classifyMigrationError(statement string, err error) error {
	return apperr.Wrap(apperr.KindInternal, "failed to execute migration statement: "+firstLineOf(statement), err)
}

func firstLineOf(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

// MigrationStatus reports one applied migration's version, checksum, and
// timestamp.
type MigrationStatus struct {
	Version   string `json:"version"`
	Checksum  string `json:"checksum"`
	AppliedAt string `json:"applied_at"`
}

// GetMigrationStatus returns every applied migration, oldest first.
func GetMigrationStatus(db *gorm.DB) ([]MigrationStatus, error) {
	var migrations []MigrationStatus
	err := db.Table("schema_migrations").
		Select("version, checksum, applied_at").
		Order("applied_at ASC").
		Find(&migrations).Error
	return migrations, err
}

// parseSQLStatements splits a migration file into individual statements,
// treating dollar-quoted function bodies (used by the trigger functions
// in 0002) as a single statement rather than splitting on their internal
// semicolons.
func parseSQLStatements(content string) []string {
	var statements []string
	var currentStatement strings.Builder
	var inFunction bool
	var dollarQuoteCount int

	lines := strings.Split(content, "\n")

	for _, line := range lines {
		trimmedLine := strings.TrimSpace(line)

		if strings.Contains(strings.ToUpper(trimmedLine), "CREATE OR REPLACE FUNCTION") ||
			strings.Contains(strings.ToUpper(trimmedLine), "CREATE FUNCTION") {
			inFunction = true
			dollarQuoteCount = 0
		}

		if inFunction {
			dollarQuoteCount += strings.Count(trimmedLine, "$$")
		}

		currentStatement.WriteString(line)
		currentStatement.WriteString("\n")

		if !inFunction && trimmedLine != "" && strings.HasSuffix(trimmedLine, ";") {
			statements = append(statements, currentStatement.String())
			currentStatement.Reset()
		} else if inFunction && dollarQuoteCount%2 == 0 && dollarQuoteCount > 0 && trimmedLine != "" {
			statements = append(statements, currentStatement.String())
			currentStatement.Reset()
			inFunction = false
		}
	}

	if strings.TrimSpace(currentStatement.String()) != "" {
		statements = append(statements, currentStatement.String())
	}

	return statements
}
