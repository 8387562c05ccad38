package relorm

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for common failure cases
var (
	// ErrRecordNotFound is returned when a query returns no results
	ErrRecordNotFound = errors.New("relorm: record not found")

	// ErrAssociationNotFound is returned when an association name is not declared on a model
	ErrAssociationNotFound = errors.New("relorm: association not found")

	// ErrInvalidAssociation is returned for unknown association types or
	// operations the association type does not support
	ErrInvalidAssociation = errors.New("relorm: invalid association type")

	// ErrMissingOption is returned when a required association option cannot be inferred
	ErrMissingOption = errors.New("relorm: missing required association option")

	// ErrUnresolvedModel is returned by Finalize when a model name cannot be resolved
	ErrUnresolvedModel = errors.New("relorm: unresolved model reference")

	// ErrEagerGraphNotAllowed is returned when eager_graph is requested for an
	// association that cannot be joined
	ErrEagerGraphNotAllowed = errors.New("relorm: association cannot be eager graphed")

	// ErrNotFinalized is returned when associations are used before Registry.Finalize
	ErrNotFinalized = errors.New("relorm: registry not finalized")

	// ErrMismatchedModel is returned when an instance of the wrong model is passed
	ErrMismatchedModel = errors.New("relorm: instance model mismatch")

	// ErrNilInstance is returned when a nil instance is passed
	ErrNilInstance = errors.New("relorm: nil instance")

	// ErrNoPrimaryKey is returned when an operation needs a primary key the model lacks
	ErrNoPrimaryKey = errors.New("relorm: model has no primary key")

	// ErrDuplicateKey is returned for unique constraint violations
	ErrDuplicateKey = errors.New("relorm: duplicate key violation")

	// ErrForeignKey is returned for foreign key constraint violations
	ErrForeignKey = errors.New("relorm: foreign key constraint violation")

	// ErrReadOnly is returned when mutating a read-only association
	ErrReadOnly = errors.New("relorm: association is read only")

	// ErrUnsupportedDialect is returned when a feature is not available for the dialect
	ErrUnsupportedDialect = errors.New("relorm: unsupported by dialect")

	// ErrInvalidIdentifier is returned for table or column names that are not plain identifiers
	ErrInvalidIdentifier = errors.New("relorm: invalid identifier")

	// ErrNoModel is returned when instances are requested from a dataset without a model
	ErrNoModel = errors.New("relorm: dataset has no model")
)

// ConfigError reports a configuration mistake on a model or association.
// These are deterministic programming errors and are never retried.
type ConfigError struct {
	Model       string
	Association string
	Err         error
}

func (e *ConfigError) Error() string {
	if e.Association == "" {
		return fmt.Sprintf("relorm: model %s: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("relorm: model %s association %q: %v", e.Model, e.Association, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// newConfigError builds a ConfigError, attaching a user-facing hint when given.
func newConfigError(model, association string, err error, hint string) error {
	var out error = &ConfigError{Model: model, Association: association, Err: err}
	if hint != "" {
		out = errors.WithHint(out, hint)
	}
	return out
}

// MismatchError reports an instance of the wrong model passed to an
// association helper.
type MismatchError struct {
	Association string
	Expected    string
	Got         string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("relorm: association %q expects %s instances, got %s",
		e.Association, e.Expected, e.Got)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrMismatchedModel
}

// QueryError wraps database errors with query context for better debugging
type QueryError struct {
	Query     string // The SQL query that failed
	Args      []any  // The query arguments
	Operation string // Operation type: SELECT, INSERT, UPDATE, DELETE
	Err       error  // The underlying error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("relorm: %s failed: %v\nQuery: %s\nArgs: %s",
		e.Operation, e.Err, e.Query, formatArgs(e.Args))
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// AssociationError wraps association loading failures with context
type AssociationError struct {
	Association string // Name of the association
	Model       string // Name of the owner model
	Err         error  // The underlying error
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("relorm: association %q on model %s: %v",
		e.Association, e.Model, e.Err)
}

func (e *AssociationError) Unwrap() error {
	return e.Err
}

// wrapAssociationError adds association context unless err already is a
// configuration error, which carries its own.
func wrapAssociationError(association, model string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return err
	}
	var ae *AssociationError
	if errors.As(err, &ae) {
		return err
	}
	return &AssociationError{Association: association, Model: model, Err: err}
}

// PostgreSQL SQLSTATE codes for constraint violations (Class 23).
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// MySQL error numbers for constraint violations.
const (
	mysqlDuplicateEntry   = 1062
	mysqlForeignKeyParent = 1451
	mysqlForeignKeyChild  = 1452
)

// WrapQueryError wraps a database error with query context.
// Constraint violations are tagged with ErrDuplicateKey or ErrForeignKey,
// everything else passes through unmodified inside the QueryError.
func WrapQueryError(operation, query string, args []any, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}

	switch {
	case isUniqueViolation(err):
		err = errors.Mark(err, ErrDuplicateKey)
	case isForeignKeyViolation(err):
		err = errors.Mark(err, ErrForeignKey)
	}

	return &QueryError{
		Query:     query,
		Args:      args,
		Operation: operation,
		Err:       err,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlForeignKeyParent || myErr.Number == mysqlForeignKeyChild
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// IsNotFound checks if the error is ErrRecordNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsConfigError reports whether err is a model or association configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsDuplicateKey checks if the error is a duplicate key violation
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// IsForeignKeyViolation checks if the error is a foreign key violation
func IsForeignKeyViolation(err error) bool {
	return errors.Is(err, ErrForeignKey)
}

// formatArgs formats query arguments for error messages
func formatArgs(args []any) string {
	if len(args) == 0 {
		return "[]"
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprintf("%v", arg)
	}

	result := "[" + strings.Join(parts, ", ") + "]"
	if len(result) > 200 {
		return result[:197] + "...]"
	}
	return result
}
