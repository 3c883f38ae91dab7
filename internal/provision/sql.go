package provision

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"teenlancer/internal/config"
	"teenlancer/internal/store"
)

var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLProvisioner mirrors approved teens into an external account directory
// reachable over mysql or pgx. Table and column names come from config.
type SQLProvisioner struct {
	db        *sql.DB
	driver    string
	table     string
	idCol     string
	emailCol  string
	roleCol   string
	parentCol string
}

// New returns the local store provisioner, chained with the external SQL
// directory when one is configured.
func New(cfg config.Config, st *store.Store) (AccountProvisioner, error) {
	local := &StoreProvisioner{Users: st}
	if strings.TrimSpace(cfg.ProvisionDBDriver) == "" || strings.TrimSpace(cfg.ProvisionDBDSN) == "" {
		return local, nil
	}
	ext, err := NewSQLProvisioner(cfg)
	if err != nil {
		return nil, err
	}
	return &Chain{Primary: local, Secondaries: []AccountProvisioner{ext}}, nil
}

func NewSQLProvisioner(cfg config.Config) (*SQLProvisioner, error) {
	for _, ident := range []string{cfg.ProvisionTable, cfg.ProvisionIDColumn, cfg.ProvisionEmailCol, cfg.ProvisionRoleCol, cfg.ProvisionParentCol} {
		if ident != "" && !identRx.MatchString(ident) {
			return nil, fmt.Errorf("invalid SQL identifier %q", ident)
		}
	}
	if cfg.ProvisionTable == "" || cfg.ProvisionEmailCol == "" {
		return nil, fmt.Errorf("PROVISION_TABLE and PROVISION_EMAIL_COL are required")
	}
	db, err := sql.Open(cfg.ProvisionDBDriver, cfg.ProvisionDBDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLProvisionerWithDB(db, cfg), nil
}

func NewSQLProvisionerWithDB(db *sql.DB, cfg config.Config) *SQLProvisioner {
	return &SQLProvisioner{
		db:        db,
		driver:    cfg.ProvisionDBDriver,
		table:     cfg.ProvisionTable,
		idCol:     cfg.ProvisionIDColumn,
		emailCol:  cfg.ProvisionEmailCol,
		roleCol:   cfg.ProvisionRoleCol,
		parentCol: cfg.ProvisionParentCol,
	}
}

func (p *SQLProvisioner) Name() string { return "sql" }

func (p *SQLProvisioner) ProvisionTeen(ctx context.Context, acct TeenAccount) (Result, error) {
	email := store.NormalizeEmail(acct.Email)
	parentEmail := store.NormalizeEmail(acct.ParentEmail)

	var setCols []string
	var args []any
	idx := 1
	if p.roleCol != "" {
		setCols = append(setCols, fmt.Sprintf("%s=%s", p.roleCol, p.ph(idx)))
		args = append(args, "teen")
		idx++
	}
	if p.parentCol != "" {
		setCols = append(setCols, fmt.Sprintf("%s=%s", p.parentCol, p.ph(idx)))
		args = append(args, parentEmail)
		idx++
	}
	if len(setCols) > 0 {
		args = append(args, email)
		updateQ := fmt.Sprintf("UPDATE %s SET %s WHERE %s=%s", p.table, strings.Join(setCols, ","), p.emailCol, p.ph(idx))
		res, err := p.db.ExecContext(ctx, updateQ, args...)
		if err != nil {
			return Result{}, err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return Result{}, err
		}
		if rows > 0 {
			return Result{}, nil
		}
	}

	cols := []string{p.emailCol}
	vals := []any{email}
	if p.idCol != "" {
		cols = append(cols, p.idCol)
		vals = append(vals, uuid.NewString())
	}
	if p.roleCol != "" {
		cols = append(cols, p.roleCol)
		vals = append(vals, "teen")
	}
	if p.parentCol != "" {
		cols = append(cols, p.parentCol)
		vals = append(vals, parentEmail)
	}
	phs := make([]string, len(vals))
	for i := range vals {
		phs[i] = p.ph(i + 1)
	}
	insertQ := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", p.table, strings.Join(cols, ","), strings.Join(phs, ","))
	if _, err := p.db.ExecContext(ctx, insertQ, vals...); err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique") {
			return Result{}, nil
		}
		return Result{}, err
	}
	return Result{}, nil
}

func (p *SQLProvisioner) Close() error { return p.db.Close() }

func (p *SQLProvisioner) ph(i int) string {
	d := strings.ToLower(p.driver)
	if strings.Contains(d, "pgx") || strings.Contains(d, "postgres") {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}
