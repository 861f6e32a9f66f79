// Package sqlrepo is a [repository.Repository] backed by a SQL database (SQLite, MySQL or PostgreSQL).
package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/d--j/go-disclaimr/model"
	"github.com/d--j/go-disclaimr/repository"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Repository reads the configuration from a SQL database.
type Repository struct {
	db *sqlx.DB
}

var _ repository.Repository = (*Repository)(nil)

// Open connects to the database. driver is one of sqlite3, mysql or postgres.
func Open(ctx context.Context, driver, dsn string) (*Repository, error) {
	if _, err := dialect(driver); err != nil {
		return nil, err
	}
	log.Info().Str("driver", driver).Msg("connecting to configuration database")
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlrepo: connect: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Migrate applies all outstanding schema migrations and returns how many got applied.
func (r *Repository) Migrate() (int, error) {
	d, err := dialect(r.db.DriverName())
	if err != nil {
		return 0, err
	}
	n, err := migrate.Exec(r.db.DB, d, Migrations(), migrate.Up)
	if err != nil {
		return n, fmt.Errorf("sqlrepo: migrate: %w", err)
	}
	if n > 0 {
		log.Info().Int("migrations", n).Msg("database migrations applied")
	}
	return n, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) selectOne(ctx context.Context, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, r.db, dest, r.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}

func (r *Repository) selectSlice(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, r.db, dest, r.db.Rebind(query), args...)
}

type requirementNetworkRow struct {
	ID       int64  `db:"id"`
	RuleID   int64  `db:"rule_id"`
	SenderIP string `db:"sender_ip"`
}

func (r *Repository) RequirementNetworks(ctx context.Context) ([]model.RequirementNetwork, error) {
	const query = `
		select r.id, r.rule_id, r.sender_ip
		from requirements r
		where r.enabled = ?
		  and exists (select 1 from actions a where a.rule_id = r.rule_id and a.enabled = ?)
		order by r.id
	`

	var rows []requirementNetworkRow
	if err := r.selectSlice(ctx, &rows, query, true, true); err != nil {
		return nil, err
	}

	out := make([]model.RequirementNetwork, 0, len(rows))
	for _, row := range rows {
		network, err := model.ParseNetwork(row.SenderIP)
		if err != nil {
			log.ErrorContext(ctx).Err(err).Int64("requirement", row.ID).Str("sender_ip", row.SenderIP).Msg("invalid sender IP network")
			continue
		}
		out = append(out, model.RequirementNetwork{RequirementID: row.ID, RuleID: row.RuleID, Network: network})
	}
	return out, nil
}

type requirementRow struct {
	ID          int64  `db:"id"`
	RuleID      int64  `db:"rule_id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Enabled     bool   `db:"enabled"`
	SenderIP    string `db:"sender_ip"`
	Sender      string `db:"sender"`
	Recipient   string `db:"recipient"`
	Header      string `db:"header"`
	Body        string `db:"body"`
	Effect      int    `db:"effect"`
}

func (r *Repository) Requirement(ctx context.Context, id int64) (*model.Requirement, error) {
	const query = `
		select id, rule_id, name, description, enabled, sender_ip, sender, recipient, header, body, effect
		from requirements
		where id = ?
	`

	var row requirementRow
	if err := r.selectOne(ctx, &row, query, id); err != nil {
		return nil, err
	}
	effect := model.Effect(row.Effect)
	if !effect.Valid() {
		return nil, fmt.Errorf("sqlrepo: requirement %d: invalid effect %d", row.ID, row.Effect)
	}
	return &model.Requirement{
		ID:          row.ID,
		RuleID:      row.RuleID,
		Name:        row.Name,
		Description: row.Description,
		Enabled:     row.Enabled,
		SenderIP:    row.SenderIP,
		Sender:      row.Sender,
		Recipient:   row.Recipient,
		Header:      row.Header,
		Body:        row.Body,
		Effect:      effect,
	}, nil
}

type ruleRow struct {
	ID            int64  `db:"id"`
	Name          string `db:"name"`
	Description   string `db:"description"`
	Position      int    `db:"position"`
	ContinueRules bool   `db:"continue_rules"`
}

func (r *Repository) Rule(ctx context.Context, id int64) (*model.Rule, error) {
	const query = `
		select id, name, description, position, continue_rules
		from rules
		where id = ?
	`
	const actionsQuery = `
		select id
		from actions
		where rule_id = ?
		order by position, id
	`

	var row ruleRow
	if err := r.selectOne(ctx, &row, query, id); err != nil {
		return nil, err
	}
	var actionIDs []int64
	if err := r.selectSlice(ctx, &actionIDs, actionsQuery, id); err != nil {
		return nil, err
	}
	return &model.Rule{
		ID:            row.ID,
		Name:          row.Name,
		Description:   row.Description,
		Position:      row.Position,
		ContinueRules: row.ContinueRules,
		ActionIDs:     actionIDs,
	}, nil
}

type actionRow struct {
	ID                int64  `db:"id"`
	RuleID            int64  `db:"rule_id"`
	Name              string `db:"name"`
	Description       string `db:"description"`
	Position          int    `db:"position"`
	Enabled           bool   `db:"enabled"`
	Kind              int    `db:"kind"`
	Parameters        string `db:"parameters"`
	OnlyMIME          string `db:"only_mime"`
	DisclaimerID      int64  `db:"disclaimer_id"`
	ResolveSender     bool   `db:"resolve_sender"`
	ResolveSenderFail bool   `db:"resolve_sender_fail"`
}

func (r *Repository) Action(ctx context.Context, id int64) (*model.Action, error) {
	const query = `
		select id, rule_id, name, description, position, enabled, kind, parameters, only_mime,
		       disclaimer_id, resolve_sender, resolve_sender_fail
		from actions
		where id = ?
	`
	const serversQuery = `
		select directory_server_id
		from action_directory_servers
		where action_id = ?
		order by position, directory_server_id
	`

	var row actionRow
	if err := r.selectOne(ctx, &row, query, id); err != nil {
		return nil, err
	}
	kind := model.ActionKind(row.Kind)
	if !kind.Valid() {
		return nil, fmt.Errorf("sqlrepo: action %d: invalid kind %d", row.ID, row.Kind)
	}
	var serverIDs []int64
	if err := r.selectSlice(ctx, &serverIDs, serversQuery, id); err != nil {
		return nil, err
	}
	return &model.Action{
		ID:                 row.ID,
		RuleID:             row.RuleID,
		Name:               row.Name,
		Description:        row.Description,
		Position:           row.Position,
		Enabled:            row.Enabled,
		Kind:               kind,
		Parameters:         row.Parameters,
		OnlyMIME:           row.OnlyMIME,
		DisclaimerID:       row.DisclaimerID,
		DirectoryServerIDs: serverIDs,
		ResolveSender:      row.ResolveSender,
		ResolveSenderFail:  row.ResolveSenderFail,
	}, nil
}

type disclaimerRow struct {
	ID              int64  `db:"id"`
	Name            string `db:"name"`
	Description     string `db:"description"`
	Text            string `db:"text"`
	TextCharset     string `db:"text_charset"`
	TextUseTemplate bool   `db:"text_use_template"`
	HTMLUseText     bool   `db:"html_use_text"`
	HTML            string `db:"html"`
	HTMLCharset     string `db:"html_charset"`
	HTMLUseTemplate bool   `db:"html_use_template"`
	TemplateFail    bool   `db:"template_fail"`
	UseHTMLFallback bool   `db:"use_html_fallback"`
}

func (r *Repository) Disclaimer(ctx context.Context, id int64) (*model.Disclaimer, error) {
	const query = `
		select id, name, description, text, text_charset, text_use_template, html_use_text,
		       html, html_charset, html_use_template, template_fail, use_html_fallback
		from disclaimers
		where id = ?
	`

	var row disclaimerRow
	if err := r.selectOne(ctx, &row, query, id); err != nil {
		return nil, err
	}
	d := model.Disclaimer(row)
	return &d, nil
}

type directoryServerRow struct {
	ID           int64  `db:"id"`
	Name         string `db:"name"`
	Description  string `db:"description"`
	Enabled      bool   `db:"enabled"`
	Auth         int    `db:"auth"`
	UserDN       string `db:"user_dn"`
	Password     string `db:"password"`
	BaseDN       string `db:"base_dn"`
	SearchQuery  string `db:"search_query"`
	EnableCache  bool   `db:"enable_cache"`
	CacheTimeout int    `db:"cache_timeout"`
}

func (r *Repository) DirectoryServer(ctx context.Context, id int64) (*model.DirectoryServer, error) {
	const query = `
		select id, name, description, enabled, auth, user_dn, password, base_dn, search_query,
		       enable_cache, cache_timeout
		from directory_servers
		where id = ?
	`
	const urlsQuery = `
		select url
		from directory_server_urls
		where directory_server_id = ?
		order by position, id
	`

	var row directoryServerRow
	if err := r.selectOne(ctx, &row, query, id); err != nil {
		return nil, err
	}
	var urls []string
	if err := r.selectSlice(ctx, &urls, urlsQuery, id); err != nil {
		return nil, err
	}
	return &model.DirectoryServer{
		ID:           row.ID,
		Name:         row.Name,
		Description:  row.Description,
		Enabled:      row.Enabled,
		URLs:         urls,
		Auth:         model.AuthMethod(row.Auth),
		UserDN:       row.UserDN,
		Password:     row.Password,
		BaseDN:       row.BaseDN,
		SearchQuery:  row.SearchQuery,
		EnableCache:  row.EnableCache,
		CacheTimeout: row.CacheTimeout,
	}, nil
}
