package sqlrepo

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

const migrationTable = "disclaimr_migrations"

func init() {
	migrate.SetTable(migrationTable)
}

// Migrations returns the schema migrations of the configuration database.
func Migrations() *migrate.MemoryMigrationSource {
	return &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "0001_initial",
				Up: []string{
					`create table rules (
						id bigint not null primary key,
						name varchar(255) not null,
						description varchar(1024) not null default '',
						position integer not null default 0,
						continue_rules boolean not null default false
					)`,
					`create table requirements (
						id bigint not null primary key,
						rule_id bigint not null references rules (id) on delete cascade,
						name varchar(255) not null,
						description varchar(1024) not null default '',
						enabled boolean not null default true,
						sender_ip varchar(64) not null default '0.0.0.0/0',
						sender varchar(255) not null default '.*',
						recipient varchar(255) not null default '.*',
						header varchar(1024) not null default '.*',
						body varchar(1024) not null default '.*',
						effect integer not null default 0
					)`,
					`create table disclaimers (
						id bigint not null primary key,
						name varchar(255) not null,
						description varchar(1024) not null default '',
						text text not null,
						text_charset varchar(64) not null default 'utf-8',
						text_use_template boolean not null default true,
						html_use_text boolean not null default true,
						html text not null,
						html_charset varchar(64) not null default 'utf-8',
						html_use_template boolean not null default true,
						template_fail boolean not null default false,
						use_html_fallback boolean not null default false
					)`,
					`create table directory_servers (
						id bigint not null primary key,
						name varchar(255) not null,
						description varchar(1024) not null default '',
						enabled boolean not null default true,
						auth integer not null default 0,
						user_dn varchar(255) not null default '',
						password varchar(255) not null default '',
						base_dn varchar(255) not null,
						search_query varchar(1024) not null default 'mail=%s',
						enable_cache boolean not null default true,
						cache_timeout integer not null default 3600
					)`,
					`create table directory_server_urls (
						id bigint not null primary key,
						directory_server_id bigint not null references directory_servers (id) on delete cascade,
						url varchar(255) not null,
						position integer not null default 0
					)`,
					`create table actions (
						id bigint not null primary key,
						rule_id bigint not null references rules (id) on delete cascade,
						name varchar(255) not null,
						description varchar(1024) not null default '',
						position integer not null default 0,
						enabled boolean not null default true,
						kind integer not null default 1,
						parameters varchar(1024) not null default '',
						only_mime varchar(255) not null default '',
						disclaimer_id bigint not null references disclaimers (id),
						resolve_sender boolean not null default false,
						resolve_sender_fail boolean not null default false
					)`,
					`create table action_directory_servers (
						action_id bigint not null references actions (id) on delete cascade,
						directory_server_id bigint not null references directory_servers (id) on delete cascade,
						position integer not null default 0,
						primary key (action_id, directory_server_id)
					)`,
					`create index requirements_rule_id on requirements (rule_id)`,
					`create index actions_rule_id on actions (rule_id)`,
				},
				Down: []string{
					`drop table action_directory_servers`,
					`drop table actions`,
					`drop table directory_server_urls`,
					`drop table directory_servers`,
					`drop table disclaimers`,
					`drop table requirements`,
					`drop table rules`,
				},
			},
		},
	}
}

// dialect maps a database/sql driver name to the sql-migrate dialect.
func dialect(driver string) (string, error) {
	switch driver {
	case "sqlite3", "mysql", "postgres":
		return driver, nil
	default:
		return "", fmt.Errorf("sqlrepo: unsupported driver %q", driver)
	}
}
