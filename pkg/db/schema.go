package db

import (
	"fmt"
	"regexp"
)

var identRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,47}$`)

// Tables lists every table the chat store owns, in creation order.
var Tables = []string{
	"users",
	"conversations",
	"conversations_by_pair",
	"user_conversations",
	"messages",
	"message_reads",
	"message_counts",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		display_name text,
		photo_url text,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id bigint PRIMARY KEY,
		participants list<text>,
		is_group boolean,
		group_name text,
		admin_id text,
		last_message_id bigint,
		last_activity timestamp,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS conversations_by_pair (
		user_a text,
		user_b text,
		conversation_id bigint,
		PRIMARY KEY ((user_a, user_b))
	)`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		conversation_id bigint,
		PRIMARY KEY (user_id, conversation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id bigint,
		id bigint,
		sender_id text,
		content text,
		type text,
		file_url text,
		file_name text,
		created_at timestamp,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
	`CREATE TABLE IF NOT EXISTS message_reads (
		conversation_id bigint,
		message_id bigint,
		user_id text,
		read_at timestamp,
		PRIMARY KEY ((conversation_id), message_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS message_counts (
		conversation_id bigint PRIMARY KEY,
		total counter
	)`,
}

// EnsureKeyspace creates the keyspace with SimpleStrategy replication. The
// session must not be bound to the keyspace being created.
func EnsureKeyspace(s *Session, keyspace string, replication int) error {
	if !identRe.MatchString(keyspace) {
		return fmt.Errorf("db: invalid keyspace name %q", keyspace)
	}
	if replication < 1 {
		replication = 1
	}
	q := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
	if err := s.Query(q).Exec(); err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}
	return nil
}

// Migrate creates the chat tables in the session's keyspace.
func Migrate(s *Session) error {
	for i, stmt := range schema {
		if err := s.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", Tables[i], err)
		}
	}
	return nil
}

// Drop removes the named table, or every chat table when name is empty.
func Drop(s *Session, name string) error {
	names := Tables
	if name != "" {
		if !identRe.MatchString(name) {
			return fmt.Errorf("db: invalid table name %q", name)
		}
		names = []string{name}
	}
	for _, n := range names {
		if err := s.Query("DROP TABLE IF EXISTS " + n).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", n, err)
		}
	}
	return nil
}
