// Package session persists conversation history with a write-through cache:
// every turn lands in memory immediately and in SQL with bounded retries, so
// a database hiccup never loses the conversation for the client in front of
// it.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/observability"
	"github.com/adiwidjaja/nalar/pkg/protocol"
)

const createConversationsTableSQL = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255),
    sequence_num INTEGER NOT NULL,
    role VARCHAR(50) NOT NULL,
    message_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON conversation_turns(session_id, sequence_num);
`

const createConversationsTablePostgresSQL = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id SERIAL PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255),
    sequence_num BIGINT NOT NULL,
    role VARCHAR(50) NOT NULL,
    message_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON conversation_turns(session_id, sequence_num);
`

const createConversationsTableMySQLSQL = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    session_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255),
    sequence_num BIGINT NOT NULL,
    role VARCHAR(50) NOT NULL,
    message_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    INDEX idx_turns_session (session_id, sequence_num)
);
`

type cachedSession struct {
	userID   string
	messages []*protocol.Message
	seq      int
	synced   bool
}

type pendingWrite struct {
	sessionID string
	userID    string
	seq       int
	message   *protocol.Message
}

// Store is the conversation store. The cache is authoritative for reads
// within a process lifetime; SQL is the durable copy.
type Store struct {
	mu       sync.RWMutex
	db       *sql.DB
	dialect  string
	cfg      config.SessionConfig
	sessions map[string]*cachedSession

	retryCh chan pendingWrite
	done    chan struct{}
}

func NewStore(db *sql.DB, dialect string, cfg config.SessionConfig) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &Store{
		db:       db,
		dialect:  dialect,
		cfg:      cfg,
		sessions: make(map[string]*cachedSession),
		retryCh:  make(chan pendingWrite, cfg.RetryQueueSize),
		done:     make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go s.retryLoop()
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := createConversationsTableSQL
	switch s.dialect {
	case "postgres":
		schema = createConversationsTablePostgresSQL
	case "mysql":
		schema = createConversationsTableMySQLSQL
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Append records one turn. Phase one is the cache and always succeeds; phase
// two is SQL with bounded attempts, after which the write moves to the async
// retry queue and the session is marked out of sync.
func (s *Store) Append(ctx context.Context, sessionID, userID string, msg *protocol.Message) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &cachedSession{userID: userID, synced: true}
		s.sessions[sessionID] = sess
	}
	sess.seq++
	seq := sess.seq
	sess.messages = append(sess.messages, msg)
	if len(sess.messages) > s.cfg.MaxHistory {
		sess.messages = sess.messages[len(sess.messages)-s.cfg.MaxHistory:]
	}
	s.mu.Unlock()

	if err := s.writeSQL(ctx, sessionID, userID, seq, msg); err != nil {
		slog.Warn("Conversation write failed, queueing for retry",
			"session_id", sessionID, "error", err)
		s.markUnsynced(sessionID)
		observability.GetGlobalMetrics().RecordCacheDBDrift(ctx)

		select {
		case s.retryCh <- pendingWrite{sessionID: sessionID, userID: userID, seq: seq, message: msg}:
		default:
			slog.Error("Conversation retry queue full, dropping durable write",
				"session_id", sessionID)
		}
	}
	return nil
}

func (s *Store) writeSQL(ctx context.Context, sessionID, userID string, seq int, msg *protocol.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	query := `INSERT INTO conversation_turns (session_id, user_id, sequence_num, role, message_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO conversation_turns (session_id, user_id, sequence_num, role, message_json, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.SaveAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter: 100ms, 200ms, 400ms... ±50%.
			base := 100 * time.Millisecond << (attempt - 1)
			backoff := base/2 + time.Duration(rand.Int64N(int64(base)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		_, lastErr = s.db.ExecContext(ctx, query, sessionID, userID, seq, string(msg.Role), string(raw), time.Now().UTC())
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (s *Store) markUnsynced(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.synced = false
	}
}

func (s *Store) markSynced(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.synced = true
	}
}

// retryLoop drains the async queue, retrying each write until it lands.
func (s *Store) retryLoop() {
	for {
		select {
		case <-s.done:
			return
		case w := <-s.retryCh:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.writeSQL(ctx, w.sessionID, w.userID, w.seq, w.message)
			cancel()

			if err != nil {
				slog.Warn("Conversation retry failed, requeueing",
					"session_id", w.sessionID, "error", err)
				select {
				case <-s.done:
					return
				case <-time.After(time.Second):
				}
				select {
				case s.retryCh <- w:
				default:
					slog.Error("Conversation retry queue full, dropping durable write",
						"session_id", w.sessionID)
				}
				continue
			}
			s.markSynced(w.sessionID)
		}
	}
}

// History returns the cached conversation, loading from SQL on a cold cache.
func (s *Store) History(ctx context.Context, sessionID string) ([]*protocol.Message, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	if ok {
		out := make([]*protocol.Message, len(sess.messages))
		copy(out, sess.messages)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	return s.loadFromSQL(ctx, sessionID)
}

func (s *Store) loadFromSQL(ctx context.Context, sessionID string) ([]*protocol.Message, error) {
	query := `SELECT user_id, sequence_num, message_json FROM conversation_turns
		WHERE session_id = ? ORDER BY sequence_num`
	if s.dialect == "postgres" {
		query = `SELECT user_id, sequence_num, message_json FROM conversation_turns
			WHERE session_id = $1 ORDER BY sequence_num`
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	defer rows.Close()

	var messages []*protocol.Message
	var userID sql.NullString
	seq := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&userID, &seq, &raw); err != nil {
			return nil, err
		}
		msg := &protocol.Message{}
		if err := json.Unmarshal([]byte(raw), msg); err != nil {
			return nil, fmt.Errorf("corrupt message in session %s: %w", sessionID, err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(messages) > s.cfg.MaxHistory {
		messages = messages[len(messages)-s.cfg.MaxHistory:]
	}

	// Warm the cache so the next read stays in memory.
	s.mu.Lock()
	if _, exists := s.sessions[sessionID]; !exists && len(messages) > 0 {
		s.sessions[sessionID] = &cachedSession{
			userID:   userID.String,
			messages: messages,
			seq:      seq,
			synced:   true,
		}
	}
	s.mu.Unlock()

	return messages, nil
}

// Synced reports whether a session's durable copy is up to date. Unknown
// sessions read as synced.
func (s *Store) Synced(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return !ok || sess.synced
}

// Close stops the retry loop. Pending retries are abandoned.
func (s *Store) Close() error {
	close(s.done)
	return nil
}
