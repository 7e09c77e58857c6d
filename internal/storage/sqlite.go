package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/walletbridge/internal/keys"
)

// sqliteFile is one open database file, shared by every wallet using it.
type sqliteFile struct {
	db *sql.DB
	mu sync.RWMutex
}

var sqliteFiles handles[*sqliteFile]

// SQLite is a Database backed by a single SQLite file. Rows are keyed by
// wallet so several wallets can use the same file.
type SQLite struct {
	*sqliteFile
	dbPath string
	wallet string
	closed sync.Once
}

// OpenSQLite opens (or joins) the database file at path for wallet.
func OpenSQLite(path, wallet string) (*SQLite, error) {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	path = canonicalPath(path)
	file, err := sqliteFiles.acquire(path, func() (*sqliteFile, error) {
		return openSQLiteFile(path)
	})
	if err != nil {
		return nil, err
	}

	return &SQLite{sqliteFile: file, dbPath: path, wallet: wallet}, nil
}

func openSQLiteFile(path string) (*sqliteFile, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	f := &sqliteFile{db: db}
	if err := f.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return f, nil
}

// Path returns the database file location.
func (s *SQLite) Path() string {
	return s.dbPath
}

func (f *sqliteFile) initSchema() error {
	schema := `
	-- Highest revealed index per wallet keychain
	CREATE TABLE IF NOT EXISTS last_indexes (
		wallet TEXT NOT NULL,
		keychain INTEGER NOT NULL,
		last_index INTEGER NOT NULL,

		PRIMARY KEY (wallet, keychain)
	);

	-- Scripts derived from the wallet descriptors
	CREATE TABLE IF NOT EXISTS script_pubkeys (
		wallet TEXT NOT NULL,
		script BLOB NOT NULL,
		keychain INTEGER NOT NULL,
		child INTEGER NOT NULL,

		PRIMARY KEY (wallet, script)
	);

	CREATE INDEX IF NOT EXISTS idx_script_pubkeys_path ON script_pubkeys(wallet, keychain, child);

	-- Wallet transactions
	CREATE TABLE IF NOT EXISTS transactions (
		wallet TEXT NOT NULL,
		txid TEXT NOT NULL,
		raw BLOB NOT NULL,
		height INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL DEFAULT 0,
		received INTEGER NOT NULL DEFAULT 0,
		sent INTEGER NOT NULL DEFAULT 0,
		fee INTEGER NOT NULL DEFAULT 0,
		has_fee INTEGER NOT NULL DEFAULT 0,

		PRIMARY KEY (wallet, txid)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_height ON transactions(wallet, height);

	-- Outputs paying wallet scripts
	CREATE TABLE IF NOT EXISTS utxos (
		wallet TEXT NOT NULL,
		txid TEXT NOT NULL,
		vout INTEGER NOT NULL,
		value INTEGER NOT NULL,
		script BLOB NOT NULL,
		keychain INTEGER NOT NULL,
		child INTEGER NOT NULL,
		is_spent INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,

		PRIMARY KEY (wallet, txid, vout)
	);

	-- One sync state row per wallet
	CREATE TABLE IF NOT EXISTS sync_state (
		wallet TEXT PRIMARY KEY,
		height INTEGER NOT NULL,
		block_hash TEXT,
		synced_at INTEGER NOT NULL
	);
	`

	_, err := f.db.Exec(schema)
	return err
}

func (s *SQLite) LastIndex(keychain keys.Keychain) (uint32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idx uint32
	err := s.db.QueryRow(`SELECT last_index FROM last_indexes WHERE wallet = ? AND keychain = ?`, s.wallet, uint32(keychain)).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return idx, true, nil
}

func (s *SQLite) SetLastIndex(keychain keys.Keychain, idx uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO last_indexes (wallet, keychain, last_index) VALUES (?, ?, ?)
		ON CONFLICT(wallet, keychain) DO UPDATE SET last_index = excluded.last_index
	`, s.wallet, uint32(keychain), idx)
	return err
}

func (s *SQLite) SaveScript(info ScriptInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO script_pubkeys (wallet, script, keychain, child) VALUES (?, ?, ?, ?)
		ON CONFLICT(wallet, script) DO UPDATE SET
			keychain = excluded.keychain,
			child = excluded.child
	`, s.wallet, info.Script, uint32(info.Keychain), info.Index)
	return err
}

func (s *SQLite) ScriptByPubKey(script []byte) (*ScriptInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keychain, index uint32
	err := s.db.QueryRow(`SELECT keychain, child FROM script_pubkeys WHERE wallet = ? AND script = ?`, s.wallet, script).Scan(&keychain, &index)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(script))
	copy(out, script)
	return &ScriptInfo{Script: out, Keychain: keys.Keychain(keychain), Index: index}, nil
}

func (s *SQLite) Scripts(keychain keys.Keychain) ([]ScriptInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT script, child FROM script_pubkeys
		WHERE wallet = ? AND keychain = ? ORDER BY child ASC
	`, s.wallet, uint32(keychain))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScriptInfo
	for rows.Next() {
		info := ScriptInfo{Keychain: keychain}
		if err := rows.Scan(&info.Script, &info.Index); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveTx(tx *TxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO transactions (wallet, txid, raw, height, timestamp, received, sent, fee, has_fee)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet, txid) DO UPDATE SET
			raw = excluded.raw,
			height = excluded.height,
			timestamp = excluded.timestamp,
			received = excluded.received,
			sent = excluded.sent,
			fee = excluded.fee,
			has_fee = excluded.has_fee
	`, s.wallet, tx.Txid, tx.Raw, tx.Height, tx.Timestamp,
		int64(tx.Received), int64(tx.Sent), int64(tx.Fee), boolToInt(tx.HasFee))
	return err
}

const txColumns = `txid, raw, height, timestamp, received, sent, fee, has_fee`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTx(row rowScanner) (*TxRecord, error) {
	var (
		rec                 TxRecord
		received, sent, fee int64
		hasFee              int
	)
	if err := row.Scan(&rec.Txid, &rec.Raw, &rec.Height, &rec.Timestamp,
		&received, &sent, &fee, &hasFee); err != nil {
		return nil, err
	}
	rec.Received = uint64(received)
	rec.Sent = uint64(sent)
	rec.Fee = uint64(fee)
	rec.HasFee = hasFee != 0
	return &rec, nil
}

func (s *SQLite) Tx(txid string) (*TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanTx(s.db.QueryRow(`SELECT `+txColumns+` FROM transactions WHERE wallet = ? AND txid = ?`, s.wallet, txid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLite) Txs() ([]TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+txColumns+` FROM transactions WHERE wallet = ?`, s.wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TxRecord
	for rows.Next() {
		rec, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortTxs(out)
	return out, nil
}

func (s *SQLite) ReplaceUTXOs(utxos []UTXO) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM utxos WHERE wallet = ?`, s.wallet); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO utxos (wallet, txid, vout, value, script, keychain, child, is_spent, height)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range utxos {
		if _, err := stmt.Exec(s.wallet, u.Txid, u.Vout, int64(u.Value), u.Script,
			uint32(u.Keychain), u.Index, boolToInt(u.IsSpent), u.Height); err != nil {
			return fmt.Errorf("failed to insert utxo %s:%d: %w", u.Txid, u.Vout, err)
		}
	}

	return tx.Commit()
}

func (s *SQLite) UTXOs() ([]UTXO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT txid, vout, value, script, keychain, child, is_spent, height
		FROM utxos WHERE wallet = ? ORDER BY txid, vout
	`, s.wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UTXO
	for rows.Next() {
		var (
			u               UTXO
			value           int64
			keychain, spent int
		)
		if err := rows.Scan(&u.Txid, &u.Vout, &value, &u.Script, &keychain, &u.Index, &spent, &u.Height); err != nil {
			return nil, err
		}
		u.Value = uint64(value)
		u.Keychain = keys.Keychain(keychain)
		u.IsSpent = spent != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLite) SyncState() (*SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		state SyncState
		hash  sql.NullString
	)
	err := s.db.QueryRow(`SELECT height, block_hash, synced_at FROM sync_state WHERE wallet = ?`, s.wallet).
		Scan(&state.Height, &hash, &state.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state.BlockHash = hash.String
	return &state, nil
}

func (s *SQLite) SetSyncState(state SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sync_state (wallet, height, block_hash, synced_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(wallet) DO UPDATE SET
			height = excluded.height,
			block_hash = excluded.block_hash,
			synced_at = excluded.synced_at
	`, s.wallet, state.Height, state.BlockHash, state.SyncedAt)
	return err
}

// Close releases the handle. The file closes with its last handle.
func (s *SQLite) Close() error {
	var err error
	s.closed.Do(func() {
		err = sqliteFiles.release(s.dbPath, func(f *sqliteFile) error {
			return f.db.Close()
		})
	})
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
