package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/SimonWaldherr/flatSQL/internal/storage"
)

// Version identifies the engine and its file format.
const Version = "FlatSQL 1.00"

// Result reports the effect of a statement that does not return rows.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

type config struct {
	logger        *slog.Logger
	clock         func() time.Time
	poll          time.Duration
	deadlock      time.Duration
	cacheRows     int
	tokenEntries  int
	tokenBytes    int
	exprCacheSize int
	disabled      []string
	codec         storage.Codec
	autoVacuum    string
	vacuumTimeout time.Duration
	autoCreate    bool
	maxErrors     int
	holder        string
}

// Option configures an Engine.
type Option func(*config)

// WithLogger sets the structured logger. The default discards.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithClock replaces time.Now for row timestamps, table modification times,
// NOW() and the result cache.
func WithClock(now func() time.Time) Option { return func(c *config) { c.clock = now } }

// WithPollInterval sets how long lock waits sleep between attempts.
func WithPollInterval(d time.Duration) Option { return func(c *config) { c.poll = d } }

// WithDeadlockTimeout sets after how long a mutex directory, or a lock
// holder that stopped refreshing its liveness beacon, is considered
// abandoned and reclaimed. Every engine on one file should use the same
// value.
func WithDeadlockTimeout(d time.Duration) Option { return func(c *config) { c.deadlock = d } }

// WithCacheRows bounds the cached results per table. Zero disables the
// result cache.
func WithCacheRows(n int) Option { return func(c *config) { c.cacheRows = n } }

// WithTokenCache bounds the token cache by entries and summed statement
// bytes. Zero entries disables it.
func WithTokenCache(entries, bytes int) Option {
	return func(c *config) { c.tokenEntries, c.tokenBytes = entries, bytes }
}

// WithExprCache bounds the compiled expression memo.
func WithExprCache(n int) Option { return func(c *config) { c.exprCacheSize = n } }

// WithDisabledFunctions blacklists SQL functions by name.
func WithDisabledFunctions(names ...string) Option {
	return func(c *config) { c.disabled = append(c.disabled, names...) }
}

// WithCodec sets the value codec of row and schema payloads.
func WithCodec(codec storage.Codec) Option { return func(c *config) { c.codec = codec } }

// WithAutoVacuum schedules compaction on a CRON expression. A run is
// cancelled after timeout; zero means no limit.
func WithAutoVacuum(spec string, timeout time.Duration) Option {
	return func(c *config) { c.autoVacuum, c.vacuumTimeout = spec, timeout }
}

// WithoutAutoCreate makes Open leave a missing file alone. The engine then
// has no database until CREATE DATABASE runs.
func WithoutAutoCreate() Option { return func(c *config) { c.autoCreate = false } }

// WithMaxErrors bounds the error stack.
func WithMaxErrors(n int) Option { return func(c *config) { c.maxErrors = n } }

// WithHolder fixes the lock holder id instead of a random one.
func WithHolder(id string) Option { return func(c *config) { c.holder = id } }

// Engine runs SQL against one database file. Calls are serialised; several
// engines, in one process or many, coordinate through the file locks.
type Engine struct {
	mu       sync.Mutex
	cfg      config
	path     string
	name     string
	db       *storage.DB
	log      *slog.Logger
	tokens   *tokenCache
	memo     *ExprCache
	cache    *resultCache
	disabled map[string]bool
	errs     errorStack
	lastID   int64
	sched    *storage.Scheduler
}

// Open returns an engine for the database file at path, creating the file
// unless WithoutAutoCreate is given.
func Open(path string, opts ...Option) (*Engine, error) {
	cfg := config{
		cacheRows:     100,
		tokenEntries:  256,
		tokenBytes:    1 << 20,
		exprCacheSize: 1000,
		autoCreate:    true,
		maxErrors:     100,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	if cfg.codec == nil {
		cfg.codec = storage.BinaryCodec{}
	}
	e := &Engine{
		cfg:      cfg,
		path:     path,
		log:      cfg.logger,
		memo:     NewExprCache(cfg.exprCacheSize),
		cache:    newResultCache(cfg.cacheRows, cfg.codec),
		disabled: make(map[string]bool),
		errs:     errorStack{max: cfg.maxErrors},
	}
	if cfg.tokenEntries > 0 {
		e.tokens = newTokenCache(cfg.tokenEntries, cfg.tokenBytes)
	}
	for _, n := range cfg.disabled {
		e.disabled[strings.ToUpper(strings.TrimSpace(n))] = true
	}

	db, err := storage.Open(path, e.storageOptions())
	switch {
	case err == nil:
		e.db = db
	case errors.Is(err, storage.ErrNoDB) && cfg.autoCreate:
		if e.db, err = storage.Create(path, e.storageOptions()); err != nil {
			return nil, classify("Open", err)
		}
	case errors.Is(err, storage.ErrNoDB):
	default:
		return nil, classify("Open", err)
	}

	if cfg.autoVacuum != "" {
		s, err := storage.NewScheduler(cfg.autoVacuum, e.scheduledVacuum, cfg.vacuumTimeout, e.log)
		if err != nil {
			return nil, classify("Open", err)
		}
		e.sched = s
		s.Start()
	}
	e.log.Debug("engine opened", "path", path, "exists", e.db != nil)
	return e, nil
}

func (e *Engine) storageOptions() storage.Options {
	return storage.Options{
		PollInterval:    e.cfg.poll,
		DeadlockTimeout: e.cfg.deadlock,
		Codec:           e.cfg.codec,
		Logger:          e.log,
		Now:             e.cfg.clock,
		Holder:          e.cfg.holder,
	}
}

func (e *Engine) clock() time.Time { return e.cfg.clock() }

// Path returns the database file path.
func (e *Engine) Path() string { return e.path }

// DB exposes the storage handle, nil while no database file exists.
func (e *Engine) DB() *storage.DB {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db
}

// InTx reports whether a transaction begun on this engine is open.
func (e *Engine) InTx() bool {
	db := e.DB()
	return db != nil && db.InTx()
}

// Scheduler returns the auto-vacuum scheduler, nil unless configured.
func (e *Engine) Scheduler() *storage.Scheduler { return e.sched }

// fail records err on the error stack and returns it as *Error.
func (e *Engine) fail(op string, err error) error {
	ee := classify(op, err)
	e.errs.push(ee)
	e.log.Debug("statement failed", "op", ee.Op, "kind", ee.Kind.String(), "err", ee.Error())
	return ee
}

func (e *Engine) tokenize(sql string) []Token {
	if e.tokens == nil {
		return Tokenize(sql)
	}
	return e.tokens.tokenize(sql)
}

// single tokenizes sql and insists on exactly one statement.
func (e *Engine) single(sql string) ([]Token, error) {
	stmts := SplitStatements(e.tokenize(sql))
	switch len(stmts) {
	case 0:
		return nil, syntaxErrf("empty statement")
	case 1:
		return stmts[0], nil
	}
	return nil, syntaxErrf("expected one statement, got %d; use Batch", len(stmts))
}

// leadOp names a statement by its first keyword for error reports.
func leadOp(toks []Token) string {
	if len(toks) > 0 && toks[0].Typ == tKeyword {
		return toks[0].Val
	}
	return ""
}

// Exec runs one statement and reports rows affected and the last rowid.
func (e *Engine) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	toks, err := e.single(sql)
	if err != nil {
		return Result{}, e.fail("Exec", err)
	}
	res, err := e.run(ctx, toks, args)
	if err != nil {
		return Result{}, e.fail(leadOp(toks), err)
	}
	return Result{RowsAffected: res.affected, LastInsertID: res.lastID}, nil
}

// Query runs one statement and returns its rows. Statements without rows
// yield an empty cursor carrying the affected count.
func (e *Engine) Query(ctx context.Context, sql string, args ...any) (*Cursor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	toks, err := e.single(sql)
	if err != nil {
		return nil, e.fail("Query", err)
	}
	res, err := e.run(ctx, toks, args)
	if err != nil {
		return nil, e.fail(leadOp(toks), err)
	}
	return newCursor(res.set, res.affected, res.lastID), nil
}

// Batch runs ;-separated statements in order and stops at the first
// failure, returning the results of the statements that ran.
func (e *Engine) Batch(ctx context.Context, sql string) ([]Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Result
	for _, toks := range SplitStatements(e.tokenize(sql)) {
		res, err := e.run(ctx, toks, nil)
		if err != nil {
			return out, e.fail(leadOp(toks), err)
		}
		out = append(out, Result{RowsAffected: res.affected, LastInsertID: res.lastID})
	}
	return out, nil
}

// run binds, parses and executes one statement. The caller holds mu.
func (e *Engine) run(ctx context.Context, toks []Token, args []any) (*execResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, names := countPlaceholders(toks)
	if n > 0 || len(names) > 0 || len(args) > 0 {
		var err error
		if toks, err = bindParams(toks, args); err != nil {
			return nil, err
		}
	}
	stmt, err := ParseStatement(toks)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := e.execStmt(ctx, stmt, cacheKey(toks))
	if err != nil {
		return nil, err
	}
	e.log.Debug("statement executed", "kind", stmt.stmtKind(), "affected", res.affected, "took", time.Since(start))
	return res, nil
}

func (e *Engine) execStmt(ctx context.Context, stmt Statement, key string) (*execResult, error) {
	switch st := stmt.(type) {
	case *CreateDatabase:
		return &execResult{}, e.createDatabase(ctx, st.Name, st.IfNotExists)
	case *DropDatabase:
		return &execResult{}, e.dropDatabase(ctx, st.IfExists)
	}
	if e.db == nil {
		return nil, storage.ErrNoDB
	}
	if tx, ok := stmt.(*TxStmt); ok {
		return &execResult{}, e.txOp(ctx, tx.Op)
	}
	qc, err := newQueryContext(ctx, e)
	if err != nil {
		return nil, err
	}
	var res *execResult
	switch st := stmt.(type) {
	case *Select:
		res, err = e.execSelect(qc, st, key)
	case *Insert:
		res, err = execInsert(qc, st)
	case *Update:
		res, err = execUpdate(qc, st)
	case *Delete:
		res, err = execDelete(qc, st)
	case *CreateTable:
		res, err = execCreateTable(qc, st)
	case *DropTable:
		res, err = execDropTable(qc, st)
	case *Describe:
		res, err = execDescribe(qc, st)
	case *Vacuum:
		res, err = execVacuum(qc)
	default:
		return nil, syntaxErrf("unsupported statement %s", stmt.stmtKind())
	}
	if err != nil {
		return nil, err
	}
	if res.lastID > 0 {
		e.lastID = res.lastID
	}
	return res, nil
}

// execSelect answers from the result cache when a valid entry exists and
// stores cacheable results. Entries are validated under shared locks on
// their tables.
func (e *Engine) execSelect(qc *QueryContext, st *Select, key string) (*execResult, error) {
	useCache := e.cache.enabled() && !qc.db.InTx()
	if useCache {
		mtime := func(tables []string) (map[string]int64, error) {
			return qc.db.MTimeShared(qc.ctx, tables)
		}
		if set, ok := e.cache.get(key, mtime); ok {
			return &execResult{set: set}, nil
		}
	}
	plan, err := planSelect(qc, st, nil)
	if err != nil {
		return nil, err
	}
	set, err := plan.run(qc, nil)
	if err != nil {
		return nil, err
	}
	if useCache && !qc.stats.volatile && !qc.stats.correlated {
		tables := make([]string, 0, len(qc.stats.tables))
		for t := range qc.stats.tables {
			tables = append(tables, t)
		}
		if err := e.cache.put(key, tables, qc.now.Unix(), set); err != nil {
			e.log.Debug("result not cached", "err", err)
		}
	}
	return &execResult{set: set}, nil
}

func (e *Engine) txOp(ctx context.Context, op string) error {
	switch op {
	case "BEGIN":
		return e.db.Begin(ctx)
	case "COMMIT":
		return e.db.Commit(ctx)
	}
	return e.db.Rollback(ctx)
}

// Begin starts a transaction. It locks the whole database until Commit or
// Rollback.
func (e *Engine) Begin(ctx context.Context) error {
	return e.apiCall(ctx, "Begin", (*storage.DB).Begin)
}

// Commit makes the transaction's changes permanent.
func (e *Engine) Commit(ctx context.Context) error {
	return e.apiCall(ctx, "Commit", (*storage.DB).Commit)
}

// Rollback restores the state at Begin.
func (e *Engine) Rollback(ctx context.Context) error {
	return e.apiCall(ctx, "Rollback", (*storage.DB).Rollback)
}

func (e *Engine) apiCall(ctx context.Context, op string, fn func(*storage.DB, context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return e.fail(op, storage.ErrNoDB)
	}
	if err := fn(e.db, ctx); err != nil {
		return e.fail(op, err)
	}
	return nil
}

// CreateDatabase creates the engine's file. name is reported by
// DATABASE().
func (e *Engine) CreateDatabase(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.createDatabase(ctx, name, false); err != nil {
		return e.fail("CREATE DATABASE", err)
	}
	return nil
}

// DropDatabase removes the engine's file. Statements fail with IOError
// until CreateDatabase runs again.
func (e *Engine) DropDatabase(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.dropDatabase(ctx, false); err != nil {
		return e.fail("DROP DATABASE", err)
	}
	return nil
}

func (e *Engine) createDatabase(_ context.Context, name string, ifNotExists bool) error {
	if e.db != nil {
		if ifNotExists {
			return nil
		}
		return storage.ErrDBExists
	}
	db, err := storage.Create(e.path, e.storageOptions())
	if err != nil {
		return err
	}
	e.db, e.name = db, name
	e.resetCaches()
	return nil
}

func (e *Engine) dropDatabase(ctx context.Context, ifExists bool) error {
	if e.db == nil {
		if ifExists {
			return nil
		}
		return storage.ErrNoDB
	}
	if err := e.db.Close(ctx); err != nil {
		return err
	}
	if err := storage.Remove(e.path); err != nil {
		return err
	}
	e.db, e.name = nil, ""
	e.resetCaches()
	e.log.Info("database dropped", "path", e.path)
	return nil
}

func (e *Engine) resetCaches() {
	e.cache.clear()
	e.memo.Clear()
}

// Describe returns the columns of table as Field, Type, Null, Key and
// Default.
func (e *Engine) Describe(ctx context.Context, table string) (*Cursor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil, e.fail("DESCRIBE", storage.ErrNoDB)
	}
	qc, err := newQueryContext(ctx, e)
	if err != nil {
		return nil, e.fail("DESCRIBE", err)
	}
	res, err := execDescribe(qc, &Describe{Table: table})
	if err != nil {
		return nil, e.fail("DESCRIBE", err)
	}
	return newCursor(res.set, 0, 0), nil
}

// Tables lists the table names in the database.
func (e *Engine) Tables(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil, e.fail("Tables", storage.ErrNoDB)
	}
	if err := ctx.Err(); err != nil {
		return nil, e.fail("Tables", err)
	}
	cat, err := e.db.Catalog()
	if err != nil {
		return nil, e.fail("Tables", err)
	}
	var names []string
	for _, s := range cat.Tables() {
		names = append(names, s.Name)
	}
	return names, nil
}

// Vacuum compacts the database file.
func (e *Engine) Vacuum(ctx context.Context) (storage.VacuumStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.vacuum(ctx)
	if err != nil {
		return st, e.fail("VACUUM", err)
	}
	return st, nil
}

func (e *Engine) vacuum(ctx context.Context) (storage.VacuumStats, error) {
	if e.db == nil {
		return storage.VacuumStats{}, storage.ErrNoDB
	}
	return e.db.Vacuum(ctx)
}

// scheduledVacuum runs from the scheduler goroutine.
func (e *Engine) scheduledVacuum(ctx context.Context) (storage.VacuumStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vacuum(ctx)
}

// Errors returns the errors of failed calls, most recent first.
func (e *Engine) Errors() []*Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errs.list()
}

// ClearErrors empties the error stack.
func (e *Engine) ClearErrors() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs.clear()
}

// CacheStats reports result cache entries, hits and misses.
func (e *Engine) CacheStats() (entries, hits, misses int) {
	return e.cache.stats()
}

// Close stops the scheduler, rolls back an open transaction and releases
// held locks.
func (e *Engine) Close(ctx context.Context) error {
	if e.sched != nil {
		e.sched.Stop()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	if err := e.db.Close(ctx); err != nil {
		return e.fail("Close", err)
	}
	return nil
}

// Stmt is a prepared statement with ? and :name placeholders.
type Stmt struct {
	eng    *Engine
	sql    string
	tokens []Token
	nPos   int
	names  []string
}

// Prepare checks the syntax of sql with placeholders read as NULL and
// returns a reusable statement.
func (e *Engine) Prepare(sql string) (*Stmt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	toks, err := e.single(sql)
	if err != nil {
		return nil, e.fail("Prepare", err)
	}
	check := make([]Token, len(toks))
	for i, t := range toks {
		if t.Typ == tPlaceholder {
			t = Token{Typ: tKeyword, Val: "NULL", Pos: t.Pos}
		}
		check[i] = t
	}
	if _, err := ParseStatement(check); err != nil {
		return nil, e.fail(leadOp(toks), err)
	}
	n, names := countPlaceholders(toks)
	return &Stmt{eng: e, sql: sql, tokens: toks, nPos: n, names: names}, nil
}

// NumInput is the number of values Exec and Query expect: one per ? plus
// one per distinct :name.
func (s *Stmt) NumInput() int { return s.nPos + len(s.names) }

// Names returns the distinct named placeholders in order of appearance.
func (s *Stmt) Names() []string { return append([]string(nil), s.names...) }

// SQL returns the statement text.
func (s *Stmt) SQL() string { return s.sql }

// Exec runs the statement with args.
func (s *Stmt) Exec(ctx context.Context, args ...any) (Result, error) {
	e := s.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.run(ctx, s.tokens, args)
	if err != nil {
		return Result{}, e.fail(leadOp(s.tokens), err)
	}
	return Result{RowsAffected: res.affected, LastInsertID: res.lastID}, nil
}

// Query runs the statement with args and returns its rows.
func (s *Stmt) Query(ctx context.Context, args ...any) (*Cursor, error) {
	e := s.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.run(ctx, s.tokens, args)
	if err != nil {
		return nil, e.fail(leadOp(s.tokens), err)
	}
	return newCursor(res.set, res.affected, res.lastID), nil
}

// Close releases the statement.
func (s *Stmt) Close() error { return nil }
