package jobstore

const schema = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    progress INTEGER NOT NULL DEFAULT 0,
    total_games INTEGER NOT NULL DEFAULT 0,
    analyzed_games INTEGER NOT NULL DEFAULT 0,
    failed_games INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    CHECK (analyzed_games <= total_games)
);

CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON analysis_jobs(user_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON analysis_jobs(status);

CREATE TABLE IF NOT EXISTS games (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    white TEXT NOT NULL DEFAULT '',
    black TEXT NOT NULL DEFAULT '',
    user_color TEXT NOT NULL,
    moves TEXT NOT NULL DEFAULT '',
    pgn TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL DEFAULT '',
    played_at TIMESTAMP,
    source_key TEXT,
    analysis_state TEXT NOT NULL DEFAULT 'unanalyzed',
    job_id INTEGER REFERENCES analysis_jobs(id),
    average_centipawn_loss REAL,
    accuracy REAL,
    num_moves INTEGER NOT NULL DEFAULT 0,
    num_blunders INTEGER NOT NULL DEFAULT 0,
    num_mistakes INTEGER NOT NULL DEFAULT 0,
    num_inaccuracies INTEGER NOT NULL DEFAULT 0,
    analysis_error TEXT NOT NULL DEFAULT '',
    analyzed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, source_key)
);

CREATE INDEX IF NOT EXISTS idx_games_user_state ON games(user_id, analysis_state);
CREATE INDEX IF NOT EXISTS idx_games_state ON games(analysis_state);
CREATE INDEX IF NOT EXISTS idx_games_job_id ON games(job_id);

CREATE TABLE IF NOT EXISTS moves (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    game_id INTEGER NOT NULL REFERENCES games(id) ON DELETE CASCADE,
    move_number INTEGER NOT NULL,
    half_move INTEGER NOT NULL,
    is_white BOOLEAN NOT NULL,
    move_san TEXT NOT NULL,
    move_uci TEXT NOT NULL,
    eval_before INTEGER NOT NULL,
    eval_after INTEGER NOT NULL,
    best_move_uci TEXT NOT NULL DEFAULT '',
    best_move_san TEXT NOT NULL DEFAULT '',
    classification TEXT NOT NULL DEFAULT '',
    centipawn_loss INTEGER NOT NULL DEFAULT 0,
    UNIQUE (game_id, half_move)
);

CREATE INDEX IF NOT EXISTS idx_moves_game_id ON moves(game_id);
`
