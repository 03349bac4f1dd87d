package protocol

// SchemaDDL defines the SQLite schema for the coe runtime database.
// Tables: tickets, conversations, runs, run_steps, audit_log, plans, tasks, documents.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Work items scheduled by the boss engine
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    number INTEGER NOT NULL UNIQUE,
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'open',
    processing_status TEXT,
    priority TEXT NOT NULL DEFAULT 'P2',
    operation_type TEXT NOT NULL DEFAULT '',
    deliverable_type TEXT NOT NULL DEFAULT '',
    blocking_ticket_id TEXT,
    parent_ticket_id TEXT,
    task_id TEXT,
    plan_id TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    acceptance_criteria TEXT NOT NULL DEFAULT '',
    is_ghost INTEGER NOT NULL DEFAULT 0,
    ai_mode TEXT NOT NULL DEFAULT '',
    processing_started_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status, processing_status);
CREATE INDEX IF NOT EXISTS idx_tickets_blocking ON tickets(blocking_ticket_id);
CREATE INDEX IF NOT EXISTS idx_tickets_parent ON tickets(parent_ticket_id);
CREATE INDEX IF NOT EXISTS idx_tickets_plan ON tickets(plan_id);

-- Per-ticket message thread (agent replies, retry notes, user replies)
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY,
    ticket_id TEXT NOT NULL,
    author TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_ticket ON conversations(ticket_id, id);

-- Pipeline runs and their steps (append-only audit trail)
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    ticket_id TEXT NOT NULL,
    prompt TEXT NOT NULL,
    response TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    error TEXT NOT NULL DEFAULT '',
    tokens_used INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_ticket ON runs(ticket_id, started_at);

CREATE TABLE IF NOT EXISTS run_steps (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    step_index INTEGER NOT NULL,
    agent TEXT NOT NULL,
    deliverable_type TEXT NOT NULL,
    stage INTEGER NOT NULL,
    response_excerpt TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL
);

-- Audit log: engine decisions, boss log actions, escalations without a plan
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY,
    kind TEXT NOT NULL,
    source TEXT NOT NULL,
    ticket_id TEXT,
    detail TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

-- Project plans and their lifecycle phase
CREATE TABLE IF NOT EXISTS plans (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    phase TEXT NOT NULL DEFAULT 'planning',
    design_approved INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    plan_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT 'P2',
    acceptance_criteria TEXT NOT NULL DEFAULT '',
    estimated_minutes INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(plan_id);

-- Reference documents injected into prompts
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    plan_id TEXT NOT NULL,
    task_id TEXT,
    title TEXT NOT NULL,
    content TEXT NOT NULL
);
`
