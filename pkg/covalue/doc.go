// Package covalue implements collaborative values: per-session signed
// transaction logs, deterministic last-writer-wins materialization, the
// group permission engine and read key management.
//
// A Node owns a registry of CoValues and acts as one account or agent.
// Several Node handles may share a registry (see Node.As), each writing
// through its own session. Logs are only ever appended to; content is
// recomputed from the log on every read so two nodes holding the same
// transactions always agree.
package covalue
