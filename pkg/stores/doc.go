// Package stores provides ResourceRegistry implementations for labforge.
// SQLiteStore is the durable store: WAL mode, embedded migrations and
// immediate transactions so quota counting and record insertion happen
// atomically. MemoryStore offers the same contract in process.
package stores
